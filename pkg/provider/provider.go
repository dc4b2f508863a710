// Package provider defines the minimal verb set the rule engine needs from
// a remote email provider, independent of which backend (Gmail, Microsoft
// Graph) actually serves it. Concrete implementations live in sibling
// packages (gmail, graph); both satisfy Provider.
package provider

import (
	"context"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

// MessageStub is the minimal shape returned by ListMessages, before any
// detail fetch.
type MessageStub struct {
	ID       string
	ThreadID string
}

// ListResult is the paged response from ListMessages.
type ListResult struct {
	Messages      []MessageStub
	NextPageToken string
}

// Label is a provider label as returned by ListLabels.
type Label struct {
	ID   string
	Name string
}

// ModifyResult is the response from BatchModifyLabels.
type ModifyResult struct {
	Modified int
}

// TrashResult is the response from BatchTrash.
type TrashResult struct {
	Trashed int
}

// MarkReadResult is the response from BatchMarkRead.
type MarkReadResult struct {
	Marked int
	Read   bool
}

// DeleteResult is the response from BatchDelete.
type DeleteResult struct {
	Deleted int
}

// Provider is the verb set the pipeline executor and label resolver consume.
// Every method is synchronous from the caller's perspective; implementations
// own their own retry/backoff/rate-limiting internally (see pkg/ratelimit).
type Provider interface {
	// ListMessages pages through message stubs matching query. maxResults
	// must be <= 500. Returns InvalidParameter for a nil client/handle.
	ListMessages(ctx context.Context, query string, maxResults int, pageToken string) (*ListResult, error)

	// GetMessage fetches one message at the given detail format. Returns
	// NotFound if the message no longer exists.
	GetMessage(ctx context.Context, id string, format models.MessageFormat) (*models.MatchableEmail, error)

	// BatchModifyLabels adds/removes labels on a batch of ids. A nil or
	// empty ids slice is a no-op success.
	BatchModifyLabels(ctx context.Context, ids []string, addLabelIDs, removeLabelIDs []string) (*ModifyResult, error)

	// BatchTrash moves a batch of ids to trash (add TRASH label).
	BatchTrash(ctx context.Context, ids []string) (*TrashResult, error)

	// BatchMarkRead marks a batch of ids read (read=true) or unread.
	BatchMarkRead(ctx context.Context, ids []string, read bool) (*MarkReadResult, error)

	// BatchDelete permanently deletes a batch of ids. Irreversible.
	BatchDelete(ctx context.Context, ids []string) (*DeleteResult, error)

	// ListLabels returns every label known to the account, used only to
	// populate the label resolver's cache.
	ListLabels(ctx context.Context) ([]Label, error)
}

// System labels bypass the Label Resolver's cache unconditionally: their id
// equals their name.
var SystemLabels = map[string]struct{}{
	"INBOX":        {},
	"UNREAD":       {},
	"STARRED":      {},
	"SENT":         {},
	"DRAFT":        {},
	"SPAM":         {},
	"TRASH":        {},
	"IMPORTANT":    {},
	"CATEGORY_PERSONAL": {},
	"CATEGORY_SOCIAL":    {},
	"CATEGORY_PROMOTIONS": {},
	"CATEGORY_UPDATES":    {},
	"CATEGORY_FORUMS":     {},
}

// IsSystemLabel reports whether id/name is one of the provider's built-in
// labels, which are their own ids.
func IsSystemLabel(name string) bool {
	_, ok := SystemLabels[name]
	return ok
}
