// Package gmail implements pkg/provider.Provider against the Gmail API,
// with OAuth2 credential handling, paced/retried calls via pkg/ratelimit,
// and a circuit breaker around the underlying service calls.
package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider"
	"github.com/email-management-platform/backend/gmail-automation/pkg/ratelimit"
)

// gmailScopes are the OAuth2 scopes required to operate the Provider verb
// set (list/get/modify/trash/delete/labels).
var gmailScopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailModifyScope,
	gmail.GmailLabelsScope,
}

// Config configures a Client.
type Config struct {
	CredentialsJSON string
	UserEmail       string // "me" when empty
	RateLimit       ratelimit.Config
}

// Client implements provider.Provider against the Gmail API.
type Client struct {
	service   *gmail.Service
	userEmail string
	limiter   *ratelimit.Limiter
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

var _ provider.Provider = (*Client)(nil)

// New constructs a Client from OAuth2 credentials JSON.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	oauthCfg, err := google.ConfigFromJSON([]byte(cfg.CredentialsJSON), gmailScopes...)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidParameter, "New", fmt.Errorf("parse oauth2 credentials: %w", err))
	}

	var tok *oauth2.Token
	service, err := gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, tok)))
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderFatal, "New", fmt.Errorf("create gmail service: %w", err))
	}

	userEmail := cfg.UserEmail
	if userEmail == "" {
		userEmail = "me"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gmail-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})

	return &Client{
		service:   service,
		userEmail: userEmail,
		limiter:   ratelimit.New(cfg.RateLimit),
		breaker:   breaker,
		log:       log,
	}, nil
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.limiter.Do(ctx, op, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err != nil {
			return classifyGmailErr(op, err)
		}
		return nil
	})
}

// ListMessages pages through message stubs matching query.
func (c *Client) ListMessages(ctx context.Context, query string, maxResults int, pageToken string) (*provider.ListResult, error) {
	if c.service == nil {
		return nil, errkind.New(errkind.InvalidParameter, "ListMessages", "nil gmail service")
	}
	if maxResults <= 0 || maxResults > 500 {
		return nil, errkind.New(errkind.InvalidParameter, "ListMessages", "maxResults must be in (0, 500]")
	}

	var resp *gmail.ListMessagesResponse
	err := c.call(ctx, "ListMessages", func(ctx context.Context) error {
		call := c.service.Users.Messages.List(c.userEmail).Context(ctx).MaxResults(int64(maxResults))
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		r, err := call.Do()
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &provider.ListResult{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		out.Messages = append(out.Messages, provider.MessageStub{ID: m.Id, ThreadID: m.ThreadId})
	}
	return out, nil
}

// GetMessage fetches one message at the requested detail format.
func (c *Client) GetMessage(ctx context.Context, id string, format models.MessageFormat) (*models.MatchableEmail, error) {
	if id == "" {
		return nil, errkind.New(errkind.InvalidParameter, "GetMessage", "empty message id")
	}

	var msg *gmail.Message
	err := c.call(ctx, "GetMessage", func(ctx context.Context) error {
		m, err := c.service.Users.Messages.Get(c.userEmail, id).Context(ctx).Format(string(format)).Do()
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return convertMessage(msg, format), nil
}

func convertMessage(msg *gmail.Message, format models.MessageFormat) *models.MatchableEmail {
	email := &models.MatchableEmail{
		ID:        msg.Id,
		SizeBytes: msg.SizeEstimate,
		Labels:    toLabelSet(msg.LabelIds),
	}
	if msg.InternalDate > 0 {
		email.InternalTimestamp = time.Unix(msg.InternalDate/1000, 0)
	}
	if msg.Payload != nil {
		email.From = header(msg.Payload.Headers, "From")
		email.To = header(msg.Payload.Headers, "To")
		email.Subject = header(msg.Payload.Headers, "Subject")
	}
	email.BodySnippet = msg.Snippet

	if format == models.FormatFull || format == models.FormatRaw {
		email.HasBody = true
		email.Body = extractBody(msg.Payload)
		email.HasAttachmentInfo = true
		email.AttachmentFilenames = extractAttachmentNames(msg.Payload)
		email.HasAttachment = len(email.AttachmentFilenames) > 0
	}

	return email
}

func toLabelSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func extractBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.Body != nil && part.Body.Data != "" && strings.HasPrefix(part.MimeType, "text/") {
		return part.Body.Data
	}
	for _, p := range part.Parts {
		if body := extractBody(p); body != "" {
			return body
		}
	}
	return ""
}

func extractAttachmentNames(part *gmail.MessagePart) []string {
	if part == nil {
		return nil
	}
	var names []string
	if part.Filename != "" {
		names = append(names, part.Filename)
	}
	for _, p := range part.Parts {
		names = append(names, extractAttachmentNames(p)...)
	}
	return names
}

// BatchModifyLabels adds/removes labels on all of ids in one BatchModify
// call; ids are not split into chunks here.
func (c *Client) BatchModifyLabels(ctx context.Context, ids []string, addLabelIDs, removeLabelIDs []string) (*provider.ModifyResult, error) {
	if len(ids) == 0 {
		return &provider.ModifyResult{}, nil
	}
	err := c.call(ctx, "BatchModifyLabels", func(ctx context.Context) error {
		return c.service.Users.Messages.BatchModify(c.userEmail, &gmail.BatchModifyMessagesRequest{
			Ids:            ids,
			AddLabelIds:    addLabelIDs,
			RemoveLabelIds: removeLabelIDs,
		}).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return &provider.ModifyResult{Modified: len(ids)}, nil
}

// BatchTrash adds the TRASH label to ids.
func (c *Client) BatchTrash(ctx context.Context, ids []string) (*provider.TrashResult, error) {
	if len(ids) == 0 {
		return &provider.TrashResult{}, nil
	}
	_, err := c.BatchModifyLabels(ctx, ids, []string{"TRASH"}, nil)
	if err != nil {
		return nil, err
	}
	return &provider.TrashResult{Trashed: len(ids)}, nil
}

// BatchMarkRead adds/removes the UNREAD label on ids.
func (c *Client) BatchMarkRead(ctx context.Context, ids []string, read bool) (*provider.MarkReadResult, error) {
	if len(ids) == 0 {
		return &provider.MarkReadResult{Read: read}, nil
	}
	var err error
	if read {
		_, err = c.BatchModifyLabels(ctx, ids, nil, []string{"UNREAD"})
	} else {
		_, err = c.BatchModifyLabels(ctx, ids, []string{"UNREAD"}, nil)
	}
	if err != nil {
		return nil, err
	}
	return &provider.MarkReadResult{Marked: len(ids), Read: read}, nil
}

// BatchDelete permanently deletes ids. Irreversible; gated by config at the
// pipeline layer, not here.
func (c *Client) BatchDelete(ctx context.Context, ids []string) (*provider.DeleteResult, error) {
	if len(ids) == 0 {
		return &provider.DeleteResult{}, nil
	}
	err := c.call(ctx, "BatchDelete", func(ctx context.Context) error {
		return c.service.Users.Messages.BatchDelete(c.userEmail, &gmail.BatchDeleteMessagesRequest{Ids: ids}).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return &provider.DeleteResult{Deleted: len(ids)}, nil
}

// ListLabels returns every label on the account.
func (c *Client) ListLabels(ctx context.Context) ([]provider.Label, error) {
	var resp *gmail.ListLabelsResponse
	err := c.call(ctx, "ListLabels", func(ctx context.Context) error {
		r, err := c.service.Users.Labels.List(c.userEmail).Context(ctx).Do()
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]provider.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		out = append(out, provider.Label{ID: l.Id, Name: l.Name})
	}
	return out, nil
}

// classifyGmailErr maps a raw googleapi error into the errkind taxonomy by
// HTTP status, so pkg/ratelimit's retry policy can act on it.
func classifyGmailErr(op string, err error) error {
	status := gmailHTTPStatus(err)
	if status == 0 {
		return errkind.Wrap(errkind.ProviderFatal, op, err).WithStatus(0)
	}
	if status == 404 {
		return errkind.Wrap(errkind.NotFound, op, err).WithStatus(status)
	}
	if errkind.IsStatusRetryable(status) {
		return errkind.Wrap(errkind.ProviderTransient, op, err).WithStatus(status)
	}
	return errkind.Wrap(errkind.ProviderFatal, op, err).WithStatus(status)
}
