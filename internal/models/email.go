package models

import "time"

// MessageFormat mirrors the detail level requested from the provider.
type MessageFormat string

const (
	FormatMetadata MessageFormat = "metadata"
	FormatFull     MessageFormat = "full"
	FormatMinimal  MessageFormat = "minimal"
	FormatRaw      MessageFormat = "raw"
)

// MatchableEmail is the ephemeral, derived view of a provider message that
// the client-side predicate evaluator operates over. Which optional fields
// are populated depends on the format requested from the provider.
type MatchableEmail struct {
	ID                  string
	From                string
	To                  string
	Subject             string
	BodySnippet         string
	Labels              map[string]struct{}
	Body                string
	HasAttachment       bool
	AttachmentFilenames []string
	SizeBytes           int64
	InternalTimestamp   time.Time

	// HasBody and HasAttachmentInfo record whether the corresponding
	// optional field was actually populated from the fetched format, so a
	// predicate referencing an unpopulated field can be distinguished from
	// one that is legitimately empty.
	HasBody           bool
	HasAttachmentInfo bool
}

// LabelSet returns the email's labels as a set, never nil, for O(1)
// membership tests in the predicate evaluator.
func (m *MatchableEmail) LabelSet() map[string]struct{} {
	if m.Labels == nil {
		return map[string]struct{}{}
	}
	return m.Labels
}
