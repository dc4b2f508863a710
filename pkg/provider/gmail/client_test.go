package gmail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

func TestHeader_CaseInsensitiveLookup(t *testing.T) {
	headers := []*gmail.MessagePartHeader{
		{Name: "From", Value: "alice@example.com"},
		{Name: "subject", Value: "hello"},
	}
	assert.Equal(t, "alice@example.com", header(headers, "from"))
	assert.Equal(t, "hello", header(headers, "Subject"))
	assert.Equal(t, "", header(headers, "To"))
}

func TestToLabelSet(t *testing.T) {
	set := toLabelSet([]string{"INBOX", "UNREAD"})
	assert.Len(t, set, 2)
	_, ok := set["INBOX"]
	assert.True(t, ok)

	assert.Empty(t, toLabelSet(nil))
}

func TestExtractBody_PrefersFirstTextPart(t *testing.T) {
	part := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "plain body"}},
			{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: "<p>html body</p>"}},
		},
	}
	assert.Equal(t, "plain body", extractBody(part))
	assert.Equal(t, "", extractBody(nil))
}

func TestExtractBody_NonTextBodyIsSkipped(t *testing.T) {
	part := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{MimeType: "application/octet-stream", Body: &gmail.MessagePartBody{Data: "binary"}, Filename: "a.bin"},
			{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "real body"}},
		},
	}
	assert.Equal(t, "real body", extractBody(part))
}

func TestExtractAttachmentNames_RecursesNestedParts(t *testing.T) {
	part := &gmail.MessagePart{
		Parts: []*gmail.MessagePart{
			{Filename: "invoice.pdf"},
			{Parts: []*gmail.MessagePart{{Filename: "receipt.png"}, {Filename: ""}}},
		},
	}
	names := extractAttachmentNames(part)
	assert.Equal(t, []string{"invoice.pdf", "receipt.png"}, names)
	assert.Nil(t, extractAttachmentNames(nil))
}

func TestConvertMessage_MetadataFormatOmitsBody(t *testing.T) {
	msg := &gmail.Message{
		Id:            "m1",
		SizeEstimate:  1024,
		LabelIds:      []string{"INBOX"},
		InternalDate:  1700000000000,
		Snippet:       "a snippet",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{{Name: "From", Value: "a@b.com"}},
		},
	}

	email := convertMessage(msg, models.FormatMetadata)
	assert.Equal(t, "m1", email.ID)
	assert.Equal(t, "a@b.com", email.From)
	assert.False(t, email.HasBody, "metadata format never populates the body")
	assert.Empty(t, email.Body)
}

func TestConvertMessage_FullFormatPopulatesBodyAndAttachments(t *testing.T) {
	msg := &gmail.Message{
		Id: "m2",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "body text"}},
				{Filename: "invoice.pdf"},
			},
		},
	}

	email := convertMessage(msg, models.FormatFull)
	assert.True(t, email.HasBody)
	assert.Equal(t, "body text", email.Body)
	assert.True(t, email.HasAttachment)
	assert.Equal(t, []string{"invoice.pdf"}, email.AttachmentFilenames)
}

func TestGmailHTTPStatus(t *testing.T) {
	assert.Equal(t, 429, gmailHTTPStatus(&googleapi.Error{Code: 429}))
	assert.Equal(t, 0, gmailHTTPStatus(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestClassifyGmailErr(t *testing.T) {
	err := classifyGmailErr("ListMessages", &googleapi.Error{Code: 429})
	assert.Equal(t, errkind.ProviderTransient, errkind.Classify(err))

	err = classifyGmailErr("ListMessages", &googleapi.Error{Code: 400})
	assert.Equal(t, errkind.ProviderFatal, errkind.Classify(err))

	err = classifyGmailErr("ListMessages", assertErr{})
	assert.Equal(t, errkind.ProviderFatal, errkind.Classify(err), "a non-googleapi error with status 0 is still classified fatal")
}
