// Package graph implements pkg/provider.Provider against the Microsoft
// Graph API, mirroring pkg/provider/gmail's pacing, retry, and circuit
// breaker wiring so the pipeline executor can treat either backend
// identically.
package graph

import (
	"context"
	"fmt"
	"net/http"
	"time"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	pmodels "github.com/email-management-platform/backend/gmail-automation/internal/models"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider"
	"github.com/email-management-platform/backend/gmail-automation/pkg/ratelimit"
)

// Config configures a Client.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserID       string // the mailbox operated on; Graph has no "me" shorthand for app-only auth
	RateLimit    ratelimit.Config
}

func oauthEndpoint(tenantID string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenantID),
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
	}
}

// Client implements provider.Provider against Microsoft Graph.
type Client struct {
	graphClient *msgraphsdk.GraphServiceClient
	userID      string
	limiter     *ratelimit.Limiter
	breaker     *gobreaker.CircuitBreaker
	log         *zap.Logger
}

var _ provider.Provider = (*Client)(nil)

// New constructs a Client from app credentials.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TenantID == "" {
		return nil, errkind.New(errkind.InvalidParameter, "New", "tenant id, client id and client secret are required")
	}
	if cfg.UserID == "" {
		return nil, errkind.New(errkind.InvalidParameter, "New", "user id is required")
	}

	cred, err := newClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderFatal, "New", err)
	}

	graphClient, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderFatal, "New", fmt.Errorf("create graph client: %w", err))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-provider",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
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
		graphClient: graphClient,
		userID:      cfg.UserID,
		limiter:     ratelimit.New(cfg.RateLimit),
		breaker:     breaker,
		log:         log,
	}, nil
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.limiter.Do(ctx, op, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err != nil {
			return classifyGraphErr(op, err)
		}
		return nil
	})
}

// ListMessages pages through message stubs, translating query into Graph's
// $search parameter (the compiler's Gmail-style fragments pass through as a
// free-text search term, which is the closest Graph equivalent for the
// fields this rule engine supports).
func (c *Client) ListMessages(ctx context.Context, query string, maxResults int, pageToken string) (*provider.ListResult, error) {
	if c.graphClient == nil {
		return nil, errkind.New(errkind.InvalidParameter, "ListMessages", "nil graph client")
	}
	if maxResults <= 0 || maxResults > 500 {
		return nil, errkind.New(errkind.InvalidParameter, "ListMessages", "maxResults must be in (0, 500]")
	}

	var stubs []provider.MessageStub
	var next string
	err := c.call(ctx, "ListMessages", func(ctx context.Context) error {
		top := int32(maxResults)
		reqConfig := &msgraphsdk.UsersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &msgraphsdk.UsersItemMessagesRequestBuilderGetQueryParameters{
				Top:    &top,
				Select: []string{"id", "conversationId"},
			},
		}
		if query != "" {
			search := fmt.Sprintf("%q", query)
			reqConfig.QueryParameters.Search = &search
		}
		if pageToken != "" {
			reqConfig.QueryParameters.Skiptoken = &pageToken
		}

		resp, err := c.graphClient.Users().ByUserId(c.userID).Messages().Get(ctx, reqConfig)
		if err != nil {
			return err
		}
		for _, m := range resp.GetValue() {
			stubs = append(stubs, provider.MessageStub{ID: derefStr(m.GetId()), ThreadID: derefStr(m.GetConversationId())})
		}
		if link := resp.GetOdataNextLink(); link != nil {
			next = *link
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &provider.ListResult{Messages: stubs, NextPageToken: next}, nil
}

// GetMessage fetches one message. format is honored loosely: Metadata
// skips body/attachment fields, Full/Raw populates them.
func (c *Client) GetMessage(ctx context.Context, id string, format pmodels.MessageFormat) (*pmodels.MatchableEmail, error) {
	if id == "" {
		return nil, errkind.New(errkind.InvalidParameter, "GetMessage", "empty message id")
	}

	var msg models.Messageable
	err := c.call(ctx, "GetMessage", func(ctx context.Context) error {
		m, err := c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Get(ctx, nil)
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

func convertMessage(msg models.Messageable, format pmodels.MessageFormat) *pmodels.MatchableEmail {
	email := &pmodels.MatchableEmail{
		ID:      derefStr(msg.GetId()),
		Subject: derefStr(msg.GetSubject()),
		Labels:  map[string]struct{}{},
	}
	if from := msg.GetFrom(); from != nil && from.GetEmailAddress() != nil {
		email.From = derefStr(from.GetEmailAddress().GetAddress())
	}
	if recips := msg.GetToRecipients(); len(recips) > 0 && recips[0].GetEmailAddress() != nil {
		email.To = derefStr(recips[0].GetEmailAddress().GetAddress())
	}
	if t := msg.GetReceivedDateTime(); t != nil {
		email.InternalTimestamp = *t
	}
	if msg.GetBodyPreview() != nil {
		email.BodySnippet = *msg.GetBodyPreview()
	}
	if categories := msg.GetCategories(); len(categories) > 0 {
		for _, cat := range categories {
			email.Labels[cat] = struct{}{}
		}
	}

	if format == pmodels.FormatFull || format == pmodels.FormatRaw {
		email.HasBody = true
		if body := msg.GetBody(); body != nil && body.GetContent() != nil {
			email.Body = *body.GetContent()
		}
		email.HasAttachmentInfo = true
		if msg.GetHasAttachments() != nil {
			email.HasAttachment = *msg.GetHasAttachments()
		}
	}
	return email
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// BatchModifyLabels applies categories as the nearest Graph equivalent of
// Gmail labels: add appends to the message's category list, remove strips
// them. Graph has no true batch-update verb for this, so each id is
// updated individually; callers should keep batches modest in size.
func (c *Client) BatchModifyLabels(ctx context.Context, ids []string, addLabelIDs, removeLabelIDs []string) (*provider.ModifyResult, error) {
	if len(ids) == 0 {
		return &provider.ModifyResult{}, nil
	}
	modified := 0
	for _, id := range ids {
		err := c.call(ctx, "BatchModifyLabels", func(ctx context.Context) error {
			current, err := c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Get(ctx, nil)
			if err != nil {
				return err
			}
			cats := mergeCategories(current.GetCategories(), addLabelIDs, removeLabelIDs)

			patch := models.NewMessage()
			patch.SetCategories(cats)
			_, err = c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil)
			return err
		})
		if err != nil {
			return nil, err
		}
		modified++
	}
	return &provider.ModifyResult{Modified: modified}, nil
}

func mergeCategories(current []string, add, remove []string) []string {
	set := map[string]struct{}{}
	for _, c := range current {
		set[c] = struct{}{}
	}
	for _, r := range remove {
		delete(set, r)
	}
	for _, a := range add {
		set[a] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// BatchTrash moves ids to the Deleted Items folder.
func (c *Client) BatchTrash(ctx context.Context, ids []string) (*provider.TrashResult, error) {
	if len(ids) == 0 {
		return &provider.TrashResult{}, nil
	}
	trashed := 0
	for _, id := range ids {
		err := c.call(ctx, "BatchTrash", func(ctx context.Context) error {
			_, err := c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Move().Post(ctx, &models.MessageMoveRequestBody{}, nil)
			return err
		})
		if err != nil {
			return nil, err
		}
		trashed++
	}
	return &provider.TrashResult{Trashed: trashed}, nil
}

// BatchMarkRead sets isRead on ids individually.
func (c *Client) BatchMarkRead(ctx context.Context, ids []string, read bool) (*provider.MarkReadResult, error) {
	if len(ids) == 0 {
		return &provider.MarkReadResult{Read: read}, nil
	}
	marked := 0
	for _, id := range ids {
		err := c.call(ctx, "BatchMarkRead", func(ctx context.Context) error {
			patch := models.NewMessage()
			patch.SetIsRead(&read)
			_, err := c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil)
			return err
		})
		if err != nil {
			return nil, err
		}
		marked++
	}
	return &provider.MarkReadResult{Marked: marked, Read: read}, nil
}

// BatchDelete permanently deletes ids. Irreversible; gated by config at the
// pipeline layer, not here.
func (c *Client) BatchDelete(ctx context.Context, ids []string) (*provider.DeleteResult, error) {
	if len(ids) == 0 {
		return &provider.DeleteResult{}, nil
	}
	deleted := 0
	for _, id := range ids {
		err := c.call(ctx, "BatchDelete", func(ctx context.Context) error {
			return c.graphClient.Users().ByUserId(c.userID).Messages().ByMessageId(id).Delete(ctx, nil)
		})
		if err != nil {
			return nil, err
		}
		deleted++
	}
	return &provider.DeleteResult{Deleted: deleted}, nil
}

// ListLabels returns the mailbox's categories (Graph's closest analogue to
// Gmail's label objects), each with its display name as both id and name.
// Mail folders are not returned.
func (c *Client) ListLabels(ctx context.Context) ([]provider.Label, error) {
	var labels []provider.Label
	err := c.call(ctx, "ListLabels", func(ctx context.Context) error {
		resp, err := c.graphClient.Users().ByUserId(c.userID).Outlook().MasterCategories().Get(ctx, nil)
		if err != nil {
			return err
		}
		for _, cat := range resp.GetValue() {
			name := derefStr(cat.GetDisplayName())
			labels = append(labels, provider.Label{ID: name, Name: name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

// classifyGraphErr maps a Graph odataerrors.ODataError into the errkind
// taxonomy by HTTP status.
func classifyGraphErr(op string, err error) error {
	status := graphHTTPStatus(err)
	if status == 0 {
		return errkind.Wrap(errkind.ProviderFatal, op, err)
	}
	if status == http.StatusNotFound {
		return errkind.Wrap(errkind.NotFound, op, err).WithStatus(status)
	}
	if errkind.IsStatusRetryable(status) {
		return errkind.Wrap(errkind.ProviderTransient, op, err).WithStatus(status)
	}
	return errkind.Wrap(errkind.ProviderFatal, op, err).WithStatus(status)
}

// statusCoder is satisfied by the SDK's ODataError and any transport error
// that exposes its HTTP status this way.
type statusCoder interface {
	GetStatusCode() int
}

func graphHTTPStatus(err error) int {
	if sc, ok := err.(statusCoder); ok {
		return sc.GetStatusCode()
	}
	return 0
}

var _ = http.StatusTooManyRequests // retained: documents the 429 this package retries on
