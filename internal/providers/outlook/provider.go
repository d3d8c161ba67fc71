// Package outlook fetches flagged messages through Microsoft Graph.
package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailnotes/internal/mail"
	"github.com/Martian-dev/mailnotes/internal/oauth"
)

var detailFields = []string{
	"id", "subject", "receivedDateTime", "from", "toRecipients",
	"ccRecipients", "body", "bodyPreview", "webLink", "hasAttachments", "flag",
}

// Provider implements mail.Provider for Outlook / Microsoft Graph.
type Provider struct {
	auth *oauth.Authenticator
	log  *logrus.Entry
}

// New creates an Outlook provider. Unlike Google, Microsoft requires a
// client secret for the token exchange; offline_access in the scope list
// is what yields a refresh token.
func New(clientID, clientSecret string, store oauth.CredentialStore, callbackPort int, log *logrus.Entry) *Provider {
	cfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes:       []string{"openid", "profile", "offline_access", "User.Read", "Mail.Read"},
	}
	authOpts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_mode", "query")}

	return &Provider{
		auth: oauth.NewAuthenticator("outlook", cfg, authOpts, store, callbackPort, log),
		log:  log,
	}
}

// Name returns the provider's source identifier.
func (p *Provider) Name() mail.Source { return mail.SourceOutlook }

// IsAuthenticated reports whether a refresh token is held.
func (p *Provider) IsAuthenticated() bool { return p.auth.IsAuthenticated() }

// Authenticate runs the interactive OAuth flow.
func (p *Provider) Authenticate(ctx context.Context) error { return p.auth.Authenticate(ctx) }

// Authenticator exposes the underlying credential lifecycle.
func (p *Provider) Authenticator() *oauth.Authenticator { return p.auth }

// StarredMessages lists flagged message ids, then fetches each message's
// content. A failed list yields an empty result (fail-open); a failed
// detail fetch skips that message with a warning.
func (p *Provider) StarredMessages(ctx context.Context, since time.Time) ([]mail.Message, error) {
	if !p.IsAuthenticated() {
		return nil, fmt.Errorf("outlook: %w", oauth.ErrNotAuthenticated)
	}

	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	filter := "flag/flagStatus eq 'flagged'"
	if !since.IsZero() {
		filter = fmt.Sprintf("%s and receivedDateTime ge %s", filter, since.UTC().Format(time.RFC3339))
	}

	listConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id"},
			Top:    int32Ptr(50),
		},
	}

	result, err := client.Me().Messages().Get(ctx, listConfig)
	if err != nil {
		p.log.WithError(err).Error("outlook list failed")
		return []mail.Message{}, nil
	}

	listed := result.GetValue()
	messages := make([]mail.Message, 0, len(listed))
	for _, item := range listed {
		id := item.GetId()
		if id == nil {
			continue
		}

		detailConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: detailFields,
			},
		}
		detail, err := client.Me().Messages().ByMessageId(*id).Get(ctx, detailConfig)
		if err != nil {
			p.log.WithError(err).WithField("message_id", *id).Warn("skipping message, detail fetch failed")
			continue
		}
		messages = append(messages, normalize(detail))
	}
	return messages, nil
}

// UserEmail returns the authenticated account's address, preferring the
// one recorded from the id_token at authorization time.
func (p *Provider) UserEmail(ctx context.Context) (string, error) {
	if email := p.auth.AccountEmail(); email != "" {
		return email, nil
	}

	client, err := p.client(ctx)
	if err != nil {
		return "", err
	}

	me, err := client.Me().Get(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("outlook: get profile: %w", err)
	}
	if upn := me.GetUserPrincipalName(); upn != nil {
		return *upn, nil
	}
	if addr := me.GetMail(); addr != nil {
		return *addr, nil
	}
	return "", nil
}

func (p *Provider) client(ctx context.Context) (*msgraphsdk.GraphServiceClient, error) {
	token, err := p.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	cred := &staticTokenCredential{token: token}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("outlook: create Graph client: %w", err)
	}
	return client, nil
}

// normalize converts a Graph message into the provider-agnostic
// representation. Graph delivers the body as either html or text.
func normalize(m models.Messageable) mail.Message {
	msg := mail.Message{Source: mail.SourceOutlook, Subject: "(No Subject)"}

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if subject := m.GetSubject(); subject != nil && *subject != "" {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		msg.From = toAddress(from)
	}
	msg.To = toAddresses(m.GetToRecipients())
	msg.Cc = toAddresses(m.GetCcRecipients())
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if link := m.GetWebLink(); link != nil {
		msg.WebLink = *link
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.TEXT_BODYTYPE {
			msg.BodyText = *body.GetContent()
		} else {
			msg.BodyHTML = *body.GetContent()
		}
	}
	return msg
}

func toAddress(r models.Recipientable) mail.Address {
	addr := mail.Address{}
	if ea := r.GetEmailAddress(); ea != nil {
		if name := ea.GetName(); name != nil {
			addr.Name = *name
		}
		if address := ea.GetAddress(); address != nil {
			addr.Email = *address
			if addr.Name == "" {
				addr.Name = *address
			}
		}
	}
	return addr
}

func toAddresses(recipients []models.Recipientable) []mail.Address {
	if len(recipients) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, toAddress(r))
	}
	return out
}

// staticTokenCredential adapts an already-refreshed access token to the
// Azure credential interface the Graph SDK expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
