// Package gmail fetches starred messages through the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailnotes/internal/mail"
	"github.com/Martian-dev/mailnotes/internal/oauth"
)

// Provider implements mail.Provider for Gmail.
type Provider struct {
	auth *oauth.Authenticator
	log  *logrus.Entry
}

// New creates a Gmail provider. Google desktop apps exchange tokens with
// the client id alone; no client secret is needed.
func New(clientID string, store oauth.CredentialStore, callbackPort int, log *logrus.Entry) *Provider {
	cfg := oauth2.Config{
		ClientID: clientID,
		Endpoint: google.Endpoint,
		Scopes:   []string{gmailapi.GmailReadonlyScope},
	}
	// access_type=offline plus a forced consent prompt guarantees a
	// refresh token on first authorization
	authOpts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}

	return &Provider{
		auth: oauth.NewAuthenticator("gmail", cfg, authOpts, store, callbackPort, log),
		log:  log,
	}
}

// Name returns the provider's source identifier.
func (p *Provider) Name() mail.Source { return mail.SourceGmail }

// IsAuthenticated reports whether a refresh token is held.
func (p *Provider) IsAuthenticated() bool { return p.auth.IsAuthenticated() }

// Authenticate runs the interactive OAuth flow.
func (p *Provider) Authenticate(ctx context.Context) error { return p.auth.Authenticate(ctx) }

// Authenticator exposes the underlying credential lifecycle.
func (p *Provider) Authenticator() *oauth.Authenticator { return p.auth }

// StarredMessages lists starred messages received after since and fetches
// full content for each. The list call failing yields an empty result so
// one provider cannot halt a whole sync cycle; individual detail failures
// skip that message with a warning.
func (p *Provider) StarredMessages(ctx context.Context, since time.Time) ([]mail.Message, error) {
	if !p.IsAuthenticated() {
		return nil, fmt.Errorf("gmail: %w", oauth.ErrNotAuthenticated)
	}

	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}

	query := "is:starred"
	if !since.IsZero() {
		// Gmail's after: operator takes a second-granularity Unix timestamp
		query = fmt.Sprintf("%s after:%d", query, since.Unix())
	}

	list, err := svc.Users.Messages.List("me").Q(query).Context(ctx).Do()
	if err != nil {
		p.log.WithError(err).Error("gmail list failed")
		return []mail.Message{}, nil
	}

	messages := make([]mail.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		detail, err := svc.Users.Messages.Get("me", m.Id).Format("full").Context(ctx).Do()
		if err != nil {
			p.log.WithError(err).WithField("message_id", m.Id).Warn("skipping message, detail fetch failed")
			continue
		}
		messages = append(messages, normalize(detail))
	}
	return messages, nil
}

// UserEmail returns the authenticated account's address.
func (p *Provider) UserEmail(ctx context.Context) (string, error) {
	if email := p.auth.AccountEmail(); email != "" {
		return email, nil
	}

	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: get profile: %w", err)
	}
	return profile.EmailAddress, nil
}

func (p *Provider) service(ctx context.Context) (*gmailapi.Service, error) {
	token, err := p.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	svc, err := gmailapi.NewService(ctx,
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return svc, nil
}

// normalize converts a full-format Gmail message into the
// provider-agnostic representation.
func normalize(m *gmailapi.Message) mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[canonical(h.Name)] = h.Value
		}
	}

	subject := headers["subject"]
	if subject == "" {
		subject = "(No Subject)"
	}

	bodyHTML, bodyText := extractBody(m.Payload)
	attachments := collectAttachments(m.Payload)

	return mail.Message{
		ID:             m.Id,
		Source:         mail.SourceGmail,
		Subject:        subject,
		From:           mail.ParseAddress(headers["from"]),
		To:             mail.ParseAddressList(headers["to"]),
		Cc:             mail.ParseAddressList(headers["cc"]),
		ReceivedAt:     time.UnixMilli(m.InternalDate),
		Snippet:        m.Snippet,
		BodyHTML:       bodyHTML,
		BodyText:       bodyText,
		WebLink:        fmt.Sprintf("https://mail.google.com/mail/u/0/#inbox/%s", m.Id),
		HasAttachments: len(attachments) > 0,
		Attachments:    attachments,
		Labels:         m.LabelIds,
	}
}

func canonical(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// extractBody prefers an HTML part, falling back to plain text. Either
// may be absent; an empty body is not a failure.
func extractBody(payload *gmailapi.MessagePart) (html, text string) {
	if payload == nil {
		return "", ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		decoded := decodePart(payload.Body.Data)
		if payload.MimeType == "text/plain" {
			return "", decoded
		}
		return decoded, ""
	}

	if part := findPart(payload, "text/html"); part != nil {
		html = decodePart(part.Body.Data)
	}
	if part := findPart(payload, "text/plain"); part != nil {
		text = decodePart(part.Body.Data)
	}
	return html, text
}

// findPart walks the part tree for the first part of the given MIME type
// that carries inline data.
func findPart(part *gmailapi.MessagePart, mimeType string) *gmailapi.MessagePart {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return part
	}
	for _, child := range part.Parts {
		if found := findPart(child, mimeType); found != nil {
			return found
		}
	}
	return nil
}

func decodePart(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}

// collectAttachments walks the payload for named parts with attachment ids.
func collectAttachments(payload *gmailapi.MessagePart) []mail.Attachment {
	if payload == nil {
		return nil
	}

	var out []mail.Attachment
	var walk func(part *gmailapi.MessagePart)
	walk = func(part *gmailapi.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			out = append(out, mail.Attachment{
				Name:        part.Filename,
				ContentType: part.MimeType,
				Size:        part.Body.Size,
			})
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(payload)
	return out
}
