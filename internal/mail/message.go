package mail

import (
	"strings"
	"time"
)

// Source identifies which remote provider a message came from
type Source string

const (
	SourceGmail   Source = "gmail"
	SourceOutlook Source = "outlook"
)

// Address is a parsed mail address
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attachment describes an attachment without carrying its content
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is the provider-agnostic representation of a starred/flagged
// mail message. IDs are unique only within their Source namespace.
type Message struct {
	ID             string       `json:"id"`
	Source         Source       `json:"source"`
	Subject        string       `json:"subject"`
	From           Address      `json:"from"`
	To             []Address    `json:"to"`
	Cc             []Address    `json:"cc,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
	Snippet        string       `json:"snippet"`
	BodyHTML       string       `json:"body_html"`
	BodyText       string       `json:"body_text,omitempty"`
	WebLink        string       `json:"web_link"`
	HasAttachments bool         `json:"has_attachments"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
}

// ParseAddress parses the `"Display Name" <email>` convention. A bare
// address with no angle brackets is used as both name and email.
func ParseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if open := strings.Index(raw, "<"); open >= 0 {
		if close := strings.Index(raw[open:], ">"); close > 0 {
			name := strings.Trim(strings.TrimSpace(raw[:open]), `"`)
			email := strings.TrimSpace(raw[open+1 : open+close])
			return Address{Name: name, Email: email}
		}
	}
	trimmed := strings.Trim(raw, `"`)
	return Address{Name: trimmed, Email: trimmed}
}

// ParseAddressList splits a comma-separated header value into addresses.
// Commas inside quoted display names are not handled; header values seen
// in practice separate recipients with ", ".
func ParseAddressList(raw string) []Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	addrs := make([]Address, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		addrs = append(addrs, ParseAddress(p))
	}
	return addrs
}
