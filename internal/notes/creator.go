// Package notes materializes normalized mail messages as markdown notes.
package notes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailnotes/internal/mail"
)

const maxSubjectLen = 100

// Creator writes one markdown note per message into the inbox directory.
// Destination names are unique per call, so repeated materialization of
// the same message never overwrites an existing note.
type Creator struct {
	dir string
	log *logrus.Entry
}

// NewCreator returns a creator targeting dir.
func NewCreator(dir string, log *logrus.Entry) *Creator {
	return &Creator{dir: dir, log: log}
}

// Create writes the note and returns its path.
func (c *Creator) Create(msg mail.Message) (string, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("create notes directory: %w", err)
	}

	path, err := c.uniquePath(msg)
	if err != nil {
		return "", err
	}

	content := c.render(msg)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write note for message %s: %w", msg.ID, err)
	}
	return path, nil
}

// uniquePath builds "YYYY-MM-DD - Subject.md", appending " (n)" until the
// name is free.
func (c *Creator) uniquePath(msg mail.Message) (string, error) {
	subject := sanitizeFilename(msg.Subject)
	if subject == "" {
		subject = "No Subject"
	}
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}
	base := fmt.Sprintf("%s - %s", msg.ReceivedAt.Format("2006-01-02"), subject)

	path := filepath.Join(c.dir, base+".md")
	for counter := 1; ; counter++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("stat note path: %w", err)
		}
		path = filepath.Join(c.dir, fmt.Sprintf("%s (%d).md", base, counter))
	}
}

// sanitizeFilename strips characters that are illegal on Windows or Unix.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		`\`, "-", `/`, "-", `:`, "-", `*`, "-",
		`?`, "-", `"`, "-", `<`, "-", `>`, "-", `|`, "-",
	)
	return strings.TrimSpace(replacer.Replace(name))
}

func (c *Creator) render(msg mail.Message) string {
	body := c.bodyMarkdown(msg)
	subject := msg.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("tags: [email]\n")
	fmt.Fprintf(&b, "created: %s\n", msg.ReceivedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "email-source: %s\n", msg.Source)
	fmt.Fprintf(&b, "email-id: %q\n", msg.ID)
	fmt.Fprintf(&b, "email-from: %q\n", msg.From.Email)
	fmt.Fprintf(&b, "email-subject: %q\n", subject)
	fmt.Fprintf(&b, "email-date: %s\n", msg.ReceivedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "email-link: %q\n", msg.WebLink)
	fmt.Fprintf(&b, "synced: %s\n", time.Now().Format(time.RFC3339))
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", subject)
	fmt.Fprintf(&b, "**From:** %s <%s>\n", msg.From.Name, msg.From.Email)
	fmt.Fprintf(&b, "**Date:** %s\n", msg.ReceivedAt.Format("Mon, 2 Jan 2006 15:04"))
	if msg.WebLink != "" {
		fmt.Fprintf(&b, "**Source:** [open in %s](%s)\n", msg.Source, msg.WebLink)
	}
	if msg.HasAttachments {
		b.WriteString("\n**Attachments:**\n")
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", att.Name, att.ContentType, att.Size)
		}
	}

	b.WriteString("\n---\n\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// bodyMarkdown prefers the HTML body rendered down to text, falling back
// to the plain-text body, then the snippet.
func (c *Creator) bodyMarkdown(msg mail.Message) string {
	if msg.BodyHTML != "" {
		text, err := html2text.FromString(msg.BodyHTML, html2text.Options{TextOnly: false})
		if err == nil {
			return text
		}
		c.log.WithError(err).WithField("message_id", msg.ID).Warn("html conversion failed, using raw text")
	}
	if msg.BodyText != "" {
		return msg.BodyText
	}
	return msg.Snippet
}
