package push

import (
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"publish-dispatch/internal/models"

	"github.com/google/uuid"
)

const DefaultBodyLimit = 150

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// Message is the provider-agnostic payload. DispatchID, DocumentID and Type
// travel with the message for auditing only and are never sent.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Link  string            `json:"link,omitempty"`
	Data  map[string]string `json:"data,omitempty"`

	DispatchID *uuid.UUID              `json:"-"`
	DocumentID string                  `json:"-"`
	Type       models.NotificationType `json:"-"`
}

// MessageOptions controls BuildMessage.
type MessageOptions struct {
	DeepLinkBase string
	BodyLimit    int
	Now          func() time.Time
}

// BuildMessage renders the push payload for doc.
func BuildMessage(doc *models.Document, notificationType models.NotificationType, opts MessageOptions) Message {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	title := "New document: " + doc.Title
	action := "published"
	if notificationType == models.NotificationDocumentUpdated {
		title = "Document updated: " + doc.Title
		action = "updated"
	}

	link := ""
	if opts.DeepLinkBase != "" {
		link = strings.TrimRight(opts.DeepLinkBase, "/") + "/documents/" + doc.ID
	}

	data := map[string]string{
		"document_id":       doc.ID,
		"action":            action,
		"notification_type": string(notificationType),
		"sent_at":           now().UTC().Format(time.RFC3339),
	}
	if link != "" {
		data["url"] = link
	}
	if doc.Author != "" {
		data["author"] = doc.Author
	}
	if doc.PublishedAt != nil {
		data["published_at"] = doc.PublishedAt.UTC().Format(time.RFC3339)
	}

	return Message{
		Title:      title,
		Body:       Excerpt(doc.Body, opts.BodyLimit),
		Link:       link,
		Data:       data,
		DocumentID: doc.ID,
		Type:       notificationType,
	}
}

// StripHTML removes tags, decodes entities and collapses whitespace.
func StripHTML(s string) string {
	s = htmlTagRegex.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// Excerpt strips markup and cuts to limit runes, appending "..." when cut.
func Excerpt(body string, limit int) string {
	text := StripHTML(body)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return strings.TrimSpace(string([]rune(text)[:limit])) + "..."
}
