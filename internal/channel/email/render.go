package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"publish-dispatch/internal/channel/push"
	"publish-dispatch/internal/models"
)

// Rendered is a message ready for a transport.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

const htmlLayout = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <h2>{{.Title}}</h2>
  {{- if .Author}}<p style="color: #666;">By {{.Author}}{{if .PublishedAt}} on {{.PublishedAt}}{{end}}</p>{{end}}
  <p>{{.Excerpt}}</p>
  {{- if .Link}}
  <p><a href="{{.Link}}">Read the full document</a></p>
  {{- end}}
</body>
</html>
`

const textLayout = `{{.Title}}
{{if .Author}}By {{.Author}}{{if .PublishedAt}} on {{.PublishedAt}}{{end}}
{{end}}
{{.Excerpt}}
{{if .Link}}
Read the full document: {{.Link}}
{{end}}`

type templateData struct {
	Title       string
	Author      string
	PublishedAt string
	Excerpt     string
	Link        string
}

type Renderer struct {
	html         *htmltemplate.Template
	text         *texttemplate.Template
	deepLinkBase string
	excerptLimit int
}

func NewRenderer(deepLinkBase string) *Renderer {
	return &Renderer{
		html:         htmltemplate.Must(htmltemplate.New("document").Parse(htmlLayout)),
		text:         texttemplate.Must(texttemplate.New("document").Parse(textLayout)),
		deepLinkBase: strings.TrimRight(deepLinkBase, "/"),
		excerptLimit: 500,
	}
}

func Subject(doc *models.Document, notificationType models.NotificationType) string {
	if notificationType == models.NotificationDocumentUpdated {
		return "Document updated: " + doc.Title
	}
	return "New document published: " + doc.Title
}

func (r *Renderer) Render(doc *models.Document, notificationType models.NotificationType) (*Rendered, error) {
	data := templateData{
		Title:   doc.Title,
		Author:  doc.Author,
		Excerpt: push.Excerpt(doc.Body, r.excerptLimit),
	}
	if doc.PublishedAt != nil {
		data.PublishedAt = doc.PublishedAt.UTC().Format(time.DateOnly)
	}
	if r.deepLinkBase != "" {
		data.Link = r.deepLinkBase + "/documents/" + doc.ID
	}

	var html, text bytes.Buffer
	if err := r.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	if err := r.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}

	return &Rendered{
		Subject: Subject(doc, notificationType),
		HTML:    html.String(),
		Text:    strings.TrimSpace(text.String()),
	}, nil
}
