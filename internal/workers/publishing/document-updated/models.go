package documentupdated

import (
	"time"

	"publish-dispatch/internal/dispatch"
	"publish-dispatch/internal/models"
)

// Input is the job payload for an edit to a document. Previous carries the
// title and body before the edit; without it ChangedFields decides whether
// the content moved.
type Input struct {
	DocumentID    string         `json:"documentId"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Author        string         `json:"author,omitempty"`
	Published     *bool          `json:"published,omitempty"`
	PublishedAt   *time.Time     `json:"publishedAt,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Previous      *PreviousState `json:"previous,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
}

type PreviousState struct {
	Published bool   `json:"published"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

const inputSchema = `{
	"type": "object",
	"required": ["documentId", "title", "updatedAt"],
	"properties": {
		"documentId": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"body": {"type": "string"},
		"author": {"type": "string"},
		"published": {"type": "boolean"},
		"publishedAt": {"type": ["string", "null"], "format": "date-time"},
		"updatedAt": {"type": "string", "format": "date-time"},
		"previous": {
			"type": "object",
			"required": ["published"],
			"properties": {
				"published": {"type": "boolean"},
				"title": {"type": "string"},
				"body": {"type": "string"}
			}
		},
		"changedFields": {"type": "array", "items": {"type": "string"}}
	}
}`

func (in *Input) Change() dispatch.Change {
	published := true
	if in.Published != nil {
		published = *in.Published
	}
	var publishedAt *time.Time
	if in.PublishedAt != nil {
		at := in.PublishedAt.UTC()
		publishedAt = &at
	}

	change := dispatch.Change{
		Kind: models.KindUpdated,
		Current: models.Document{
			ID:            in.DocumentID,
			Title:         in.Title,
			Body:          in.Body,
			Author:        in.Author,
			Published:     published,
			PublishedAt:   publishedAt,
			UpdatedAt:     in.UpdatedAt.UTC(),
			ChangedFields: in.ChangedFields,
		},
	}
	if in.Previous != nil {
		change.Previous = &models.Document{
			ID:        in.DocumentID,
			Title:     in.Previous.Title,
			Body:      in.Previous.Body,
			Published: in.Previous.Published,
		}
	}
	return change
}
