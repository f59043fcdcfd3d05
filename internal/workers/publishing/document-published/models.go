package documentpublished

import (
	"time"

	"publish-dispatch/internal/dispatch"
	"publish-dispatch/internal/models"
)

// Input is the job payload for a write that may have published a document.
// Published defaults to true; Previous is the state before the write when
// the producer knows it.
type Input struct {
	DocumentID    string         `json:"documentId"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Author        string         `json:"author,omitempty"`
	Published     *bool          `json:"published,omitempty"`
	PublishedAt   time.Time      `json:"publishedAt"`
	UpdatedAt     *time.Time     `json:"updatedAt,omitempty"`
	Previous      *PreviousState `json:"previous,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
}

type PreviousState struct {
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

const inputSchema = `{
	"type": "object",
	"required": ["documentId", "title", "publishedAt"],
	"properties": {
		"documentId": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"body": {"type": "string"},
		"author": {"type": "string"},
		"published": {"type": "boolean"},
		"publishedAt": {"type": "string", "format": "date-time"},
		"updatedAt": {"type": "string", "format": "date-time"},
		"previous": {
			"type": "object",
			"required": ["published"],
			"properties": {
				"published": {"type": "boolean"},
				"publishedAt": {"type": ["string", "null"], "format": "date-time"}
			}
		},
		"changedFields": {"type": "array", "items": {"type": "string"}}
	}
}`

func (in *Input) Change() dispatch.Change {
	publishedAt := in.PublishedAt.UTC()
	updatedAt := publishedAt
	if in.UpdatedAt != nil {
		updatedAt = in.UpdatedAt.UTC()
	}
	published := true
	if in.Published != nil {
		published = *in.Published
	}

	change := dispatch.Change{
		Kind: models.KindPublished,
		Current: models.Document{
			ID:            in.DocumentID,
			Title:         in.Title,
			Body:          in.Body,
			Author:        in.Author,
			Published:     published,
			PublishedAt:   &publishedAt,
			UpdatedAt:     updatedAt,
			ChangedFields: in.ChangedFields,
		},
	}
	if in.Previous != nil {
		change.Previous = &models.Document{
			ID:          in.DocumentID,
			Published:   in.Previous.Published,
			PublishedAt: in.Previous.PublishedAt,
		}
	}
	return change
}
