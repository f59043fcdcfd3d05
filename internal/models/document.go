package models

import "time"

// Document is the read-only snapshot of a publishable item handed to the
// dispatch pipeline. The pipeline never mutates the source record.
type Document struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	Author        string     `json:"author,omitempty"`
	Published     bool       `json:"published"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ChangedFields []string   `json:"changedFields,omitempty"`
}

const (
	FieldPublished = "published"
	FieldTitle     = "title"
	FieldBody      = "body"
)

func (d *Document) WasChanged(field string) bool {
	for _, f := range d.ChangedFields {
		if f == field {
			return true
		}
	}
	return false
}

// HasChangeTracking reports whether the producer supplied a change set.
func (d *Document) HasChangeTracking() bool {
	return len(d.ChangedFields) > 0
}

func (d *Document) ContentChanged() bool {
	return d.WasChanged(FieldTitle) || d.WasChanged(FieldBody)
}
