package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"publish-dispatch/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
)

var _ Store = (*ElasticsearchStore)(nil)

// IndexMapping keeps the filterable fields as keywords so term queries match
// exactly.
const IndexMapping = `{
  "mappings": {
    "properties": {
      "id":               {"type": "keyword"},
      "dispatchId":       {"type": "keyword"},
      "documentId":       {"type": "keyword"},
      "recipientId":      {"type": "keyword"},
      "recipientKind":    {"type": "keyword"},
      "channel":          {"type": "keyword"},
      "notificationType": {"type": "keyword"},
      "token":            {"type": "keyword", "index": false},
      "address":          {"type": "keyword"},
      "title":            {"type": "text"},
      "body":             {"type": "text"},
      "messageId":        {"type": "keyword"},
      "success":          {"type": "boolean"},
      "error":            {"type": "text"},
      "metadata":         {"type": "object", "enabled": false},
      "createdAt":        {"type": "date"}
    }
  }
}`

type ElasticsearchStore struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticsearchStore(client *elasticsearch.Client, index string) *ElasticsearchStore {
	return &ElasticsearchStore{client: client, index: index}
}

func (s *ElasticsearchStore) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal delivery attempt: %w", err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(a.ID.String()),
	)
	if err != nil {
		return fmt.Errorf("index delivery attempt: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index delivery attempt: %s", res.Status())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.DeliveryAttempt `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *ElasticsearchStore) Query(ctx context.Context, f Filter) ([]models.DeliveryAttempt, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildSearch(f)); err != nil {
		return nil, fmt.Errorf("encode search: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search delivery attempts: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("search delivery attempts: %s: %s", res.Status(), msg)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]models.DeliveryAttempt, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func buildSearch(f Filter) map[string]interface{} {
	filters := make([]map[string]interface{}, 0)
	term := func(field string, value interface{}) {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}

	if f.Channel != "" {
		term("channel", string(f.Channel))
	}
	if f.NotificationType != "" {
		term("notificationType", string(f.NotificationType))
	}
	if f.Success != nil {
		term("success", *f.Success)
	}
	if f.DispatchID != nil {
		term("dispatchId", f.DispatchID.String())
	}
	if f.RecipientID != "" {
		term("recipientId", f.RecipientID)
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := map[string]interface{}{}
		if !f.From.IsZero() {
			rng["gte"] = f.From.UTC().Format(time.RFC3339Nano)
		}
		if !f.To.IsZero() {
			rng["lt"] = f.To.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"createdAt": rng},
		})
	}

	return map[string]interface{}{
		"from":  f.Offset,
		"size":  f.EffectiveLimit(),
		"sort":  []map[string]interface{}{{"createdAt": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}
}
