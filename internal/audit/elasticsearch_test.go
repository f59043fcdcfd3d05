package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"publish-dispatch/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

func newTestElasticsearch(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*elasticsearch.Client, *[]recordedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client, &requests
}

func TestElasticsearchStore_Append(t *testing.T) {
	client, requests := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	})

	a := models.NewDeliveryAttempt(models.ChannelEmail, models.NotificationDocumentPublished, "doc-9").Succeeded("")
	a.Address = "reader@corp.io"

	store := NewElasticsearchStore(client, "delivery-attempts")
	require.NoError(t, store.Append(context.Background(), a))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/delivery-attempts/_doc/"+a.ID.String(), req.path)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.body), &doc))
	assert.Equal(t, "email", doc["channel"])
	assert.Equal(t, "reader@corp.io", doc["address"])
	assert.Equal(t, true, doc["success"])
}

func TestElasticsearchStore_Append_Error(t *testing.T) {
	client, _ := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
	})

	store := NewElasticsearchStore(client, "delivery-attempts")
	err := store.Append(context.Background(), models.NewDeliveryAttempt(models.ChannelPush, models.NotificationDocumentPublished, "doc-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestElasticsearchStore_Query(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	client, requests := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_source":{
			"id":"6f1c3f3e-52c1-4d6b-9a5e-0d7c2f1b9a10","documentId":"doc-1","channel":"push",
			"notificationType":"document_published","title":"t","body":"b","success":false,
			"error":"provider timeout","createdAt":"2026-05-01T12:00:00Z"}}]}}`))
	})

	store := NewElasticsearchStore(client, "delivery-attempts")
	failed := false
	rows, err := store.Query(context.Background(), Filter{
		Channel: models.ChannelPush,
		Success: &failed,
		From:    created.Add(-time.Hour),
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "doc-1", rows[0].DocumentID)
	assert.Equal(t, "provider timeout", *rows[0].Error)
	assert.True(t, rows[0].CreatedAt.Equal(created))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.True(t, strings.HasSuffix(req.path, "/delivery-attempts/_search"))
	assert.Contains(t, req.body, `"term":{"channel":"push"}`)
	assert.Contains(t, req.body, `"term":{"success":false}`)
	assert.Contains(t, req.body, `"size":10`)
	assert.Contains(t, req.body, `"gte":"2026-05-01T11:00:00Z"`)
}

func TestBuildSearch_Empty(t *testing.T) {
	search := buildSearch(Filter{})
	assert.Equal(t, DefaultQueryLimit, search["size"])
	assert.Equal(t, 0, search["from"])

	query := search["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Empty(t, query["filter"])
}
