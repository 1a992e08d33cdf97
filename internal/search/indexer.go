package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/models"
)

var ErrSearchFailed = errors.New("SEARCH_FAILED")

const maxPageSize = 100

// Query narrows a search. Empty fields are ignored.
type Query struct {
	Text   string
	Status models.ApplicationStatus
	From   int
	Size   int
}

type Result struct {
	Total int64                        `json:"total"`
	Hits  []models.ProspectApplication `json:"hits"`
}

// Indexer keeps one index per environment in sync with application events
// and serves searches against it.
type Indexer struct {
	client *elasticsearch.Client
	prefix string
	logger logger.Logger
}

// NewIndexer creates a search sink writing to one index per environment.
func NewIndexer(client *elasticsearch.Client, prefix string, log logger.Logger) *Indexer {
	return &Indexer{
		client: client,
		prefix: prefix,
		logger: log.WithFields(map[string]interface{}{"component": "search-indexer"}),
	}
}

func (i *Indexer) IndexName(env string) string {
	return i.prefix + "-" + env
}

func (i *Indexer) Name() string { return "search" }

func (i *Indexer) Handle(ctx context.Context, ev events.Event) error {
	if ev.Application == nil || ev.Environment == "" {
		return nil
	}
	return i.Index(ctx, ev.Environment, ev.Application)
}

// Index upserts the application document into the environment's index.
func (i *Indexer) Index(ctx context.Context, env string, app *models.ProspectApplication) error {
	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode application: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      i.IndexName(env),
		DocumentID: app.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("%w: index %s: %v", ErrSearchFailed, app.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: index %s: %s", ErrSearchFailed, app.ID, readError(res.Body, res.Status()))
	}
	i.logger.Debug("Application indexed", map[string]interface{}{
		"applicationId": app.ID,
		"index":         i.IndexName(env),
	})
	return nil
}

// Search queries the environment's index. A missing index yields no hits.
func (i *Indexer) Search(ctx context.Context, env string, q Query) (*Result, error) {
	if q.Size <= 0 || q.Size > maxPageSize {
		q.Size = 20
	}
	if q.From < 0 {
		q.From = 0
	}
	body, err := json.Marshal(buildQuery(q))
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	req := esapi.SearchRequest{
		Index: []string{i.IndexName(env)},
		Body:  bytes.NewReader(body),
		From:  &q.From,
		Size:  &q.Size,
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return nil, apperrors.NewUpstreamFailedError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return &Result{Hits: []models.ProspectApplication{}}, nil
	}
	if res.IsError() {
		return nil, apperrors.NewUpstreamFailedError("elasticsearch", errors.New(readError(res.Body, res.Status())))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.ProspectApplication `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, apperrors.NewUpstreamFailedError("elasticsearch", err)
	}

	out := &Result{Total: parsed.Hits.Total.Value, Hits: make([]models.ProspectApplication, 0, len(parsed.Hits.Hits))}
	for _, h := range parsed.Hits.Hits {
		out.Hits = append(out.Hits, h.Source)
	}
	return out, nil
}

func buildQuery(q Query) map[string]interface{} {
	must := []interface{}{}
	filter := []interface{}{}

	if text := strings.TrimSpace(q.Text); text != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query": text,
				"fields": []string{
					"applicationData.companyName^3",
					"applicationData.companyEmail",
					"applicationData.businessDescription",
					"acquirerId",
					"templateId",
				},
				"type": "best_fields",
			},
		})
	}
	if q.Status != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"status.keyword": string(q.Status)},
		})
	}
	if len(must) == 0 {
		must = append(must, map[string]interface{}{"match_all": map[string]interface{}{}})
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"updatedAt": map[string]interface{}{"order": "desc"}},
		},
	}
}

func readError(body io.Reader, status string) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	if len(b) == 0 {
		return status
	}
	return status + ": " + string(b)
}
