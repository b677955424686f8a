package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/ratelimit"
	"hub-sync-service/internal/syncerr"
)

const defaultPageSize = 100

// HTTPClient speaks the Hub's REST API: database queries filtered on
// last_edited_time and page create/update/retrieve.
type HTTPClient struct {
	baseURL    string
	token      string
	apiVersion string
	pageSize   int
	databases  map[string]string
	http       *http.Client
	limiter    *ratelimit.Limiter
}

func NewHTTPClient(cfg config.HubConfig, limiter *ratelimit.Limiter) *HTTPClient {
	timeout := cfg.GetTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = defaultPageSize
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		apiVersion: cfg.APIVersion,
		pageSize:   pageSize,
		databases:  cfg.Databases,
		http:       &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("hub returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *HTTPClient) databaseID(s *entity.Schema) (string, error) {
	id, ok := c.databases[string(s.Type)]
	if !ok || id == "" {
		return "", syncerr.Config("hub database", fmt.Errorf("no hub database configured for %s", s.Type))
	}
	return id, nil
}

// send performs one request under the limiter and decodes the JSON reply
// into out. notFound reports a 404 instead of failing.
func (c *HTTPClient) send(ctx context.Context, op, method, path string, body any, headers map[string]string, out any) (notFound bool, err error) {
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return false, syncerr.Validation(op, err)
		}
	}

	call := func(ctx context.Context) error {
		notFound = false
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return syncerr.Config(op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		if c.apiVersion != "" {
			req.Header.Set("Notion-Version", c.apiVersion)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return syncerr.Connectivity(op, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return syncerr.Connectivity(op, err)
		}

		if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
			notFound = true
			return nil
		}
		if resp.StatusCode >= 300 {
			return classifyStatus(op, resp, data)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return syncerr.Schema(op, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	if c.limiter == nil {
		err = call(ctx)
	} else {
		err = c.limiter.Do(ctx, op, call)
	}
	return notFound, err
}

func classifyStatus(op string, resp *http.Response, data []byte) error {
	apiErr := &apiError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	apiErr.Status = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimited(op, retryAfter(resp.Header.Get("Retry-After")), apiErr)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Auth(op, apiErr)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode >= 500:
		return syncerr.Connectivity(op, apiErr)
	case resp.StatusCode == http.StatusBadRequest && apiErr.Code == "validation_error":
		return syncerr.Validation(op, apiErr)
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(op, "hub list"):
		// the database itself is gone or not shared with the integration
		return syncerr.Schema(op, apiErr)
	default:
		return syncerr.Validation(op, apiErr)
	}
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(h, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 0
}

type queryResponse struct {
	Results    []pageObject `json:"results"`
	NextCursor *string      `json:"next_cursor"`
	HasMore    bool         `json:"has_more"`
}

func (c *HTTPClient) ListChanged(ctx context.Context, s *entity.Schema, since time.Time, cursor string) (*Page, error) {
	dbID, err := c.databaseID(s)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"page_size": c.pageSize,
		"sorts": []map[string]string{
			{"timestamp": "last_edited_time", "direction": "ascending"},
		},
	}
	if !since.IsZero() {
		body["filter"] = map[string]any{
			"timestamp": "last_edited_time",
			"last_edited_time": map[string]string{
				"on_or_after": since.UTC().Format(time.RFC3339Nano),
			},
		}
	}
	if cursor != "" {
		body["start_cursor"] = cursor
	}

	op := "hub list " + s.Table()
	var resp queryResponse
	if _, err := c.send(ctx, op, http.MethodPost, "/v1/databases/"+dbID+"/query", body, nil, &resp); err != nil {
		return nil, err
	}

	page := &Page{HasMore: resp.HasMore}
	if resp.NextCursor != nil {
		page.NextCursor = *resp.NextCursor
	}
	for _, pg := range resp.Results {
		rec, err := decodePage(s, pg)
		if err != nil {
			err = decodeErr(op+" "+pg.ID, err)
			if syncerr.KindOf(err) == syncerr.KindSchema {
				return nil, err
			}
			page.Invalid = append(page.Invalid, RecordError{ID: pg.ID, UpdatedAt: pg.LastEditedTime.UTC(), Err: err})
			continue
		}
		page.Records = append(page.Records, *rec)
	}

	logger.Log.Debug("Fetched hub page",
		zap.String("entity_type", string(s.Type)),
		zap.Int("records", len(page.Records)),
		zap.Int("invalid", len(page.Invalid)),
		zap.Bool("has_more", page.HasMore),
	)
	return page, nil
}

func (c *HTTPClient) Get(ctx context.Context, s *entity.Schema, id string) (*Record, error) {
	op := "hub get " + s.Table()
	var pg pageObject
	notFound, err := c.send(ctx, op, http.MethodGet, "/v1/pages/"+id, nil, nil, &pg)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	rec, err := decodePage(s, pg)
	if err != nil {
		return nil, decodeErr(op, err)
	}
	return rec, nil
}

func (c *HTTPClient) Create(ctx context.Context, s *entity.Schema, p entity.Payload, idempotencyKey string) (*Record, error) {
	op := "hub create " + s.Table()
	dbID, err := c.databaseID(s)
	if err != nil {
		return nil, err
	}
	props, err := encodeProperties(s, p)
	if err != nil {
		return nil, syncerr.Validation(op, err)
	}

	body := map[string]any{
		"parent":     map[string]string{"database_id": dbID},
		"properties": props,
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}

	var pg pageObject
	if _, err := c.send(ctx, op, http.MethodPost, "/v1/pages", body, headers, &pg); err != nil {
		return nil, err
	}
	rec, err := decodePage(s, pg)
	if err != nil {
		return nil, decodeErr(op, err)
	}
	return rec, nil
}

func (c *HTTPClient) Update(ctx context.Context, s *entity.Schema, id string, p entity.Payload) (*Record, error) {
	op := "hub update " + s.Table()
	props, err := encodeProperties(s, p)
	if err != nil {
		return nil, syncerr.Validation(op, err)
	}

	var pg pageObject
	if _, err := c.send(ctx, op, http.MethodPatch, "/v1/pages/"+id, map[string]any{"properties": props}, nil, &pg); err != nil {
		return nil, err
	}
	rec, err := decodePage(s, pg)
	if err != nil {
		return nil, decodeErr(op, err)
	}
	return rec, nil
}

// Ping checks that the Hub is reachable, accepts the token and shares every
// configured database with the integration.
func (c *HTTPClient) Ping(ctx context.Context) error {
	const op = "hub ping"
	if len(c.databases) == 0 {
		return syncerr.Config(op, errors.New("no hub databases configured"))
	}
	types := make([]string, 0, len(c.databases))
	for et := range c.databases {
		types = append(types, et)
	}
	sort.Strings(types)

	for _, et := range types {
		id := c.databases[et]
		notFound, err := c.send(ctx, op, http.MethodGet, "/v1/databases/"+id, nil, nil, nil)
		if err != nil {
			return err
		}
		if notFound {
			return syncerr.Schema(op, fmt.Errorf("%s database %s is missing or not shared with the integration", et, id))
		}
	}
	return nil
}
