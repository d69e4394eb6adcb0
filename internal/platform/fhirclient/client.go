package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrNoData signals that a search returned no usable bundle. Callers treat
// it as "nothing to do", not as a failure.
var ErrNoData = errors.New("fhirclient: no data")

// Id-batch fetches chunk the _id parameter to keep URLs bounded; each chunk
// asks for a page large enough to hold every match.
const (
	idChunkSize       = 50
	idChunkPageSize   = 100
	maxParallelChunks = 4
)

// TokenSource supplies the bearer token for outbound requests. An empty
// token means unauthenticated access (open sandboxes allow it).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is a read-only FHIR search client.
type Client struct {
	baseURL string
	http    *resty.Client
	tokens  TokenSource
	log     zerolog.Logger
}

// NewClient creates a client for the given FHIR base URL. tokens may be nil
// for always-unauthenticated access.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		tokens: tokens,
		log:    log.With().Str("component", "fhirclient").Logger(),
	}
}

// searchBundle runs one GET search and decodes the result bundle.
func (c *Client) searchBundle(ctx context.Context, resourceType string, query url.Values) (*Bundle, error) {
	req := c.http.R().SetContext(ctx)
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fhirclient: resolve token: %w", err)
		}
		if tok != "" {
			req.SetAuthToken(tok)
		}
	}

	resp, err := req.Get(c.baseURL + "/" + resourceType + "?" + query.Encode())
	if err != nil {
		return nil, fmt.Errorf("fhirclient: %s search: %w", resourceType, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("fhirclient: %s search returned status %d", resourceType, resp.StatusCode())
	}

	var bundle Bundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		return nil, fmt.Errorf("fhirclient: decode %s bundle: %w", resourceType, err)
	}
	return &bundle, nil
}

// FetchProcedures searches Procedures performed on or after since, bounded
// to a single page of pageSize entries. An empty or entry-less bundle yields
// ErrNoData; an HTTP or decode failure is a hard error.
func (c *Client) FetchProcedures(ctx context.Context, since time.Time, pageSize int) ([]Procedure, error) {
	q := url.Values{}
	q.Set("date", "ge"+since.Format("2006-01-02"))
	q.Set("_count", fmt.Sprintf("%d", pageSize))

	bundle, err := c.searchBundle(ctx, "Procedure", q)
	if err != nil {
		return nil, err
	}
	if bundle == nil || len(bundle.Entry) == 0 {
		return nil, ErrNoData
	}

	procedures := make([]Procedure, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var p Procedure
		if err := json.Unmarshal(entry.Resource, &p); err != nil {
			c.log.Warn().Err(err).Msg("skipping undecodable Procedure entry")
			continue
		}
		procedures = append(procedures, p)
	}
	if len(procedures) == 0 {
		return nil, ErrNoData
	}

	c.log.Info().Int("count", len(procedures)).Msg("fetched procedures")
	return procedures, nil
}

// fetchRawByIDs resolves resources by logical id: ids are deduplicated,
// chunked, and fetched with bounded parallelism. A failed chunk is logged
// and contributes nothing; the failed-chunk count is returned so callers can
// surface partial results.
func (c *Client) fetchRawByIDs(ctx context.Context, resourceType string, ids []string) ([]json.RawMessage, int) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, 0
	}

	var chunks [][]string
	for i := 0; i < len(unique); i += idChunkSize {
		end := i + idChunkSize
		if end > len(unique) {
			end = len(unique)
		}
		chunks = append(chunks, unique[i:end])
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []json.RawMessage
		failed  int
	)
	sem := make(chan struct{}, maxParallelChunks)

	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			q := url.Values{}
			q.Set("_id", strings.Join(chunk, ","))
			q.Set("_count", fmt.Sprintf("%d", idChunkPageSize))

			bundle, err := c.searchBundle(ctx, resourceType, q)
			if err != nil {
				c.log.Warn().Err(err).
					Str("resource_type", resourceType).
					Int("chunk_size", len(chunk)).
					Msg("chunk fetch failed")
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			mu.Lock()
			for _, entry := range bundle.Entry {
				if len(entry.Resource) > 0 {
					results = append(results, entry.Resource)
				}
			}
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	return results, failed
}

// FetchPatientsByID resolves Patients by id, keyed by logical id. Missing or
// failed chunks simply leave ids absent from the map.
func (c *Client) FetchPatientsByID(ctx context.Context, ids []string) (map[string]Patient, int) {
	raws, failed := c.fetchRawByIDs(ctx, "Patient", ids)
	out := make(map[string]Patient, len(raws))
	for _, raw := range raws {
		var p Patient
		if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
			continue
		}
		out[p.ID] = p
	}
	return out, failed
}

// FetchEncountersByID resolves Encounters by id, keyed by logical id.
func (c *Client) FetchEncountersByID(ctx context.Context, ids []string) (map[string]Encounter, int) {
	raws, failed := c.fetchRawByIDs(ctx, "Encounter", ids)
	out := make(map[string]Encounter, len(raws))
	for _, raw := range raws {
		var e Encounter
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
			continue
		}
		out[e.ID] = e
	}
	return out, failed
}
