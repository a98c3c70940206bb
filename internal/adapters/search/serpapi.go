package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const (
	DefaultBaseURL = "https://serpapi.com"
	DefaultResults = 8
)

type SerpAPIConfig struct {
	APIKey  string
	BaseURL string
	// Results caps the organic results kept per query.
	Results int
}

// SerpAPIClient is a domain.Searcher backed by SerpAPI's Google results.
type SerpAPIClient struct {
	client  *resty.Client
	apiKey  string
	results int
}

func NewSerpAPIClient(cfg SerpAPIConfig) (*SerpAPIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("serpapi API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Results <= 0 {
		cfg.Results = DefaultResults
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")

	return &SerpAPIClient{client: client, apiKey: cfg.APIKey, results: cfg.Results}, nil
}

type serpResponse struct {
	Error          string          `json:"error"`
	OrganicResults []organicResult `json:"organic_results"`
}

type organicResult struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Snippet   string `json:"snippet"`
	Thumbnail string `json:"thumbnail"`
}

// Search implements domain.Searcher. A response without organic results is
// an empty slice, not an error.
func (c *SerpAPIClient) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	var out, failed serpResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":       query,
			"api_key": c.apiKey,
			"num":     strconv.Itoa(c.results),
		}).
		SetResult(&out).
		SetError(&failed).
		Get("/search.json")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.UpstreamError{Kind: domain.FailureUnknown, Err: fmt.Errorf("serpapi request: %w", err)}
	}

	if resp.StatusCode() != http.StatusOK {
		kind := domain.FailureFromStatus(resp.StatusCode())
		if resp.StatusCode() == http.StatusUnauthorized {
			kind = domain.FailureUnknown
		}
		return nil, &domain.UpstreamError{
			Kind: kind,
			Err:  fmt.Errorf("serpapi: status %d: %s", resp.StatusCode(), failed.Error),
		}
	}

	results := make([]domain.SearchResult, 0, len(out.OrganicResults))
	for _, r := range out.OrganicResults {
		if len(results) == c.results {
			break
		}
		results = append(results, domain.SearchResult{
			Title:     r.Title,
			Link:      r.Link,
			Snippet:   r.Snippet,
			Thumbnail: r.Thumbnail,
		})
	}
	return results, nil
}
