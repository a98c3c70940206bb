package search_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/search"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestSerpAPISearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "golang generics", r.URL.Query().Get("q"))
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		assert.Equal(t, "2", r.URL.Query().Get("num"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organic_results":[
			{"title":"Tutorial","link":"https://go.dev/doc/tutorial/generics","snippet":"Learn generics","thumbnail":"https://img/1.png"},
			{"title":"Spec","link":"https://go.dev/ref/spec"},
			{"title":"Ignored","link":"https://example.com"}
		]}`))
	}))
	defer srv.Close()

	c, err := search.NewSerpAPIClient(search.SerpAPIConfig{APIKey: "secret", BaseURL: srv.URL, Results: 2})
	require.NoError(t, err)

	results, err := c.Search(context.Background(), "golang generics")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.SearchResult{
		Title:     "Tutorial",
		Link:      "https://go.dev/doc/tutorial/generics",
		Snippet:   "Learn generics",
		Thumbnail: "https://img/1.png",
	}, results[0])
	assert.Empty(t, results[1].Snippet)
}

func TestSerpAPINoOrganicResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"search_information":{"total_results":0}}`))
	}))
	defer srv.Close()

	c, err := search.NewSerpAPIClient(search.SerpAPIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	results, err := c.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSerpAPIErrorStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   domain.FailureKind
	}{
		{http.StatusUnauthorized, domain.FailureUnknown},
		{http.StatusTooManyRequests, domain.FailureQuotaExceeded},
		{http.StatusBadRequest, domain.FailureInvalidInput},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			c, err := search.NewSerpAPIClient(search.SerpAPIConfig{APIKey: "k", BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.Search(context.Background(), "q")
			var ue *domain.UpstreamError
			require.True(t, errors.As(err, &ue), "got %v", err)
			assert.Equal(t, tt.want, ue.Kind)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestSerpAPINeedsKey(t *testing.T) {
	_, err := search.NewSerpAPIClient(search.SerpAPIConfig{})
	require.Error(t, err)
}
