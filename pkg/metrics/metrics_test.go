package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestRoutePatternCollapsesPathParams(t *testing.T) {
	t.Parallel()

	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = routePattern(req)
		})
	})
	r.Get("/v1/imports/{job}/progress", func(http.ResponseWriter, *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/v1/imports/job_140_full/progress", nil))
	require.Equal(t, "/v1/imports/{job}/progress", got)

	r.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/v1/imports/job_999_update/progress", nil))
	require.Equal(t, "/v1/imports/{job}/progress", got)
}

func TestRoutePatternFallsBackToPath(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/outside/router", nil)
	require.Equal(t, "/outside/router", routePattern(req))
}
