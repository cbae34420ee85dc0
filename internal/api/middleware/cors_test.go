package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/timmy/ms2sim/internal/config"
)

func corsRouter(cfg config.CORSConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(cfg))
	r.POST("/api/v1/predict", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.CORSConfig
		method      string
		origin      string
		status      int
		allowOrigin string
		credentials string
	}{
		{"wildcard preflight", config.CORSConfig{AllowAllOrigins: true}, http.MethodOptions, "https://a.org", http.StatusNoContent, "*", "false"},
		{"listed origin", config.CORSConfig{AllowedOrigins: []string{"https://A.org"}}, http.MethodPost, "https://a.org", http.StatusOK, "https://a.org", "true"},
		{"unlisted origin", config.CORSConfig{AllowedOrigins: []string{"https://a.org"}}, http.MethodPost, "https://b.org", http.StatusOK, "", ""},
		{"no list echoes origin", config.CORSConfig{}, http.MethodPost, "https://b.org", http.StatusOK, "https://b.org", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/predict", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			corsRouter(tt.cfg).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.allowOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials"))
			if tt.allowOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), RequestIDHeader)
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://lab.example.org"}}
	assert.True(t, IsOriginAllowed("https://LAB.example.org", cfg))
	assert.False(t, IsOriginAllowed("https://other.org", cfg))
	assert.True(t, IsOriginAllowed("https://other.org", config.CORSConfig{AllowedOrigins: []string{"*"}}))
}
