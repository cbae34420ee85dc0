package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ms2sim/internal/config"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Origin", "Cache-Control", RequestIDHeader}, ", ")
	corsAllowMethods  = strings.Join([]string{http.MethodPost, http.MethodGet, http.MethodOptions}, ", ")
	corsExposeHeaders = strings.Join([]string{"Content-Length", RequestIDHeader}, ", ")
)

// CORS lets browser clients call the prediction and admin routes. With
// AllowAllOrigins the wildcard is sent without credentials; otherwise the
// request origin is echoed back when listed, or when no list is configured.
// Preflight requests end here with 204.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowOrigin, credentials, ok := corsOrigin(c.GetHeader("Origin"), cfg)
		if !ok {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Credentials", strconv.FormatBool(credentials))
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// corsOrigin returns the Access-Control-Allow-Origin value for origin and
// whether credentials may be sent. ok is false for an unlisted origin.
func corsOrigin(origin string, cfg config.CORSConfig) (value string, credentials, ok bool) {
	switch {
	case cfg.AllowAllOrigins:
		return "*", false, true
	case len(cfg.AllowedOrigins) == 0, IsOriginAllowed(origin, cfg):
		return origin, true, true
	default:
		return "", false, false
	}
}

// IsOriginAllowed reports whether origin is listed, case-insensitively. A
// "*" entry allows any origin.
func IsOriginAllowed(origin string, cfg config.CORSConfig) bool {
	if cfg.AllowAllOrigins {
		return true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
