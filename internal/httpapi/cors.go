package httpapi

import (
	"regexp"

	"github.com/gin-gonic/gin"
)

// CORSConfig names the origins spec.md §6 allows through.
type CORSConfig struct {
	AllowedOrigins      []string
	AllowedRegexOrigins []*regexp.Regexp
}

func (c CORSConfig) matches(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	for _, re := range c.AllowedRegexOrigins {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// corsMiddleware sets Access-Control-Allow-Origin only when an origin is
// both present and allow-listed, matching spec.md §6 precisely (no
// wildcard fallback).
func corsMiddleware(cfg CORSConfig) gin.HandlerFunc {
	enabled := len(cfg.AllowedOrigins) > 0 || len(cfg.AllowedRegexOrigins) > 0
	return func(c *gin.Context) {
		if enabled {
			origin := c.GetHeader("Origin")
			if origin != "" && cfg.matches(origin) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET")
			}
		}
		c.Next()
	}
}
