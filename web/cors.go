package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// PreflightMaxAge is how long browsers may cache a preflight answer.
const PreflightMaxAge = 24 * time.Hour

// DefaultAllowHeaders answer preflights that name no request headers.
var DefaultAllowHeaders = []string{"Origin", "Accept", "Content-Type", "Authorization"}

// CorsConfig is the policy ApplyCors installs for origins: any method,
// credentials allowed. Requested headers are echoed back by the server, since
// browsers read a literal "*" on credentialed requests and never let it cover
// Authorization.
func CorsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions},
		AllowHeaders:     DefaultAllowHeaders,
		AllowCredentials: true,
		MaxAge:           PreflightMaxAge,
	}
}

// ApplyCors activates the CORS policy for origins. It replaces any policy
// applied before.
func (s *Server) ApplyCors(origins []string) error {
	if len(origins) == 0 {
		return berr.Configf("web", "cors", "at least one origin is required")
	}

	cfg := CorsConfig(origins)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("web cors: %w", errors.Join(berr.ErrConfiguration, err))
	}

	h := cors.New(cfg)
	s.cors.Store(&h)

	return nil
}

func (s *Server) corsHook() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := s.cors.Load()
		if h == nil {
			return
		}

		if c.Request.Method == http.MethodOptions {
			if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
				c.Writer = &echoHeaders{ResponseWriter: c.Writer, requested: requested}
			}
		}

		(*h)(c)
	}
}

// echoHeaders rewrites an accepted preflight answer to allow exactly the
// headers the browser asked for.
type echoHeaders struct {
	gin.ResponseWriter
	requested string
}

func (w *echoHeaders) WriteHeaderNow() {
	if !w.Written() && w.Header().Get("Access-Control-Allow-Origin") != "" {
		w.Header().Set("Access-Control-Allow-Headers", w.requested)
		w.Header().Add("Vary", "Access-Control-Request-Headers")
	}

	w.ResponseWriter.WriteHeaderNow()
}
