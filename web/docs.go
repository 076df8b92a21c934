package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Document describes the API served under DocsPath.
type Document struct {
	Title   string
	Version string
}

// DocsPath is where the document for version is served.
func DocsPath(version string) string { return "/swagger/" + version + "/swagger.json" }

// RegisterDocs serves an OpenAPI document listing the engine routes.
// Calling it again for the same version replaces title and version.
func (s *Server) RegisterDocs(title, version string) error {
	if title == "" || version == "" {
		return berr.Configf("web", "docs", "title and version are required")
	}

	first := s.docs.Load() == nil
	s.docs.Store(&Document{Title: title, Version: version})

	if first {
		s.engine.GET("/swagger/:version/swagger.json", s.serveDocs)
	}

	return nil
}

func (s *Server) serveDocs(c *gin.Context) {
	doc := s.docs.Load()
	if doc == nil || c.Param("version") != doc.Version {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	paths := map[string]map[string]any{}
	for _, r := range s.engine.Routes() {
		if strings.HasPrefix(r.Path, "/swagger/") {
			continue
		}

		p := openAPIPath(r.Path)
		if paths[p] == nil {
			paths[p] = map[string]any{}
		}

		paths[p][strings.ToLower(r.Method)] = gin.H{
			"operationId": operationID(r.Method, r.Path),
			"responses":   gin.H{"200": gin.H{"description": "OK"}},
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"openapi": "3.0.3",
		"info":    gin.H{"title": doc.Title, "version": doc.Version},
		"paths":   paths,
	})
}

// openAPIPath rewrites gin parameters (":id", "*rest") into "{id}".
func openAPIPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if len(part) > 1 && (part[0] == ':' || part[0] == '*') {
			parts[i] = "{" + part[1:] + "}"
		}
	}

	return strings.Join(parts, "/")
}

func operationID(method, path string) string {
	var words []string
	for _, part := range strings.Split(path, "/") {
		part = strings.TrimLeft(part, ":*")
		if part != "" {
			words = append(words, part)
		}
	}

	return strings.ToLower(method) + "_" + strings.Join(words, "_")
}
