package web_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berr "github.com/next-trace/scg-microservice/contract/errors"
	"github.com/next-trace/scg-microservice/web"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func serve(s *web.Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	return w
}

func TestCors_PreflightForListedOrigin(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim", func(c *gin.Context) { c.JSON(http.StatusOK, []string{}) })
	require.NoError(t, s.ApplyCors([]string{"http://localhost:8080", "http://localhost:81"}))

	r := httptest.NewRequest(http.MethodOptions, "/claim", nil)
	r.Header.Set("Origin", "http://localhost:81")
	r.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	r.Header.Set("Access-Control-Request-Headers", "authorization,content-type,x-anything")

	w := serve(s, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:81", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	assert.Equal(t, "authorization,content-type,x-anything", w.Header().Get("Access-Control-Allow-Headers"))
	assert.NotContains(t, w.Header().Get("Access-Control-Allow-Headers"), "*")
}

func TestCors_PreflightWithoutRequestedHeadersAllowsAuthorization(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim", func(c *gin.Context) { c.Status(http.StatusOK) })
	require.NoError(t, s.ApplyCors([]string{"http://localhost:8080"}))

	r := httptest.NewRequest(http.MethodOptions, "/claim", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)

	w := serve(s, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "authorization")
	assert.NotContains(t, w.Header().Get("Access-Control-Allow-Headers"), "*")
}

func TestCors_UnlistedOriginDoesNotEchoHeaders(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim", func(c *gin.Context) { c.Status(http.StatusOK) })
	require.NoError(t, s.ApplyCors([]string{"http://localhost:8080"}))

	r := httptest.NewRequest(http.MethodOptions, "/claim", nil)
	r.Header.Set("Origin", "http://evil.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	r.Header.Set("Access-Control-Request-Headers", "authorization")

	w := serve(s, r)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEqual(t, "authorization", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestCors_AppliesToRoutesRegisteredEarlier(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim", func(c *gin.Context) { c.JSON(http.StatusOK, []string{}) })

	r := httptest.NewRequest(http.MethodGet, "/claim", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	assert.Empty(t, serve(s, r).Header().Get("Access-Control-Allow-Origin"))

	require.NoError(t, s.ApplyCors([]string{"http://localhost:8080"}))

	w := serve(s, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCors_UnlistedOriginIsRejected(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim", func(c *gin.Context) { c.Status(http.StatusOK) })
	require.NoError(t, s.ApplyCors([]string{"http://localhost:8080"}))

	r := httptest.NewRequest(http.MethodGet, "/claim", nil)
	r.Header.Set("Origin", "http://evil.example")

	assert.Equal(t, http.StatusForbidden, serve(s, r).Code)
}

func TestCors_Validation(t *testing.T) {
	s := web.NewServer()

	require.ErrorIs(t, s.ApplyCors(nil), berr.ErrConfiguration)
	require.ErrorIs(t, s.ApplyCors([]string{"localhost:8080"}), berr.ErrConfiguration)
}

func TestDocs_ServesVersionedDocument(t *testing.T) {
	s := web.NewServer()
	s.Engine().GET("/claim/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	require.NoError(t, s.RegisterDocs("credit", "v1"))

	w := serve(s, httptest.NewRequest(http.MethodGet, web.DocsPath("v1"), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Info struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))

	assert.Equal(t, "credit", doc.Info.Title)
	assert.Equal(t, "v1", doc.Info.Version)
	assert.Contains(t, doc.Paths, "/claim/{id}")
	assert.Contains(t, doc.Paths["/claim/{id}"], "get")
	assert.Len(t, doc.Paths, 1)

	assert.Equal(t, http.StatusNotFound, serve(s, httptest.NewRequest(http.MethodGet, web.DocsPath("v2"), nil)).Code)
}

func TestDocs_Validation(t *testing.T) {
	require.ErrorIs(t, web.NewServer().RegisterDocs("", "v1"), berr.ErrConfiguration)
	require.ErrorIs(t, web.NewServer().RegisterDocs("credit", ""), berr.ErrConfiguration)
}

const signingKey = "a-signing-key-long-enough-for-hs256"

func token(t *testing.T, key string, claims jwt.RegisteredClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)

	return s
}

func claims(exp time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "credit-issuer",
		Audience:  jwt.ClaimStrings{"credit-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
	}
}

func TestAuth_ProtectedRoutes(t *testing.T) {
	s := web.NewServer()
	s.Protected("/api").GET("/me", func(c *gin.Context) {
		cl, ok := web.ClaimsFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}

		c.String(http.StatusOK, cl.Subject)
	})

	get := func(auth string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		if auth != "" {
			r.Header.Set("Authorization", auth)
		}

		return serve(s, r)
	}

	// without a registered scheme the claims are absent
	assert.Equal(t, http.StatusInternalServerError, get("").Code)

	require.NoError(t, s.RegisterAuth("credit-issuer", "credit-api", signingKey))

	assert.Equal(t, http.StatusUnauthorized, get("").Code)
	assert.Equal(t, http.StatusUnauthorized, get("Basic abc").Code)

	w := get("Bearer " + token(t, signingKey, claims(time.Hour)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())

	assert.Equal(t, http.StatusOK, get("bearer "+token(t, signingKey, claims(-time.Minute))).Code, "within clock skew")
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+token(t, signingKey, claims(-5*time.Minute))).Code)
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+token(t, "another-key-of-sufficient-length!!", claims(time.Hour))).Code)

	wrongAudience := claims(time.Hour)
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+token(t, signingKey, wrongAudience)).Code)

	wrongIssuer := claims(time.Hour)
	wrongIssuer.Issuer = "other"
	assert.Equal(t, http.StatusUnauthorized, get("Bearer "+token(t, signingKey, wrongIssuer)).Code)
}

func TestAuth_SigningKeyRequired(t *testing.T) {
	require.ErrorIs(t, web.NewServer().RegisterAuth("i", "a", ""), berr.ErrConfiguration)
}

func TestAuthenticator_RejectsNoneAlgorithm(t *testing.T) {
	a, err := web.NewAuthenticator("", "", signingKey)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims(time.Hour)).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Validate(unsigned)
	require.ErrorIs(t, err, web.ErrInvalidToken)
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := web.NewHTTPMetrics(reg)
	require.NoError(t, err)

	s := web.NewServer(web.WithMetrics(m))
	s.Engine().GET("/claim", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(s, httptest.NewRequest(http.MethodGet, "/claim", nil))
	serve(s, httptest.NewRequest(http.MethodGet, "/claim", nil))
	serve(s, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	n, err := testutil.GatherAndCount(reg, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = web.NewHTTPMetrics(reg)
	require.Error(t, err)
}
