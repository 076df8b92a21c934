package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// ClockSkew is the leeway applied to exp/nbf/iat checks.
const ClockSkew = 2 * time.Minute

// ClaimsKey is the gin context key holding the validated claims.
const ClaimsKey = "jwt_claims"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator validates HMAC signed bearer tokens for one issuer and
// audience.
type Authenticator struct {
	key    []byte
	parser *jwt.Parser
}

// NewAuthenticator requires a signing key; issuer and audience are checked
// when set.
func NewAuthenticator(issuer, audience, signingKey string) (*Authenticator, error) {
	if signingKey == "" {
		return nil, berr.Configf("web", "jwt", "signing key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(ClockSkew),
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &Authenticator{key: []byte(signingKey), parser: jwt.NewParser(opts...)}, nil
}

// Validate parses token and returns its registered claims.
func (a *Authenticator) Validate(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	return claims, nil
}

// RegisterAuth installs bearer authentication for Protected routes.
func (s *Server) RegisterAuth(issuer, audience, signingKey string) error {
	a, err := NewAuthenticator(issuer, audience, signingKey)
	if err != nil {
		return err
	}

	s.auth.Store(a)

	return nil
}

// RequireAuth rejects requests without a valid bearer token. Until
// RegisterAuth is called it lets every request through.
func (s *Server) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		a := s.auth.Load()
		if a == nil {
			c.Next()
			return
		}

		token, ok := bearer(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
			return
		}

		claims, err := a.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims RequireAuth stored on c.
func ClaimsFrom(c *gin.Context) (*jwt.RegisteredClaims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}

	claims, ok := v.(*jwt.RegisteredClaims)

	return claims, ok
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")

	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(h[len(prefix):]), true
}
