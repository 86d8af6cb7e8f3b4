package usertoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

const (
	defaultIssuer          = "helpdesk-auth"
	defaultAudience        = "helpdesk-api"
	defaultRefreshInterval = time.Hour
	clockLeeway            = 30 * time.Second
	refreshRateLimit       = 5 * time.Second
	refreshTimeout         = 5 * time.Second
)

// Identity is the caller named by a verified access token.
type Identity struct {
	UserID   string
	Username string
}

// User is the local mirror of the identity. Tokens without a username claim
// are mirrored under their subject.
func (id Identity) User() domain.User {
	username := id.Username
	if username == "" {
		username = id.UserID
	}
	return domain.User{ID: id.UserID, Username: username}
}

// accessClaims is what the auth service puts into access tokens. Identity
// providers that follow OIDC send preferred_username instead of username.
type accessClaims struct {
	jwt.RegisteredClaims
	Username          string `json:"username,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

func (c accessClaims) identity() (Identity, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	username := strings.TrimSpace(c.Username)
	if username == "" {
		username = strings.TrimSpace(c.PreferredUsername)
	}
	return Identity{UserID: subject, Username: username}, nil
}

// Config configures access-token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

// Verifier checks RS256 access tokens against the auth service's JWKS. Keys
// are refreshed hourly in the background and on any unknown kid.
type Verifier struct {
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
}

// NewVerifier fetches the key set once and starts background refresh, which
// stops when ctx is done or Close is called.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}

	logger := util.LoggerFromContext(ctx)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   defaultRefreshInterval,
		RefreshRateLimit:  refreshRateLimit,
		RefreshTimeout:    refreshTimeout,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Warn("jwks refresh failed", "url", jwksURL, "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	return &Verifier{
		jwks: jwks,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockLeeway),
		),
	}, nil
}

// Verify validates the token and returns the caller identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var claims accessClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.jwks.Keyfunc)
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	return claims.identity()
}

// Close stops background key refresh.
func (v *Verifier) Close() {
	v.jwks.EndBackground()
}
