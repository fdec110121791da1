// AngelaMos | 2026
// jwt.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/carterperez-dev/entitlement-engine/internal/config"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
)

const (
	jwksRefreshInterval = time.Hour
	clockSkew           = 30 * time.Second
)

// Verifier checks access tokens issued by the external identity provider,
// either against a single PEM public key or a remote JWKS.
type Verifier struct {
	cfg config.IdentityConfig

	alg       jwa.SignatureAlgorithm
	publicKey jwk.Key

	mu        sync.RWMutex
	keySet    jwk.Set
	fetchedAt time.Time
	fetch     func(ctx context.Context, url string) (jwk.Set, error)
	now       func() time.Time
}

type VerifierOption func(*Verifier)

// WithJWKSFetcher replaces the remote key set loader.
func WithJWKSFetcher(fn func(ctx context.Context, url string) (jwk.Set, error)) VerifierOption {
	return func(v *Verifier) { v.fetch = fn }
}

func NewVerifier(
	ctx context.Context,
	cfg config.IdentityConfig,
	opts ...VerifierOption,
) (*Verifier, error) {
	alg, ok := jwa.LookupSignatureAlgorithm(cfg.Algorithm)
	if !ok {
		return nil, fmt.Errorf("unsupported signature algorithm %q", cfg.Algorithm)
	}

	v := &Verifier{
		cfg: cfg,
		alg: alg,
		fetch: func(ctx context.Context, url string) (jwk.Set, error) {
			return jwk.Fetch(ctx, url)
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(v)
	}

	if cfg.PublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}

		key, err := jwk.ParseKey(pem, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.publicKey = key
		return v, nil
	}

	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("identity key source not configured")
	}

	if _, err := v.keys(ctx, true); err != nil {
		return nil, err
	}

	return v, nil
}

func (v *Verifier) keys(ctx context.Context, force bool) (jwk.Set, error) {
	v.mu.RLock()
	set, fetchedAt := v.keySet, v.fetchedAt
	v.mu.RUnlock()

	if set != nil && !force && v.now().Sub(fetchedAt) < jwksRefreshInterval {
		return set, nil
	}

	fresh, err := v.fetch(ctx, v.cfg.JWKSURL)
	if err != nil {
		if set != nil {
			return set, nil
		}
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	v.mu.Lock()
	v.keySet = fresh
	v.fetchedAt = v.now()
	v.mu.Unlock()

	return fresh, nil
}

func (v *Verifier) Verify(
	ctx context.Context,
	tokenString string,
) (*middleware.Identity, error) {
	token, err := v.parse(ctx, tokenString)
	if err != nil {
		if isTokenExpiredError(err) {
			return nil, fmt.Errorf("verify token: %w", core.ErrTokenExpired)
		}
		return nil, fmt.Errorf("verify token: %w", core.ErrTokenInvalid)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf(
			"verify token: missing subject: %w",
			core.ErrTokenInvalid,
		)
	}

	id := &middleware.Identity{
		UserID: subject,
		Role:   middleware.RoleStandard,
	}

	var role string
	if err := token.Get("role", &role); err == nil && role == middleware.RoleAdministrator {
		id.Role = middleware.RoleAdministrator
	}
	//nolint:errcheck // email and name are optional claims
	_ = token.Get("email", &id.Email)
	//nolint:errcheck // email and name are optional claims
	_ = token.Get("name", &id.Name)
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))

	return id, nil
}

func (v *Verifier) parse(ctx context.Context, tokenString string) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	if v.publicKey != nil {
		return jwt.Parse([]byte(tokenString),
			append(opts, jwt.WithKey(v.alg, v.publicKey))...)
	}

	set, err := v.keys(ctx, false)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse([]byte(tokenString), append(opts, jwt.WithKeySet(set))...)
	if err == nil || isTokenExpiredError(err) {
		return token, err
	}

	// The provider may have rotated keys since the last fetch.
	set, fetchErr := v.keys(ctx, true)
	if fetchErr != nil {
		return nil, err
	}
	return jwt.Parse([]byte(tokenString), append(opts, jwt.WithKeySet(set))...)
}

func isTokenExpiredError(err error) bool {
	return errors.Is(err, jwt.TokenExpiredError())
}

var _ middleware.TokenVerifier = (*Verifier)(nil)
