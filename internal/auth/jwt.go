package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

// ErrMissingSubject is returned for tokens without a subject claim
var ErrMissingSubject = errors.New("token missing user ID (subject)")

// User represents an authenticated user from JWT token. ID doubles as the
// mirrored account id; Provider is the optional "provider" claim naming
// the mailbox's OAuth provider.
type User struct {
	ID       string        `json:"id"`
	Email    string        `json:"email"`
	Name     string        `json:"name"`
	Provider OAuthProvider `json:"provider,omitempty"`
}

// JWTVerifier authenticates session tokens against a refreshed JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	log         zerolog.Logger
}

// NewJWTVerifier creates a verifier whose JWKS is cached and refreshed in
// the background until ctx is done. Verification never waits on the network.
func NewJWTVerifier(ctx context.Context, jwksURL string, logger zerolog.Logger) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		log:        logger.With().Str("component", "jwks").Logger(),
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.setKeySet(keySet)

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set) *JWTVerifier {
	v := &JWTVerifier{log: zerolog.Nop()}
	v.setKeySet(keySet)
	return v
}

// fetchKeySet returns the cached key set, fetching it on a miss
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			// keep serving the previous keys
			v.log.Warn().Err(err).Str("jwks_url", v.jwksURL).Msg("JWKS refresh failed")
			continue
		}
		v.setKeySet(keySet)
	}
}

func (v *JWTVerifier) setKeySet(keySet jwk.Set) {
	v.keySetMutex.Lock()
	defer v.keySetMutex.Unlock()
	v.keySet = keySet
	v.lastFetch = time.Now()
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest extracts and validates the bearer token of r
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	// jwt.ParseRequest handles the "Bearer " prefix
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, ErrMissingSubject
	}

	var email, name, provider string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}
	if providerClaim, ok := token.Get("provider"); ok {
		provider, _ = providerClaim.(string)
	}

	return &User{
		ID:       userID,
		Email:    email,
		Name:     name,
		Provider: OAuthProvider(provider),
	}, nil
}

// CacheStats describes the cached key set, reported by the health endpoint
type CacheStats struct {
	KeysCached int       `json:"keysCached"`
	LastFetch  time.Time `json:"lastFetch"`
	AgeSeconds float64   `json:"ageSeconds"`
}

func (v *JWTVerifier) CacheStats() CacheStats {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	stats := CacheStats{LastFetch: v.lastFetch, AgeSeconds: time.Since(v.lastFetch).Seconds()}
	if v.keySet != nil {
		stats.KeysCached = v.keySet.Len()
	}
	return stats
}
