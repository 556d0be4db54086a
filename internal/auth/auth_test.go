package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/store"
)

func TestGetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer session" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/auth/accounts/google/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_at":1900000000}`))
		case "/api/auth/accounts/microsoft/token":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewBetterAuthClient(srv.URL + "/")
	ctx := context.Background()

	tok, err := c.GetToken(ctx, "session", OAuthGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, time.Unix(1900000000, 0), tok.Expiry)

	_, err = c.GetToken(ctx, "session", OAuthMicrosoft)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.GetToken(ctx, "stale", OAuthGoogle)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.GetToken(ctx, "session", "yahoo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad status 502")
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Token{Expiry: now.Add(-time.Minute)}).Expired(now))
	assert.False(t, (&Token{Expiry: now.Add(-time.Minute), RefreshToken: "rt"}).Expired(now))
	assert.False(t, (&Token{}).Expired(now))
}

type fakeTokens struct {
	tok *Token
	err error
	got OAuthProvider
}

func (f *fakeTokens) GetToken(ctx context.Context, userJWT string, provider OAuthProvider) (*Token, error) {
	f.got = provider
	return f.tok, f.err
}

func newConnector(t *testing.T, tokens *fakeTokens) *Connector {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	_, err = st.EnsureAccount(ctx, "g-1", "user@gmail.example", providers.ProviderGoogle)
	require.NoError(t, err)
	_, err = st.EnsureAccount(ctx, "o-1", "user@outlook.example", providers.ProviderMicrosoft)
	require.NoError(t, err)

	return NewConnector(st, tokens, gmail.Config{}, zerolog.Nop())
}

func TestConnectorBuildsProviderClients(t *testing.T) {
	tokens := &fakeTokens{tok: &Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}}
	c := newConnector(t, tokens)
	ctx := WithBearer(context.Background(), "session")

	p, err := c.Provider(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderGoogle, p.Name())
	assert.Equal(t, OAuthGoogle, tokens.got)

	p, err = c.Provider(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderMicrosoft, p.Name())
	assert.Equal(t, OAuthMicrosoft, tokens.got)
}

func TestConnectorErrors(t *testing.T) {
	ctx := WithBearer(context.Background(), "session")

	tests := []struct {
		name   string
		ctx    context.Context
		tokens *fakeTokens
		want   error
	}{
		{"no session", context.Background(), &fakeTokens{}, providers.ErrAuthExpired},
		{"session rejected", ctx, &fakeTokens{err: ErrUnauthorized}, providers.ErrAuthExpired},
		{"grant revoked", ctx, &fakeTokens{err: ErrNotConnected}, providers.ErrAuthExpired},
		{"auth server down", ctx, &fakeTokens{err: errors.New("connection refused")}, providers.ErrUnavailable},
		{"token expired", ctx, &fakeTokens{tok: &Token{AccessToken: "at", Expiry: time.Now().Add(-time.Hour)}}, providers.ErrAuthExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConnector(t, tt.tokens)
			_, err := c.Provider(tt.ctx, "g-1")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	c := newConnector(t, &fakeTokens{})
	_, err := c.Provider(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func signingKey(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := key.PublicKey()
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return key, set
}

func signedRequest(t *testing.T, key jwk.Key, build func(*jwt.Builder) *jwt.Builder) *http.Request {
	t.Helper()
	tok, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	r.Header.Set("Authorization", "Bearer "+string(signed))
	return r
}

func TestUserFromRequest(t *testing.T) {
	key, set := signingKey(t)
	v := NewStaticVerifier(set)

	r := signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("acct-1").
			Claim("email", "user@example.com").
			Claim("name", "User").
			Expiration(time.Now().Add(time.Hour))
	})
	user, err := v.UserFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "acct-1", Email: "user@example.com", Name: "User"}, user)
	assert.Equal(t, 1, v.CacheStats().KeysCached)

	r = signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("acct-1").Expiration(time.Now().Add(-time.Hour))
	})
	_, err = v.UserFromRequest(r)
	assert.Error(t, err)

	r = signedRequest(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Expiration(time.Now().Add(time.Hour))
	})
	_, err = v.UserFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingSubject)

	_, err = v.UserFromRequest(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Error(t, err)
}
