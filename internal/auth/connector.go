package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/providers/outlook"
	"github.com/Martian-dev/mailmirror/internal/store"
)

type bearerKey struct{}

// WithBearer attaches the caller's session token to ctx. The connector
// presents it to BetterAuth when it needs provider credentials.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// BearerFrom returns the session token attached by WithBearer
func BearerFrom(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(bearerKey{}).(string)
	return tok, ok && tok != ""
}

// AccountLookup resolves which provider an account lives on
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
}

// TokenSource fetches provider tokens
type TokenSource interface {
	GetToken(ctx context.Context, userJWT string, provider OAuthProvider) (*Token, error)
}

// Connector builds provider clients for an account from the tokens
// BetterAuth holds for the calling user.
type Connector struct {
	accounts AccountLookup
	tokens   TokenSource
	google   gmail.Config
	now      func() time.Time
	log      zerolog.Logger
}

func NewConnector(accounts AccountLookup, tokens TokenSource, google gmail.Config, logger zerolog.Logger) *Connector {
	return &Connector{
		accounts: accounts,
		tokens:   tokens,
		google:   google,
		now:      time.Now,
		log:      logger.With().Str("component", "connector").Logger(),
	}
}

// Provider returns a client for the account's mailbox. Missing, rejected
// or expired credentials are reported as providers.ErrAuthExpired so the
// caller can ask the user to reconnect.
func (c *Connector) Provider(ctx context.Context, accountID string) (providers.MailProvider, error) {
	acct, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	bearer, ok := BearerFrom(ctx)
	if !ok {
		return nil, providers.NewError(acct.Provider, providers.ErrAuthExpired, "token", errors.New("no session token"))
	}

	oauthProvider := OAuthGoogle
	if acct.Provider == providers.ProviderMicrosoft {
		oauthProvider = OAuthMicrosoft
	}

	tok, err := c.tokens.GetToken(ctx, bearer, oauthProvider)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotConnected) {
			return nil, providers.NewError(acct.Provider, providers.ErrAuthExpired, "token", err)
		}
		return nil, providers.NewError(acct.Provider, providers.ErrUnavailable, "token", err)
	}
	if tok.Expired(c.now()) {
		return nil, providers.NewError(acct.Provider, providers.ErrAuthExpired, "token", errors.New("access token expired"))
	}

	// clients outlive the request that built them
	ctx = context.WithoutCancel(ctx)
	if acct.Provider == providers.ProviderMicrosoft {
		a, err := outlook.New(ctx, tok.AccessToken, "", c.log)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	a, err := gmail.New(ctx, c.google, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		TokenType:    "Bearer",
	}, c.log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ProviderName maps the OAuth provider to the mailbox provider, "" when unknown
func (p OAuthProvider) ProviderName() providers.ProviderName {
	switch p {
	case OAuthGoogle:
		return providers.ProviderGoogle
	case OAuthMicrosoft:
		return providers.ProviderMicrosoft
	}
	return ""
}
