package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Status of an Authenticator's credential lifecycle.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
	StatusRefreshing      Status = "refreshing"
)

// refreshBuffer is the safety margin before access-token expiry at which
// a refresh is performed.
const refreshBuffer = 5 * time.Minute

// Authenticator drives the authorization-code and refresh-token exchanges
// for one provider and owns its credential store.
type Authenticator struct {
	name     string
	cfg      oauth2.Config
	authOpts []oauth2.AuthCodeOption
	store    CredentialStore
	port     int
	log      *logrus.Entry

	// OpenURL launches the authorization URL in an external browser
	// context. Replaceable in tests.
	OpenURL func(url string) error

	mu     sync.Mutex
	cred   *Credential
	status Status
}

// NewAuthenticator creates an authenticator and loads any persisted
// credential. A load failure leaves the provider unauthenticated.
func NewAuthenticator(name string, cfg oauth2.Config, authOpts []oauth2.AuthCodeOption, store CredentialStore, callbackPort int, log *logrus.Entry) *Authenticator {
	a := &Authenticator{
		name:     name,
		cfg:      cfg,
		authOpts: authOpts,
		store:    store,
		port:     callbackPort,
		log:      log,
		OpenURL:  openBrowser,
		status:   StatusUnauthenticated,
	}

	cred, err := store.Load()
	if err != nil {
		log.WithError(err).Warn("failed to load stored credential")
	} else if cred != nil {
		a.cred = cred
		if cred.RefreshToken != "" {
			a.status = StatusAuthenticated
		}
	}
	return a
}

// IsAuthenticated reports whether a non-empty refresh token is held.
// Pure and synchronous, no I/O.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cred != nil && a.cred.RefreshToken != ""
}

// Status returns the current lifecycle status.
func (a *Authenticator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// AccountEmail returns the mail address recorded at authorization time,
// if the provider's token response carried an OpenID id_token.
func (a *Authenticator) AccountEmail() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred == nil {
		return ""
	}
	return a.cred.AccountEmail
}

// Authenticate runs one interactive authorization-code flow: generate a
// CSRF state, start the loopback listener, open the browser, wait for the
// redirect, exchange the code and persist the credential. The listener is
// released on every exit path.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	if a.cfg.ClientID == "" {
		return fmt.Errorf("%s: %w", a.name, ErrConfiguration)
	}

	a.setStatus(StatusAuthenticating)
	defer a.settleStatus()

	state, err := GenerateState()
	if err != nil {
		return err
	}

	listener := NewCallbackListener(a.port, a.log)
	if _, err := listener.Start(); err != nil {
		return err
	}
	defer listener.Stop()

	cfg := a.cfg
	cfg.RedirectURL = listener.CallbackURL()

	authURL := cfg.AuthCodeURL(state, a.authOpts...)
	a.log.Info("opening browser for authorization")
	if err := a.OpenURL(authURL); err != nil {
		a.log.WithError(err).Warnf("could not open browser, visit manually: %s", authURL)
	}

	result, err := listener.Wait(ctx, state, DefaultCallbackTimeout)
	if err != nil {
		return err
	}

	tok, err := cfg.Exchange(ctx, result.Code)
	if err != nil {
		return fmt.Errorf("%s: token exchange failed: %w", a.name, err)
	}

	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		AccountEmail: emailFromIDToken(tok),
	}

	if err := a.store.Store(cred); err != nil {
		return fmt.Errorf("%s: persist credential: %w", a.name, err)
	}

	a.mu.Lock()
	a.cred = cred
	a.mu.Unlock()

	a.log.WithField("account", cred.AccountEmail).Info("authorization complete")
	return nil
}

// AccessToken returns a usable access token, refreshing it first when it
// expires within the safety buffer. A refresh response that omits a new
// refresh token keeps the stored one; providers are inconsistent about
// rotating refresh tokens.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.cred == nil || a.cred.RefreshToken == "" {
		a.mu.Unlock()
		return "", fmt.Errorf("%s: %w", a.name, ErrNotAuthenticated)
	}

	if time.Until(a.cred.ExpiresAt) > refreshBuffer {
		tok := a.cred.AccessToken
		a.mu.Unlock()
		return tok, nil
	}

	refreshToken := a.cred.RefreshToken
	a.status = StatusRefreshing
	a.mu.Unlock()
	defer a.settleStatus()

	a.log.Debug("access token near expiry, refreshing")

	src := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return "", &RefreshError{StatusCode: rErr.Response.StatusCode, Body: string(rErr.Body)}
		}
		return "", fmt.Errorf("%s: token refresh: %w", a.name, err)
	}

	a.mu.Lock()
	a.cred.AccessToken = tok.AccessToken
	a.cred.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		a.cred.RefreshToken = tok.RefreshToken
	}
	cred := *a.cred
	a.mu.Unlock()

	if err := a.store.Store(&cred); err != nil {
		a.log.WithError(err).Warn("failed to persist refreshed credential")
	}

	return tok.AccessToken, nil
}

func (a *Authenticator) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// settleStatus resolves the transient states back to the one implied by
// the held credential.
func (a *Authenticator) settleStatus() {
	a.mu.Lock()
	if a.cred != nil && a.cred.RefreshToken != "" {
		a.status = StatusAuthenticated
	} else {
		a.status = StatusUnauthenticated
	}
	a.mu.Unlock()
}

// emailFromIDToken extracts the account email from an OpenID id_token in
// the token response, when present. The token arrived over TLS from the
// provider's token endpoint, so signature verification is skipped.
func emailFromIDToken(tok *oauth2.Token) string {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return ""
	}

	idTok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return ""
	}

	for _, claim := range []string{"email", "preferred_username"} {
		if v, ok := idTok.Get(claim); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
