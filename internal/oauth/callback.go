package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCallbackTimeout bounds how long an authorization attempt waits
// for the browser redirect.
const DefaultCallbackTimeout = 5 * time.Minute

// CallbackResult carries the authorization code and echoed state from a
// successful provider redirect.
type CallbackResult struct {
	Code  string
	State string
}

type callbackOutcome struct {
	result CallbackResult
	err    error
}

// CallbackListener is an ephemeral loopback HTTP listener that services
// exactly one OAuth redirect and then unbinds itself.
type CallbackListener struct {
	preferredPort int
	log           *logrus.Entry

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	port     int
	expected string
	handled  bool
	outcome  chan callbackOutcome
}

// NewCallbackListener creates a listener that prefers the given port and
// falls back to an OS-assigned one when it is taken.
func NewCallbackListener(port int, log *logrus.Entry) *CallbackListener {
	return &CallbackListener{
		preferredPort: port,
		log:           log,
		outcome:       make(chan callbackOutcome, 1),
	}
}

// Start binds the loopback listener and returns the bound port.
func (l *CallbackListener) Start() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.preferredPort))
	if err != nil {
		// Fixed port taken; fall back to an ephemeral one
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("bind callback listener: %w", err)
		}
	}

	l.ln = ln
	l.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handleCallback)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.WithError(err).Warn("oauth callback listener stopped unexpectedly")
		}
	}()

	l.log.WithField("port", l.port).Debug("oauth callback listener started")
	return l.port, nil
}

// CallbackURL returns the redirect URI registered with the provider.
func (l *CallbackListener) CallbackURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/callback", l.port)
}

// Wait blocks until the provider redirects back, the timeout elapses, or
// ctx is cancelled. The expected state is validated against the callback.
func (l *CallbackListener) Wait(ctx context.Context, expectedState string, timeout time.Duration) (CallbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}

	l.mu.Lock()
	l.expected = expectedState
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-l.outcome:
		return out.result, out.err
	case <-timer.C:
		l.Stop()
		return CallbackResult{}, ErrTimedOut
	case <-ctx.Done():
		l.Stop()
		return CallbackResult{}, ctx.Err()
	}
}

func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	if l.handled {
		l.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	l.handled = true
	expected := l.expected
	l.mu.Unlock()

	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		l.finish(w, http.StatusBadRequest, "Authentication Failed",
			fmt.Sprintf("%s: %s", errCode, q.Get("error_description")),
			callbackOutcome{err: &DeniedError{Code: errCode, Description: q.Get("error_description")}})
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		l.finish(w, http.StatusBadRequest, "Invalid Callback",
			"Missing authorization code or state parameter.",
			callbackOutcome{err: ErrMalformedCallback})
		return
	}

	if state != expected {
		l.finish(w, http.StatusForbidden, "Security Error",
			"State parameter mismatch. Possible CSRF attack detected.",
			callbackOutcome{err: ErrStateMismatch})
		return
	}

	l.finish(w, http.StatusOK, "Authentication Successful",
		"You can close this window and return to the application.",
		callbackOutcome{result: CallbackResult{Code: code, State: state}})
}

// finish renders the terminal page, delivers the outcome and unbinds the
// listener. Exactly one callback ever reaches this point.
func (l *CallbackListener) finish(w http.ResponseWriter, status int, title, detail string, out callbackOutcome) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p></body></html>`, title, detail)

	select {
	case l.outcome <- out:
	default:
	}

	go l.Stop()
}

// Stop unbinds the listener. Safe to call multiple times and after
// natural completion.
func (l *CallbackListener) Stop() {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()

	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	l.log.Debug("oauth callback listener stopped")
}

// GenerateState returns a cryptographically random 256-bit state token
// for CSRF protection, hex encoded.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
