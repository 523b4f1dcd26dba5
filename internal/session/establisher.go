package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"uchat-directory/internal/api"
	"uchat-directory/internal/kv"
	"uchat-directory/internal/model"
)

// TokenKey is the key the session token is persisted under.
const TokenKey = "token"

type Phase int

const (
	AwaitingIdentifier Phase = iota
	AwaitingCredential
	Established
)

func (p Phase) String() string {
	switch p {
	case AwaitingIdentifier:
		return "awaiting-identifier"
	case AwaitingCredential:
		return "awaiting-credential"
	case Established:
		return "established"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Backend is the login API. *api.Client implements it.
type Backend interface {
	LookupIdentifier(ctx context.Context, identifier string) (model.Identity, error)
	CheckCredential(ctx context.Context, userID, credential string) (string, error)
	UserDetails(ctx context.Context, token string) (model.Identity, error)
}

// Establisher runs the two-phase login. The partial identity of phase one is
// held in memory only; the token is persisted once phase two succeeds.
type Establisher struct {
	backend Backend
	kv      kv.Store
	logger  log.Logger

	mu       sync.Mutex
	phase    Phase
	partial  *model.Identity
	session  *model.Session
	inFlight bool
	epoch    uint64
}

func NewEstablisher(backend Backend, store kv.Store, logger log.Logger) *Establisher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Establisher{
		backend: backend,
		kv:      store,
		logger:  log.With(logger, "component", "session"),
		phase:   AwaitingIdentifier,
	}
}

func (e *Establisher) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Partial returns the identity found by the identifier phase.
func (e *Establisher) Partial() (model.Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.partial == nil {
		return model.Identity{}, false
	}
	return *e.partial, true
}

func (e *Establisher) Session() (model.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return model.Session{}, false
	}
	return *e.session, true
}

// begin claims the single in-flight slot when the current phase is want.
func (e *Establisher) begin(want Phase) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return 0, ErrInFlight
	}
	if e.phase != want {
		return 0, ErrWrongPhase
	}
	e.inFlight = true
	return e.epoch, nil
}

// finish releases the in-flight slot and reports whether epoch is still current.
func (e *Establisher) finish(epoch uint64) bool {
	e.inFlight = false
	return e.epoch == epoch
}

// SubmitIdentifier runs phase one. On success the phase becomes
// AwaitingCredential; on failure it stays AwaitingIdentifier.
func (e *Establisher) SubmitIdentifier(ctx context.Context, identifier string) (model.Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if err := validateIdentifier(identifier); err != nil {
		return model.Identity{}, err
	}
	epoch, err := e.begin(AwaitingIdentifier)
	if err != nil {
		return model.Identity{}, err
	}

	ident, callErr := e.backend.LookupIdentifier(ctx, identifier)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finish(epoch) {
		return model.Identity{}, ErrAborted
	}
	if callErr != nil {
		level.Info(e.logger).Log("msg", "identifier rejected", "err", callErr)
		return model.Identity{}, requestError(AwaitingIdentifier, callErr)
	}
	if ident.ID == "" {
		return model.Identity{}, &RequestError{Phase: AwaitingIdentifier, Message: "no such user"}
	}

	e.partial = &ident
	e.phase = AwaitingCredential
	level.Debug(e.logger).Log("msg", "identifier accepted", "user", ident.ID)
	return ident, nil
}

// SubmitCredential runs phase two with the identity from phase one. Without
// one it returns ErrIdentityRequired and drops back to AwaitingIdentifier.
// The session is only kept once its token is persisted.
func (e *Establisher) SubmitCredential(ctx context.Context, credential string) (model.Session, error) {
	e.mu.Lock()
	switch {
	case e.inFlight:
		e.mu.Unlock()
		return model.Session{}, ErrInFlight
	case e.phase == Established:
		e.mu.Unlock()
		return model.Session{}, ErrWrongPhase
	case e.phase != AwaitingCredential || e.partial == nil:
		e.phase = AwaitingIdentifier
		e.partial = nil
		e.mu.Unlock()
		return model.Session{}, ErrIdentityRequired
	}
	ident := *e.partial
	e.mu.Unlock()

	if err := validateCredential(ident.ID, credential); err != nil {
		return model.Session{}, err
	}
	epoch, err := e.begin(AwaitingCredential)
	if err != nil {
		return model.Session{}, err
	}

	token, callErr := e.backend.CheckCredential(ctx, ident.ID, credential)
	if callErr == nil && token == "" {
		callErr = &api.Error{Message: "login response carried no token"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finish(epoch) {
		return model.Session{}, ErrAborted
	}
	if callErr != nil {
		level.Info(e.logger).Log("msg", "credential rejected", "user", ident.ID, "err", callErr)
		return model.Session{}, requestError(AwaitingCredential, callErr)
	}
	if err := e.kv.Set(TokenKey, token); err != nil {
		level.Error(e.logger).Log("msg", "persist token failed", "err", err)
		return model.Session{}, &RequestError{Phase: AwaitingCredential, Message: "could not save the session", Err: err}
	}

	sess := model.Session{Identity: ident, Token: token}
	e.session = &sess
	e.partial = nil
	e.phase = Established
	level.Info(e.logger).Log("msg", "session established", "user", ident.ID)
	return sess, nil
}

// Resume restores a session from a persisted token. A token the backend
// rejects is removed. ok is false when there was nothing to resume.
func (e *Establisher) Resume(ctx context.Context) (sess model.Session, ok bool, err error) {
	epoch, err := e.begin(AwaitingIdentifier)
	if err != nil {
		return model.Session{}, false, err
	}
	release := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.finish(epoch)
	}

	token, found, err := e.kv.Get(TokenKey)
	if err != nil {
		release()
		return model.Session{}, false, fmt.Errorf("read token: %w", err)
	}
	if !found || token == "" {
		release()
		return model.Session{}, false, nil
	}

	ident, callErr := e.backend.UserDetails(ctx, token)
	if callErr != nil {
		release()
		var apiErr *api.Error
		if errors.As(callErr, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			level.Info(e.logger).Log("msg", "stored token rejected", "err", callErr)
			if err := e.kv.Remove(TokenKey); err != nil {
				return model.Session{}, false, fmt.Errorf("remove token: %w", err)
			}
			return model.Session{}, false, nil
		}
		return model.Session{}, false, requestError(AwaitingIdentifier, callErr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finish(epoch) {
		return model.Session{}, false, ErrAborted
	}
	sess = model.Session{Identity: ident, Token: token}
	e.session = &sess
	e.partial = nil
	e.phase = Established
	level.Info(e.logger).Log("msg", "session resumed", "user", ident.ID)
	return sess, true, nil
}

// Reset abandons the current attempt and returns to AwaitingIdentifier. An
// established session is left alone; use Logout for that.
func (e *Establisher) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == Established {
		return
	}
	e.epoch++
	e.partial = nil
	e.phase = AwaitingIdentifier
}

// Logout discards the session and its persisted token.
func (e *Establisher) Logout() error {
	e.mu.Lock()
	e.epoch++
	e.partial = nil
	e.session = nil
	e.phase = AwaitingIdentifier
	e.mu.Unlock()

	if err := e.kv.Remove(TokenKey); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	level.Info(e.logger).Log("msg", "logged out")
	return nil
}

func requestError(phase Phase, err error) *RequestError {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return &RequestError{Phase: phase, Message: apiErr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{Phase: phase, Message: "request timed out", Err: err}
	}
	return &RequestError{Phase: phase, Message: err.Error(), Err: err}
}
