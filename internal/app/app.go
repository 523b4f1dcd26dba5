package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"uchat-directory/internal/directory"
	"uchat-directory/internal/kv"
	"uchat-directory/internal/model"
	"uchat-directory/internal/session"
	"uchat-directory/internal/socketio"
	"uchat-directory/internal/subscription"
)

var ErrNotEstablished = errors.New("no established session")

// Conn is a realtime channel the app owns and closes.
type Conn interface {
	subscription.Channel
	Close() error
}

// Dialer opens a realtime channel authorized by sess.
type Dialer func(ctx context.Context, sess model.Session) (Conn, error)

// SocketDialer dials the Socket.IO feed at url with the session token as
// connect auth.
func SocketDialer(url string, opts socketio.Options) Dialer {
	return func(ctx context.Context, sess model.Session) (Conn, error) {
		c, err := socketio.Dial(ctx, url, map[string]string{"token": sess.Token}, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Options struct {
	Logger    log.Logger
	Strict    bool
	OnApplied func(views []model.ConversationView, skipped []error)
	OnDrop    func(err error)
}

// App is the client: login, then a live conversation directory for the
// logged in user.
type App struct {
	est    *session.Establisher
	dir    *directory.Store
	mgr    *subscription.Manager
	dial   Dialer
	logger log.Logger

	mu   sync.Mutex
	conn Conn
}

func New(backend session.Backend, store kv.Store, dial Dialer, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dir := directory.NewStore(logger)
	return &App{
		est: session.NewEstablisher(backend, store, logger),
		dir: dir,
		mgr: subscription.NewManager(dir, subscription.Options{
			Logger:    logger,
			Strict:    opts.Strict,
			OnApplied: opts.OnApplied,
			OnDrop:    opts.OnDrop,
		}),
		dial:   dial,
		logger: log.With(logger, "component", "app"),
	}
}

func (a *App) Phase() session.Phase { return a.est.Phase() }

func (a *App) Session() (model.Session, bool) { return a.est.Session() }

func (a *App) Subscribed() bool { return a.mgr.State() == subscription.Subscribed }

// Directory returns the current conversation views in feed order.
func (a *App) Directory() []model.ConversationView { return a.dir.All() }

func (a *App) TotalUnseen() int { return a.dir.TotalUnseen() }

func (a *App) SubmitIdentifier(ctx context.Context, identifier string) (model.Identity, error) {
	return a.est.SubmitIdentifier(ctx, identifier)
}

// Reset goes back to the identifier phase of an unfinished login.
func (a *App) Reset() { a.est.Reset() }

// SubmitCredential completes the login and subscribes to the feed. A
// subscription failure leaves the session established; call Reconnect.
func (a *App) SubmitCredential(ctx context.Context, credential string) (model.Session, error) {
	sess, err := a.est.SubmitCredential(ctx, credential)
	if err != nil {
		return model.Session{}, err
	}
	return sess, a.connect(ctx, sess)
}

// Resume restores a persisted session and subscribes to the feed.
func (a *App) Resume(ctx context.Context) (model.Session, bool, error) {
	sess, ok, err := a.est.Resume(ctx)
	if err != nil || !ok {
		return sess, ok, err
	}
	return sess, true, a.connect(ctx, sess)
}

// Reconnect subscribes again after a dropped channel. It does nothing while
// the subscription is alive.
func (a *App) Reconnect(ctx context.Context) error {
	sess, ok := a.est.Session()
	if !ok {
		return ErrNotEstablished
	}
	if a.mgr.State() == subscription.Subscribed {
		return nil
	}
	return a.connect(ctx, sess)
}

func (a *App) MarkSeen(counterpartID string) error {
	return a.mgr.MarkSeen(counterpartID)
}

func (a *App) connect(ctx context.Context, sess model.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeConnLocked()
	conn, err := a.dial(ctx, sess)
	if err != nil {
		level.Warn(a.logger).Log("msg", "dial failed", "user", sess.Identity.ID, "err", err)
		return fmt.Errorf("connect feed: %w", err)
	}
	if err := a.mgr.Start(sess, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	a.conn = conn
	return nil
}

func (a *App) closeConnLocked() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// Logout stops the subscription, clears the directory, closes the channel and
// discards the persisted token.
func (a *App) Logout() error {
	a.mgr.Stop()
	a.mu.Lock()
	a.closeConnLocked()
	a.mu.Unlock()
	return a.est.Logout()
}

// Close releases the channel but keeps the session persisted.
func (a *App) Close() error {
	a.mgr.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConnLocked()
	return nil
}
