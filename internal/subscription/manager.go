package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"uchat-directory/internal/directory"
	"uchat-directory/internal/model"
)

var (
	// ErrUnauthorizedSubscription is a programming error: Start was called
	// without an established session. Strict managers panic with it.
	ErrUnauthorizedSubscription = errors.New("subscription requires an established session")
	ErrChannelDropped           = errors.New("realtime channel dropped")
	ErrNoChannel                = errors.New("no realtime channel")
	ErrAlreadySubscribed        = errors.New("already subscribed for another session; call Stop first")
	ErrNotSubscribed            = errors.New("not subscribed")
)

type State int

const (
	Idle State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "idle"
}

// Channel is the realtime connection a subscription rides on.
// *socketio.Client implements it.
type Channel interface {
	Emit(event string, args ...any) error
	On(event string, h func(args []json.RawMessage)) (off func())
	Done() <-chan struct{}
	Err() error
}

type Options struct {
	Logger log.Logger
	// Strict makes Start panic on ErrUnauthorizedSubscription.
	Strict bool
	// OnApplied runs after every applied batch with the new directory and
	// the records that were skipped.
	OnApplied func(views []model.ConversationView, skipped []error)
	// OnDrop runs when the channel ends while subscribed. The error wraps
	// ErrChannelDropped.
	OnDrop func(err error)
}

// Manager ties one session's channel subscription to the directory. At most
// one handler is registered at a time; batches from an earlier subscription
// are discarded once it has been stopped.
type Manager struct {
	dir       *directory.Store
	logger    log.Logger
	strict    bool
	onApplied func([]model.ConversationView, []error)
	onDrop    func(error)

	mu      sync.Mutex
	state   State
	session model.Session
	ch      Channel
	off     func()
	stopped chan struct{}
	gen     uint64
}

func NewManager(dir *directory.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		dir:       dir,
		logger:    log.With(logger, "component", "subscription"),
		strict:    opts.Strict,
		onApplied: opts.OnApplied,
		onDrop:    opts.OnDrop,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the session currently subscribed.
func (m *Manager) Session() (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.state == Subscribed
}

// Start registers the batch handler on ch and announces the session's user to
// the feed. Calling it again with the same session and channel is a no-op.
func (m *Manager) Start(sess model.Session, ch Channel) error {
	if !sess.Valid() {
		if m.strict {
			panic(ErrUnauthorizedSubscription)
		}
		level.Error(m.logger).Log("msg", "subscription without session ignored")
		return ErrUnauthorizedSubscription
	}
	if ch == nil {
		return ErrNoChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Subscribed {
		if m.session == sess && m.ch == ch {
			return nil
		}
		return ErrAlreadySubscribed
	}

	select {
	case <-ch.Done():
		return fmt.Errorf("%w: %v", ErrChannelDropped, ch.Err())
	default:
	}

	m.gen++
	gen := m.gen
	localID := sess.Identity.ID
	off := ch.On(model.EventConversations, func(args []json.RawMessage) {
		m.handleBatch(gen, localID, args)
	})
	if err := ch.Emit(model.EventRegister, localID); err != nil {
		off()
		return fmt.Errorf("register for updates: %w", err)
	}

	m.state = Subscribed
	m.session = sess
	m.ch = ch
	m.off = off
	m.stopped = make(chan struct{})
	go m.watch(gen, ch, m.stopped)

	level.Info(m.logger).Log("msg", "subscribed", "user", localID)
	return nil
}

// Stop removes the handler and clears the directory. It is safe to call when
// already idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Subscribed {
		m.teardownLocked()
		level.Info(m.logger).Log("msg", "unsubscribed", "user", m.session.Identity.ID)
	}
	m.session = model.Session{}
	m.dir.Clear()
}

// MarkSeen tells the feed the conversation with counterpartID has been read.
func (m *Manager) MarkSeen(counterpartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Subscribed {
		return ErrNotSubscribed
	}
	return m.ch.Emit(model.EventSeen, counterpartID)
}

func (m *Manager) teardownLocked() {
	m.gen++
	if m.off != nil {
		m.off()
	}
	if m.stopped != nil {
		close(m.stopped)
	}
	m.off = nil
	m.stopped = nil
	m.ch = nil
	m.state = Idle
}

func (m *Manager) watch(gen uint64, ch Channel, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ch.Done():
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	user := m.session.Identity.ID
	m.teardownLocked()
	m.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrChannelDropped, ch.Err())
	level.Warn(m.logger).Log("msg", "channel dropped", "user", user, "err", ch.Err())
	if m.onDrop != nil {
		m.onDrop(err)
	}
}

func (m *Manager) handleBatch(gen uint64, localID string, args []json.RawMessage) {
	m.mu.Lock()
	if m.gen != gen || m.state != Subscribed {
		m.mu.Unlock()
		level.Debug(m.logger).Log("msg", "stale batch dropped")
		return
	}
	if len(args) == 0 {
		m.mu.Unlock()
		level.Warn(m.logger).Log("msg", "empty conversation event")
		return
	}
	var records []json.RawMessage
	if err := json.Unmarshal(args[0], &records); err != nil {
		m.mu.Unlock()
		level.Warn(m.logger).Log("msg", "conversation batch is not a list", "err", err)
		return
	}

	snaps := make([]model.ConversationSnapshot, len(records))
	var decodeErrs []error
	for i, raw := range records {
		if err := json.Unmarshal(raw, &snaps[i]); err != nil {
			snaps[i] = model.ConversationSnapshot{}
			decodeErrs = append(decodeErrs, fmt.Errorf("record %d: %w", i, err))
		}
	}
	skipped := m.dir.ApplyBatch(snaps, localID)
	views := m.dir.All()
	m.mu.Unlock()

	for _, err := range decodeErrs {
		level.Warn(m.logger).Log("msg", "undecodable snapshot", "err", err)
	}
	if m.onApplied != nil {
		m.onApplied(views, skipped)
	}
}
