package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
	"uchat-directory/internal/model"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrUnknownUser     = errors.New("unknown user")
	ErrInvalidAccount  = errors.New("name, email and password are required")
	ErrEmptyMessage    = errors.New("message has no text or attachment")
	errUnsupportedFile = errors.New("unsupported state file version")
)

type Store struct {
	mu sync.RWMutex

	stateFile string
	logger    log.Logger
	// stateSeq numbers snapshots under mu; persistedSeq is the newest one on
	// disk, guarded by persistMu.
	stateSeq     uint64
	persistMu    sync.Mutex
	persistedSeq uint64

	accountsByID      map[string]model.Account
	accountIDByEmail  map[string]string
	conversationsByID map[string]*model.Conversation
}

type Options struct {
	StateFile string
	Logger    log.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		stateFile:         opts.StateFile,
		logger:            log.With(logger, "component", "store"),
		accountsByID:      make(map[string]model.Account),
		accountIDByEmail:  make(map[string]string),
		conversationsByID: make(map[string]*model.Conversation),
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			level.Error(s.logger).Log("msg", "state load failed", "file", s.stateFile, "err", err)
		}
	}

	return s
}

type persistedState struct {
	Version       int                  `json:"version"`
	Accounts      []model.Account      `json:"accounts"`
	Conversations []model.Conversation `json:"conversations"`
	SavedAt       int64                `json:"savedAt"`

	seq uint64
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errUnsupportedFile
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range file.Accounts {
		if a.ID == "" || a.Email == "" {
			continue
		}
		s.accountsByID[a.ID] = a
		s.accountIDByEmail[normalizeEmail(a.Email)] = a.ID
	}
	for i := range file.Conversations {
		conv := file.Conversations[i]
		if conv.ID == "" || conv.SenderID == "" || conv.ReceiverID == "" {
			continue
		}
		s.conversationsByID[conv.ID] = &conv
	}
	return nil
}

func (s *Store) snapshotLocked() persistedState {
	accounts := lo.Values(s.accountsByID)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	convs := make([]model.Conversation, 0, len(s.conversationsByID))
	for _, c := range s.conversationsByID {
		cp := *c
		cp.Messages = append([]model.Message(nil), c.Messages...)
		convs = append(convs, cp)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })

	s.stateSeq++
	return persistedState{Version: 1, Accounts: accounts, Conversations: convs, seq: s.stateSeq}
}

// persist rewrites the state file atomically. It runs outside s.mu so slow
// disks never block readers; a snapshot older than the one already written
// is dropped.
func (s *Store) persist(state persistedState) {
	path := s.stateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if state.seq <= s.persistedSeq {
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		level.Error(s.logger).Log("msg", "persist mkdir failed", "dir", dir, "err", err)
		return
	}

	state.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		level.Error(s.logger).Log("msg", "persist marshal failed", "err", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		level.Error(s.logger).Log("msg", "persist create temp failed", "err", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		level.Error(s.logger).Log("msg", "persist chmod temp failed", "err", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		level.Error(s.logger).Log("msg", "persist write temp failed", "err", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		level.Error(s.logger).Log("msg", "persist sync temp failed", "err", err)
		return
	}
	if err := tmp.Close(); err != nil {
		level.Error(s.logger).Log("msg", "persist close temp failed", "err", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		level.Error(s.logger).Log("msg", "persist rename failed", "err", err)
		return
	}
	s.persistedSeq = state.seq
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) CreateAccount(name, email, password, avatar string, nowMillis int64) (model.Account, error) {
	email = normalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return model.Account{}, ErrInvalidAccount
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.Account{}, err
	}

	s.mu.Lock()
	if _, ok := s.accountIDByEmail[email]; ok {
		s.mu.Unlock()
		return model.Account{}, ErrEmailTaken
	}
	account := model.Account{
		Identity: model.Identity{
			ID:          uuid.NewString(),
			DisplayName: name,
			Email:       email,
			AvatarRef:   avatar,
		},
		PasswordHash: string(hash),
		CreatedAt:    nowMillis,
	}
	s.accountsByID[account.ID] = account
	s.accountIDByEmail[email] = account.ID
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(state)
	return account, nil
}

func (s *Store) AccountByEmail(email string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accountIDByEmail[normalizeEmail(email)]
	if !ok {
		return model.Account{}, false
	}
	a, ok := s.accountsByID[id]
	return a, ok
}

func (s *Store) GetAccount(id string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accountsByID[id]
	return a, ok
}

func (s *Store) CheckPassword(userID, password string) bool {
	a, ok := s.GetAccount(userID)
	if !ok || a.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// findConversationLocked matches the pair in either direction.
func (s *Store) findConversationLocked(a, b string) *model.Conversation {
	for _, c := range s.conversationsByID {
		if (c.SenderID == a && c.ReceiverID == b) || (c.SenderID == b && c.ReceiverID == a) {
			return c
		}
	}
	return nil
}

// AppendMessage stores a message from senderID to receiverID, creating the
// conversation on first contact. senderID may equal receiverID.
func (s *Store) AppendMessage(senderID, receiverID string, msg model.Message, nowMillis int64) (model.Message, string, error) {
	if msg.Text == "" && msg.ImageURL == "" && msg.VideoURL == "" {
		return model.Message{}, "", ErrEmptyMessage
	}

	s.mu.Lock()
	if _, ok := s.accountsByID[senderID]; !ok {
		s.mu.Unlock()
		return model.Message{}, "", ErrUnknownUser
	}
	if _, ok := s.accountsByID[receiverID]; !ok {
		s.mu.Unlock()
		return model.Message{}, "", ErrUnknownUser
	}

	conv := s.findConversationLocked(senderID, receiverID)
	if conv == nil {
		conv = &model.Conversation{
			ID:         uuid.NewString(),
			SenderID:   senderID,
			ReceiverID: receiverID,
			CreatedAt:  nowMillis,
		}
		s.conversationsByID[conv.ID] = conv
	}

	msg.ID = uuid.NewString()
	msg.SentBy = senderID
	msg.Seen = false
	msg.CreatedAt = nowMillis
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = nowMillis
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(state)
	return msg, conv.ID, nil
}

// MarkSeen marks every message otherID sent to userID as seen and returns how
// many changed.
func (s *Store) MarkSeen(userID, otherID string) int {
	s.mu.Lock()
	conv := s.findConversationLocked(userID, otherID)
	if conv == nil {
		s.mu.Unlock()
		return 0
	}
	changed := 0
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.SentBy == otherID && !m.Seen {
			m.Seen = true
			changed++
		}
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(state)
	return changed
}

// ConversationsFor builds the conversation batch userID sees, most recently
// active first. The unseen count only includes messages sent by others.
func (s *Store) ConversationsFor(userID string) []model.ConversationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := lo.Filter(lo.Values(s.conversationsByID), func(c *model.Conversation, _ int) bool {
		return c.SenderID == userID || c.ReceiverID == userID
	})
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].UpdatedAt != convs[j].UpdatedAt {
			return convs[i].UpdatedAt > convs[j].UpdatedAt
		}
		return convs[i].ID < convs[j].ID
	})

	return lo.Map(convs, func(c *model.Conversation, _ int) model.ConversationSnapshot {
		snap := model.ConversationSnapshot{
			ID:       c.ID,
			Sender:   s.identityLocked(c.SenderID),
			Receiver: s.identityLocked(c.ReceiverID),
		}
		for _, m := range c.Messages {
			if !m.Seen && m.SentBy != userID {
				snap.UnseenCount++
			}
		}
		if n := len(c.Messages); n > 0 {
			last := c.Messages[n-1]
			snap.LastMessage = &model.LastMessage{
				Text:      last.Text,
				ImageURL:  last.ImageURL,
				VideoURL:  last.VideoURL,
				Seen:      last.Seen,
				MsgByUser: last.SentBy,
				CreatedAt: last.CreatedAt,
			}
		}
		return snap
	})
}

// identityLocked returns id as shown in feed snapshots, without its email.
func (s *Store) identityLocked(id string) *model.Identity {
	a, ok := s.accountsByID[id]
	if !ok {
		return nil
	}
	ident := a.Identity
	ident.Email = ""
	return &ident
}
