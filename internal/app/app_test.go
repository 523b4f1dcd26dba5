package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"uchat-directory/internal/api"
	"uchat-directory/internal/auth"
	"uchat-directory/internal/kv"
	"uchat-directory/internal/model"
	"uchat-directory/internal/server"
	"uchat-directory/internal/session"
	"uchat-directory/internal/socketio"
	"uchat-directory/internal/store"
)

type backendFixture struct {
	store  *store.Store
	socket *socketio.Server
	api    *api.Client
	url    string
	ada    model.Account
	bob    model.Account
}

func newBackendFixture(t *testing.T) *backendFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	st := store.New()
	ada, err := st.CreateAccount("Ada", "ada@example.com", "hunter22", "ada.png", 1000)
	require.NoError(t, err)
	bob, err := st.CreateAccount("Bob", "bob@example.com", "hunter33", "", 1000)
	require.NoError(t, err)
	_, _, err = st.AppendMessage(bob.ID, ada.ID, model.Message{Text: "hi"}, 2000)
	require.NoError(t, err)

	sock := socketio.NewServer(socketio.Deps{Store: st, TokenConfig: cfg})
	router := server.NewRouter(server.Deps{Store: st, TokenConfig: cfg, Socket: sock})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(router.Close)

	return &backendFixture{
		store:  st,
		socket: sock,
		api:    api.NewClientWithHTTP(srv.URL, srv.Client()),
		url:    srv.URL + "/socket.io/",
		ada:    ada,
		bob:    bob,
	}
}

func (f *backendFixture) newApp(kvs kv.Store, applied chan []model.ConversationView) *App {
	return New(f.api, kvs, SocketDialer(f.url, socketio.Options{}), Options{
		OnApplied: func(views []model.ConversationView, _ []error) { applied <- views },
	})
}

func nextBatch(t *testing.T, applied <-chan []model.ConversationView) []model.ConversationView {
	t.Helper()
	select {
	case views := <-applied:
		return views
	case <-time.After(3 * time.Second):
		t.Fatal("no batch applied")
		return nil
	}
}

func TestLoginSubscribesAndTracksUpdates(t *testing.T) {
	req := require.New(t)
	f := newBackendFixture(t)
	kvs := kv.NewMemory()
	applied := make(chan []model.ConversationView, 8)
	a := f.newApp(kvs, applied)
	defer a.Close()
	ctx := context.Background()

	ident, err := a.SubmitIdentifier(ctx, "ada@example.com")
	req.NoError(err)
	req.Equal("Ada", ident.DisplayName)
	req.Equal(session.AwaitingCredential, a.Phase())

	sess, err := a.SubmitCredential(ctx, "hunter22")
	req.NoError(err)
	req.Equal(session.Established, a.Phase())
	req.True(a.Subscribed())
	token, ok, _ := kvs.Get(session.TokenKey)
	req.True(ok)
	req.Equal(sess.Token, token)

	views := nextBatch(t, applied)
	req.Len(views, 1)
	req.Equal(f.bob.ID, views[0].Counterpart.ID)
	req.Equal("hi", views[0].Preview.Line())
	req.Equal(1, views[0].UnseenCount)

	_, _, err = f.store.AppendMessage(f.ada.ID, f.ada.ID, model.Message{VideoURL: "clip.mp4"}, 3000)
	req.NoError(err)
	f.socket.PushConversations(f.ada.ID)

	views = nextBatch(t, applied)
	req.Len(views, 2)
	req.Equal(f.ada.ID, views[0].Counterpart.ID)
	req.Equal(model.PreviewVideo, views[0].Preview.Kind)
	req.Equal("Video", views[0].Preview.Line())
	req.Equal(f.bob.ID, views[1].Counterpart.ID)
	req.Equal(1, a.TotalUnseen())

	req.NoError(a.MarkSeen(f.bob.ID))
	views = nextBatch(t, applied)
	req.Len(views, 2)
	req.Equal(0, a.TotalUnseen())
	_, shown := views[1].Badge()
	req.False(shown)
}

func TestLogoutClearsEverything(t *testing.T) {
	req := require.New(t)
	f := newBackendFixture(t)
	kvs := kv.NewMemory()
	applied := make(chan []model.ConversationView, 8)
	a := f.newApp(kvs, applied)
	ctx := context.Background()

	_, err := a.SubmitIdentifier(ctx, "ada@example.com")
	req.NoError(err)
	_, err = a.SubmitCredential(ctx, "hunter22")
	req.NoError(err)
	nextBatch(t, applied)

	req.NoError(a.Logout())
	req.Empty(a.Directory())
	req.False(a.Subscribed())
	req.Equal(session.AwaitingIdentifier, a.Phase())
	_, ok, _ := kvs.Get(session.TokenKey)
	req.False(ok)
	req.ErrorIs(a.Reconnect(ctx), ErrNotEstablished)
}

func TestResumeFromPersistedToken(t *testing.T) {
	req := require.New(t)
	f := newBackendFixture(t)
	kvs := kv.NewMemory()
	ctx := context.Background()

	first := f.newApp(kvs, make(chan []model.ConversationView, 8))
	_, err := first.SubmitIdentifier(ctx, "ada@example.com")
	req.NoError(err)
	_, err = first.SubmitCredential(ctx, "hunter22")
	req.NoError(err)
	req.NoError(first.Close())

	applied := make(chan []model.ConversationView, 8)
	second := f.newApp(kvs, applied)
	defer second.Close()
	sess, ok, err := second.Resume(ctx)
	req.NoError(err)
	req.True(ok)
	req.Equal(f.ada.ID, sess.Identity.ID)
	req.Len(nextBatch(t, applied), 1)
}

func TestWrongPasswordDoesNotSubscribe(t *testing.T) {
	req := require.New(t)
	f := newBackendFixture(t)
	kvs := kv.NewMemory()
	a := f.newApp(kvs, make(chan []model.ConversationView, 8))
	ctx := context.Background()

	_, err := a.SubmitIdentifier(ctx, "ada@example.com")
	req.NoError(err)
	_, err = a.SubmitCredential(ctx, "nope")
	req.ErrorIs(err, session.ErrRequestFailed)
	req.Equal(session.AwaitingCredential, a.Phase())
	req.False(a.Subscribed())
	_, ok, _ := kvs.Get(session.TokenKey)
	req.False(ok)
}

type fakeConn struct {
	mu      sync.Mutex
	handler func([]json.RawMessage)
	done    chan struct{}
	closed  bool
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) Emit(string, ...any) error { return nil }

func (c *fakeConn) On(_ string, h func([]json.RawMessage)) func() {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error { return errors.New("connection reset") }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type staticBackend struct{}

func (staticBackend) LookupIdentifier(context.Context, string) (model.Identity, error) {
	return model.Identity{ID: "u1", DisplayName: "Ada"}, nil
}

func (staticBackend) CheckCredential(context.Context, string, string) (string, error) {
	return "tok", nil
}

func (staticBackend) UserDetails(context.Context, string) (model.Identity, error) {
	return model.Identity{ID: "u1", DisplayName: "Ada"}, nil
}

func TestDropThenReconnect(t *testing.T) {
	req := require.New(t)
	var (
		mu    sync.Mutex
		conns []*fakeConn
	)
	dial := func(context.Context, model.Session) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn()
		conns = append(conns, c)
		return c, nil
	}
	drops := make(chan error, 1)
	a := New(staticBackend{}, kv.NewMemory(), dial, Options{OnDrop: func(err error) { drops <- err }})
	ctx := context.Background()

	_, err := a.SubmitIdentifier(ctx, "ada@example.com")
	req.NoError(err)
	_, err = a.SubmitCredential(ctx, "pw")
	req.NoError(err)
	req.True(a.Subscribed())
	req.NoError(a.Reconnect(ctx))

	mu.Lock()
	req.Len(conns, 1)
	first := conns[0]
	mu.Unlock()
	req.NoError(first.Close())

	select {
	case err := <-drops:
		req.Contains(err.Error(), "connection reset")
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
	req.False(a.Subscribed())

	req.NoError(a.Reconnect(ctx))
	req.True(a.Subscribed())
	mu.Lock()
	req.Len(conns, 2)
	mu.Unlock()
}
