package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"uchat-directory/internal/api"
	"uchat-directory/internal/kv"
	"uchat-directory/internal/kv/mocks"
	"uchat-directory/internal/model"
)

var ada = model.Identity{ID: "u-ada", DisplayName: "Ada", AvatarRef: "ada.png"}

type fakeBackend struct {
	lookup  func(ctx context.Context, identifier string) (model.Identity, error)
	check   func(ctx context.Context, userID, credential string) (string, error)
	details func(ctx context.Context, token string) (model.Identity, error)
}

func (f *fakeBackend) LookupIdentifier(ctx context.Context, identifier string) (model.Identity, error) {
	return f.lookup(ctx, identifier)
}

func (f *fakeBackend) CheckCredential(ctx context.Context, userID, credential string) (string, error) {
	return f.check(ctx, userID, credential)
}

func (f *fakeBackend) UserDetails(ctx context.Context, token string) (model.Identity, error) {
	return f.details(ctx, token)
}

func stubBackend() *fakeBackend {
	return &fakeBackend{
		lookup: func(_ context.Context, identifier string) (model.Identity, error) {
			if identifier != "ada@example.com" {
				return model.Identity{}, &api.Error{Status: http.StatusBadRequest, Message: "no such user"}
			}
			return ada, nil
		},
		check: func(_ context.Context, userID, credential string) (string, error) {
			if userID != ada.ID || credential != "hunter22" {
				return "", &api.Error{Status: http.StatusBadRequest, Message: "Please check password"}
			}
			return "tok-1", nil
		},
		details: func(_ context.Context, token string) (model.Identity, error) {
			if token != "tok-1" {
				return model.Identity{}, &api.Error{Status: http.StatusUnauthorized, Message: "session expired"}
			}
			return ada, nil
		},
	}
}

func TestIdentifierFailureStaysInPhaseOne(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(gomock.Any(), gomock.Any()).Times(0)

	e := NewEstablisher(stubBackend(), store, nil)
	_, err := e.SubmitIdentifier(context.Background(), "nobody@example.com")

	req.ErrorIs(err, ErrRequestFailed)
	var reqErr *RequestError
	req.True(errors.As(err, &reqErr))
	req.Equal("no such user", reqErr.Message)
	req.Equal(AwaitingIdentifier, reqErr.Phase)
	req.Equal(AwaitingIdentifier, e.Phase())

	_, err = e.SubmitCredential(context.Background(), "hunter22")
	req.ErrorIs(err, ErrIdentityRequired)
	req.Equal(AwaitingIdentifier, e.Phase())
	_, ok := e.Session()
	req.False(ok)
}

func TestCredentialFailureStaysInPhaseTwo(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(gomock.Any(), gomock.Any()).Times(0)

	e := NewEstablisher(stubBackend(), store, nil)
	ident, err := e.SubmitIdentifier(context.Background(), "  ada@example.com ")
	req.NoError(err)
	req.Equal(ada, ident)
	req.Equal(AwaitingCredential, e.Phase())

	_, err = e.SubmitCredential(context.Background(), "wrong")
	var reqErr *RequestError
	req.True(errors.As(err, &reqErr))
	req.Equal("Please check password", reqErr.Message)
	req.Equal(AwaitingCredential, e.Phase())

	partial, ok := e.Partial()
	req.True(ok)
	req.Equal(ada.ID, partial.ID)
	_, ok = e.Session()
	req.False(ok)
}

func TestFullLoginPersistsToken(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(TokenKey, "tok-1").Return(nil).Times(1)

	e := NewEstablisher(stubBackend(), store, nil)
	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)
	sess, err := e.SubmitCredential(context.Background(), "hunter22")
	req.NoError(err)

	req.Equal(Established, e.Phase())
	req.Equal(model.Session{Identity: ada, Token: "tok-1"}, sess)
	req.True(sess.Valid())
	_, ok := e.Partial()
	req.False(ok)

	_, err = e.SubmitCredential(context.Background(), "hunter22")
	req.ErrorIs(err, ErrWrongPhase)
	_, err = e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.ErrorIs(err, ErrWrongPhase)
}

func TestPersistFailureDoesNotEstablish(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Set(TokenKey, "tok-1").Return(errors.New("disk full"))

	e := NewEstablisher(stubBackend(), store, nil)
	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)
	_, err = e.SubmitCredential(context.Background(), "hunter22")
	req.ErrorIs(err, ErrRequestFailed)
	req.Equal(AwaitingCredential, e.Phase())
	_, ok := e.Session()
	req.False(ok)
}

func TestValidationFailsBeforeAnyRequest(t *testing.T) {
	req := require.New(t)
	backend := &fakeBackend{
		lookup: func(context.Context, string) (model.Identity, error) {
			t.Fatal("lookup must not be called")
			return model.Identity{}, nil
		},
	}
	e := NewEstablisher(backend, kv.NewMemory(), nil)

	_, err := e.SubmitIdentifier(context.Background(), "not an email")
	req.ErrorIs(err, ErrRequestFailed)
	_, err = e.SubmitIdentifier(context.Background(), "")
	req.ErrorIs(err, ErrRequestFailed)
	req.Equal(AwaitingIdentifier, e.Phase())
}

func TestEmptyCredentialIsRejectedLocally(t *testing.T) {
	req := require.New(t)
	e := NewEstablisher(stubBackend(), kv.NewMemory(), nil)
	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)

	_, err = e.SubmitCredential(context.Background(), "")
	var reqErr *RequestError
	req.True(errors.As(err, &reqErr))
	req.Equal("Please enter your password", reqErr.Message)
	req.Equal(AwaitingCredential, e.Phase())
}

func TestOverlongCredentialHasItsOwnMessage(t *testing.T) {
	req := require.New(t)
	backend := stubBackend()
	backend.check = func(context.Context, string, string) (string, error) {
		t.Fatal("credential check must not be called")
		return "", nil
	}
	e := NewEstablisher(backend, kv.NewMemory(), nil)
	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)

	_, err = e.SubmitCredential(context.Background(), strings.Repeat("é", 37))
	var reqErr *RequestError
	req.True(errors.As(err, &reqErr))
	req.Equal("Password is too long (at most 72 bytes)", reqErr.Message)
	req.Equal(AwaitingCredential, e.Phase())
}

func TestSecondSubmissionWhileInFlight(t *testing.T) {
	req := require.New(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := stubBackend()
	backend.lookup = func(context.Context, string) (model.Identity, error) {
		close(entered)
		<-release
		return ada, nil
	}
	e := NewEstablisher(backend, kv.NewMemory(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
		done <- err
	}()
	<-entered

	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.ErrorIs(err, ErrInFlight)

	close(release)
	req.NoError(<-done)
	req.Equal(AwaitingCredential, e.Phase())
}

func TestResetDiscardsLateResult(t *testing.T) {
	req := require.New(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := stubBackend()
	backend.lookup = func(context.Context, string) (model.Identity, error) {
		close(entered)
		<-release
		return ada, nil
	}
	e := NewEstablisher(backend, kv.NewMemory(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
		done <- err
	}()
	<-entered
	e.Reset()
	close(release)

	req.ErrorIs(<-done, ErrAborted)
	req.Equal(AwaitingIdentifier, e.Phase())
	_, ok := e.Partial()
	req.False(ok)
}

func TestResetFromCredentialPhase(t *testing.T) {
	req := require.New(t)
	e := NewEstablisher(stubBackend(), kv.NewMemory(), nil)
	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)

	e.Reset()
	req.Equal(AwaitingIdentifier, e.Phase())
	_, err = e.SubmitCredential(context.Background(), "hunter22")
	req.ErrorIs(err, ErrIdentityRequired)
}

func TestResume(t *testing.T) {
	t.Run("nothing stored", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().Get(TokenKey).Return("", false, nil)

		e := NewEstablisher(stubBackend(), store, nil)
		_, ok, err := e.Resume(context.Background())
		req.NoError(err)
		req.False(ok)
		req.Equal(AwaitingIdentifier, e.Phase())
	})

	t.Run("valid token", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().Get(TokenKey).Return("tok-1", true, nil)

		e := NewEstablisher(stubBackend(), store, nil)
		sess, ok, err := e.Resume(context.Background())
		req.NoError(err)
		req.True(ok)
		req.Equal(model.Session{Identity: ada, Token: "tok-1"}, sess)
		req.Equal(Established, e.Phase())
	})

	t.Run("rejected token is removed", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		gomock.InOrder(
			store.EXPECT().Get(TokenKey).Return("expired", true, nil),
			store.EXPECT().Remove(TokenKey).Return(nil),
		)

		e := NewEstablisher(stubBackend(), store, nil)
		_, ok, err := e.Resume(context.Background())
		req.NoError(err)
		req.False(ok)
		req.Equal(AwaitingIdentifier, e.Phase())
	})

	t.Run("unreachable backend keeps token", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().Get(TokenKey).Return("tok-1", true, nil)
		store.EXPECT().Remove(gomock.Any()).Times(0)

		backend := stubBackend()
		backend.details = func(context.Context, string) (model.Identity, error) {
			return model.Identity{}, &api.Error{Message: "connection refused"}
		}
		e := NewEstablisher(backend, store, nil)
		_, ok, err := e.Resume(context.Background())
		req.ErrorIs(err, ErrRequestFailed)
		req.False(ok)
		req.Equal(AwaitingIdentifier, e.Phase())
	})
}

func TestLogoutRemovesToken(t *testing.T) {
	req := require.New(t)
	store := kv.NewMemory()
	e := NewEstablisher(stubBackend(), store, nil)

	_, err := e.SubmitIdentifier(context.Background(), "ada@example.com")
	req.NoError(err)
	_, err = e.SubmitCredential(context.Background(), "hunter22")
	req.NoError(err)
	v, ok, _ := store.Get(TokenKey)
	req.True(ok)
	req.Equal("tok-1", v)

	req.NoError(e.Logout())
	req.Equal(AwaitingIdentifier, e.Phase())
	_, ok = e.Session()
	req.False(ok)
	_, ok, _ = store.Get(TokenKey)
	req.False(ok)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "awaiting-identifier", AwaitingIdentifier.String())
	require.Equal(t, "awaiting-credential", AwaitingCredential.String())
	require.Equal(t, "established", Established.String())
}
