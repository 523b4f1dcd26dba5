package directory

import (
	"errors"

	"uchat-directory/internal/model"
)

var (
	ErrMalformedSnapshot = errors.New("malformed conversation snapshot")
)

// ResolveCounterpart picks the participant on the other side of the
// conversation from localUserID's point of view. A self-conversation resolves
// to the shared identity.
func ResolveCounterpart(snap model.ConversationSnapshot, localUserID string) (model.Identity, error) {
	a, b := present(snap.Sender), present(snap.Receiver)

	switch {
	case a == nil && b == nil:
		return model.Identity{}, ErrMalformedSnapshot
	case a == nil || b == nil:
		// Only one slot is known. It can only be the counterpart if it is not us.
		only := a
		if only == nil {
			only = b
		}
		if only.ID == localUserID {
			return model.Identity{}, ErrMalformedSnapshot
		}
		return *only, nil
	}

	if a.ID == b.ID {
		return *a, nil
	}
	if b.ID != localUserID {
		return *b, nil
	}
	return *a, nil
}

func present(id *model.Identity) *model.Identity {
	if id == nil || id.ID == "" {
		return nil
	}
	return id
}
