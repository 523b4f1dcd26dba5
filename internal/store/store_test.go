package store

import (
	"testing"

	"uchat-directory/internal/model"
)

func mustAccount(t *testing.T, s *Store, name, email string) model.Account {
	t.Helper()
	a, err := s.CreateAccount(name, email, "secret-"+name, "", 1000)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestStore_Accounts(t *testing.T) {
	s := New()
	ada := mustAccount(t, s, "Ada", "Ada@Example.com ")

	got, ok := s.AccountByEmail("ada@example.com")
	if !ok || got.ID != ada.ID {
		t.Fatalf("expected lookup by normalized email, got %+v %v", got, ok)
	}
	if got.PasswordHash == "secret-Ada" {
		t.Fatalf("expected password to be hashed")
	}
	if !s.CheckPassword(ada.ID, "secret-Ada") {
		t.Fatalf("expected password to match")
	}
	if s.CheckPassword(ada.ID, "wrong") {
		t.Fatalf("expected wrong password to fail")
	}
	if s.CheckPassword("nobody", "secret-Ada") {
		t.Fatalf("expected unknown user to fail")
	}

	if _, err := s.CreateAccount("Ada2", "ada@example.com", "x", "", 1000); err != ErrEmailTaken {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestStore_ConversationsFor(t *testing.T) {
	s := New()
	ada := mustAccount(t, s, "Ada", "ada@example.com")
	bob := mustAccount(t, s, "Bob", "bob@example.com")
	cy := mustAccount(t, s, "Cy", "cy@example.com")

	if _, _, err := s.AppendMessage(ada.ID, bob.ID, model.Message{Text: "hi"}, 2000); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, _, err := s.AppendMessage(bob.ID, ada.ID, model.Message{Text: "yo"}, 3000); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, _, err := s.AppendMessage(cy.ID, ada.ID, model.Message{ImageURL: "cat.png"}, 4000); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	batch := s.ConversationsFor(ada.ID)
	if len(batch) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(batch))
	}
	if batch[0].Sender.ID != cy.ID {
		t.Fatalf("expected most recent conversation first, got %+v", batch[0])
	}
	if batch[0].LastMessage == nil || batch[0].LastMessage.ImageURL != "cat.png" {
		t.Fatalf("unexpected last message: %+v", batch[0].LastMessage)
	}
	if batch[1].UnseenCount != 1 {
		t.Fatalf("expected 1 unseen from bob, got %d", batch[1].UnseenCount)
	}
	if batch[1].LastMessage.Text != "yo" {
		t.Fatalf("expected last message yo, got %q", batch[1].LastMessage.Text)
	}

	bobView := s.ConversationsFor(bob.ID)
	if len(bobView) != 1 || bobView[0].UnseenCount != 1 {
		t.Fatalf("unexpected batch for bob: %+v", bobView)
	}

	if n := s.MarkSeen(ada.ID, bob.ID); n != 1 {
		t.Fatalf("expected 1 message marked seen, got %d", n)
	}
	if n := s.MarkSeen(ada.ID, bob.ID); n != 0 {
		t.Fatalf("expected nothing left to mark, got %d", n)
	}
	if got := s.ConversationsFor(ada.ID)[1].UnseenCount; got != 0 {
		t.Fatalf("expected 0 unseen after MarkSeen, got %d", got)
	}
}

func TestStore_SelfConversation(t *testing.T) {
	s := New()
	ada := mustAccount(t, s, "Ada", "ada@example.com")

	_, convID, err := s.AppendMessage(ada.ID, ada.ID, model.Message{Text: "note"}, 2000)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	batch := s.ConversationsFor(ada.ID)
	if len(batch) != 1 || batch[0].ID != convID {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch[0].Sender.ID != ada.ID || batch[0].Receiver.ID != ada.ID {
		t.Fatalf("expected self conversation, got %+v", batch[0])
	}
	if batch[0].UnseenCount != 0 {
		t.Fatalf("own messages must not count as unseen")
	}
}

func TestStore_AppendMessageValidation(t *testing.T) {
	s := New()
	ada := mustAccount(t, s, "Ada", "ada@example.com")

	if _, _, err := s.AppendMessage(ada.ID, "ghost", model.Message{Text: "x"}, 1); err != ErrUnknownUser {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, _, err := s.AppendMessage(ada.ID, ada.ID, model.Message{}, 1); err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestStore_SnapshotsHideEmail(t *testing.T) {
	s := New()
	ada := mustAccount(t, s, "Ada", "ada@example.com")
	bob := mustAccount(t, s, "Bob", "bob@example.com")
	if _, _, err := s.AppendMessage(bob.ID, ada.ID, model.Message{Text: "hi"}, 2000); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	batch := s.ConversationsFor(ada.ID)
	if len(batch) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(batch))
	}
	if batch[0].Sender.Email != "" || batch[0].Receiver.Email != "" {
		t.Fatalf("expected no email in feed identities, got %+v / %+v", batch[0].Sender, batch[0].Receiver)
	}
	if batch[0].Sender.DisplayName != "Bob" {
		t.Fatalf("expected sender name Bob, got %q", batch[0].Sender.DisplayName)
	}
	if got, _ := s.GetAccount(bob.ID); got.Email != "bob@example.com" {
		t.Fatalf("account email must stay intact, got %q", got.Email)
	}
}
