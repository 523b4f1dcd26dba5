package model

// Identity is a chat user as the server describes it on the wire.
type Identity struct {
	ID          string `json:"_id"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
	AvatarRef   string `json:"profile_pic"`
}

// Session is an established login: the identity plus the token that
// authorizes the realtime feed.
type Session struct {
	Identity Identity
	Token    string
}

// Valid reports whether the session carries both a user id and a token.
func (s Session) Valid() bool {
	return s.Identity.ID != "" && s.Token != ""
}

// LastMessage is the most recent message of a conversation.
type LastMessage struct {
	Text      string `json:"text"`
	ImageURL  string `json:"imageUrl"`
	VideoURL  string `json:"videoUrl"`
	Seen      bool   `json:"seen"`
	MsgByUser string `json:"msgByUserId,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ConversationSnapshot is one record of a "conversation" batch. Sender and
// Receiver are the two participant slots; the server gives no guarantee about
// which of them holds the local user.
type ConversationSnapshot struct {
	ID          string       `json:"_id"`
	Sender      *Identity    `json:"sender"`
	Receiver    *Identity    `json:"receiver"`
	LastMessage *LastMessage `json:"lastMsg"`
	UnseenCount int          `json:"unseenMsg"`
}

type PreviewKind string

const (
	PreviewEmpty PreviewKind = "empty"
	PreviewText  PreviewKind = "text"
	PreviewImage PreviewKind = "image"
	PreviewVideo PreviewKind = "video"
)

// Preview is the display-ready summary of a conversation's last message.
// Label is the "Image"/"Video" fallback and is empty whenever Text is set.
// HasImage and HasVideo drive attachment icons independently of Kind.
type Preview struct {
	Kind     PreviewKind
	Text     string
	Label    string
	HasImage bool
	HasVideo bool
}

// Line returns the primary preview string.
func (p Preview) Line() string {
	if p.Text != "" {
		return p.Text
	}
	return p.Label
}

// ConversationView is the derived, renderable form of a snapshot.
type ConversationView struct {
	ConversationID string
	Counterpart    Identity
	Preview        Preview
	UnseenCount    int
}

// Badge returns the unseen badge value; ok is false when the badge is hidden.
func (v ConversationView) Badge() (count int, ok bool) {
	return v.UnseenCount, v.UnseenCount > 0
}

// Account is a backend user record.
type Account struct {
	Identity
	PasswordHash string `json:"passwordHash"`
	CreatedAt    int64  `json:"createdAt"`
}

// Message is a backend chat message.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	ImageURL  string `json:"imageUrl"`
	VideoURL  string `json:"videoUrl"`
	SentBy    string `json:"msgByUserId"`
	Seen      bool   `json:"seen"`
	CreatedAt int64  `json:"createdAt"`
}

// Conversation is a backend one-to-one thread.
type Conversation struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender"`
	ReceiverID string    `json:"receiver"`
	Messages   []Message `json:"messages"`
	CreatedAt  int64     `json:"createdAt"`
	UpdatedAt  int64     `json:"updatedAt"`
}
