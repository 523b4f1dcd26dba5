package model

// Event names of the conversation directory feed.
const (
	// EventRegister is emitted by a client with its user id to ask for its
	// conversation list.
	EventRegister = "sidebar"
	// EventConversations carries a full conversation batch for one user.
	EventConversations = "conversation"
	// EventSeen is emitted by a client with the counterpart's user id once the
	// conversation has been read.
	EventSeen = "seen"
	// EventError carries {"message": ...} for failures after connect.
	EventError = "error"
)
