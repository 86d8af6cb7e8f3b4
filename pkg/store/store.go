package store

import (
	"time"

	"helpdesk/pkg/domain"
)

// ConversationFilter narrows ListConversations. Zero fields are ignored.
type ConversationFilter struct {
	Status           domain.ConversationStatus
	AssignedExpertID string
	// ParticipantID matches the initiator or the assigned expert.
	ParticipantID string
	// Since keeps conversations whose updated_at or last_message_at is
	// strictly after the instant.
	Since *time.Time
	Limit int
}

// Store defines persistence for users, expert profiles, conversations,
// messages and the assignment ledger.
//
// AssignConversation and ReleaseConversation are the only operations that
// change who owns a conversation. Both are single conditional updates applied
// together with their ledger write; a false result means the condition did not
// hold (or the conversation does not exist) and nothing was written.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)

	// expert profiles
	GetExpertProfile(userID string) (domain.ExpertProfile, bool, error)
	SaveExpertProfile(domain.ExpertProfile) error
	// CreateExpertProfile inserts p unless the user already has a profile.
	CreateExpertProfile(p domain.ExpertProfile) (bool, error)
	ListExperts() ([]domain.Expert, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversations(filter ConversationFilter) ([]domain.Conversation, error)
	AssignConversation(conversationID, expertID string, at time.Time) (domain.ExpertAssignment, bool, error)
	ReleaseConversation(conversationID, expertID string, at time.Time) (bool, error)

	// assignment ledger
	ActiveAssignment(conversationID string) (domain.ExpertAssignment, bool, error)
	ListAssignmentsByExpert(expertID string) ([]domain.AssignmentRecord, error)

	// messages
	AppendMessage(msg domain.Message) error
	AppendAutoReply(msg domain.Message) (bool, error)
	HasAutoReply(messageID string) (bool, error)
	GetMessage(id string) (domain.Message, bool, error)
	ListConversationMessages(conversationID string, limit int) ([]domain.Message, error)
	HasHumanExpertReply(conversationID, expertID string) (bool, error)
	MarkMessageRead(id string) error
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
