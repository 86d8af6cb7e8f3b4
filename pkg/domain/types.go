package domain

import "time"

type ConversationStatus string

const (
	StatusWaiting ConversationStatus = "waiting"
	StatusActive  ConversationStatus = "active"
)

type MessageRole string

const (
	RoleInitiator MessageRole = "initiator"
	RoleExpert    MessageRole = "expert"
)

type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "active"
	AssignmentResolved AssignmentStatus = "resolved"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type ExpertProfile struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Bio                string    `json:"bio"`
	KnowledgeBaseLinks []string  `json:"knowledgeBaseLinks"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Expert is a profile joined with its owner's username.
type Expert struct {
	Profile  ExpertProfile `json:"profile"`
	Username string        `json:"username"`
}

// Conversation is active exactly when AssignedExpertID is non-empty.
type Conversation struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Status           ConversationStatus `json:"status"`
	InitiatorID      string             `json:"initiatorId"`
	AssignedExpertID string             `json:"assignedExpertId,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	LastMessageAt    *time.Time         `json:"lastMessageAt,omitempty"`
}

// Assigned reports whether an expert currently owns the conversation.
func (c Conversation) Assigned() bool {
	return c.AssignedExpertID != ""
}

type Message struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversationId"`
	SenderID        string      `json:"senderId"`
	Role            MessageRole `json:"role"`
	Content         string      `json:"content"`
	IsAutoGenerated bool        `json:"isAutoGenerated"`
	IsRead          bool        `json:"isRead"`
	ReplyToID       string      `json:"replyToId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// ExpertAssignment is one ledger entry: a single assignment period of an
// expert on a conversation.
type ExpertAssignment struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	ExpertID       string           `json:"expertId"`
	Status         AssignmentStatus `json:"status"`
	AssignedAt     time.Time        `json:"assignedAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// AssignmentRecord is a ledger entry joined with its conversation title.
type AssignmentRecord struct {
	ExpertAssignment
	Title string `json:"title"`
}
