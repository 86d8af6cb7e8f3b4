package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Username  string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type ExpertProfileModel struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"uniqueIndex;not null"`
	Bio                string `gorm:"type:text"`
	KnowledgeBaseLinks datatypes.JSONSlice[string]
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID               string     `gorm:"primaryKey"`
	Title            string     `gorm:"not null"`
	Status           string     `gorm:"not null;index"`
	InitiatorID      string     `gorm:"not null;index"`
	AssignedExpertID *string    `gorm:"index"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null;index"`
	LastMessageAt    *time.Time
}

type MessageModel struct {
	ID              string    `gorm:"primaryKey"`
	ConversationID  string    `gorm:"not null;index"`
	SenderID        string    `gorm:"not null"`
	Role            string    `gorm:"not null"`
	Content         string    `gorm:"type:text;not null"`
	IsAutoGenerated bool      `gorm:"not null"`
	IsRead          bool      `gorm:"not null"`
	ReplyToID       *string   `gorm:"uniqueIndex"`
	CreatedAt       time.Time `gorm:"not null;index"`
}

type ExpertAssignmentModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	ExpertID       string    `gorm:"not null;index"`
	Status         string    `gorm:"not null"`
	AssignedAt     time.Time `gorm:"not null;index"`
	ResolvedAt     *time.Time
	// Seq orders entries of one conversation by insertion.
	Seq int64 `gorm:"not null;default:0"`
}
