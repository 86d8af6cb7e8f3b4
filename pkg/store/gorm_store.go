package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

const migrateLockID int64 = 48151623

const sqliteScheme = "sqlite:"

// GormStore implements Store using GORM. Postgres is the production backend;
// DSNs prefixed with "sqlite:" open a SQLite database for local runs and tests.
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialect := "postgres"
	dialector := postgres.Open(dsn)
	if strings.HasPrefix(dsn, sqliteScheme) {
		dialect = "sqlite"
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqliteScheme))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dialect == "sqlite" {
		// SQLite allows a single writer; serialize through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &GormStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) migrate() error {
	run := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ExpertProfileModel{}, &ConversationModel{}, &MessageModel{}, &ExpertAssignmentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// At most one open ledger entry per conversation.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_expert_assignment_models_one_active
			ON expert_assignment_models (conversation_id)
			WHERE status = 'active'
		`).Error; err != nil {
			return fmt.Errorf("create active assignment index: %w", err)
		}
		return nil
	}
	if s.dialect != "postgres" {
		return run(s.db)
	}
	return withMigrationLock(s.db, run)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers a user; an existing ID keeps its original identity.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetExpertProfile returns the profile owned by userID.
func (s *GormStore) GetExpertProfile(userID string) (domain.ExpertProfile, bool, error) {
	var model ExpertProfileModel
	if err := s.db.Where("user_id = ?", userID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExpertProfile{}, false, nil
		}
		return domain.ExpertProfile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// SaveExpertProfile creates or updates the profile of a user.
func (s *GormStore) SaveExpertProfile(p domain.ExpertProfile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bio", "knowledge_base_links", "updated_at"}),
	}).Create(&model).Error
}

// CreateExpertProfile inserts p and leaves an existing profile untouched.
func (s *GormStore) CreateExpertProfile(p domain.ExpertProfile) (bool, error) {
	model := profileToModel(p)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListExperts returns every expert profile with its owner's username.
func (s *GormStore) ListExperts() ([]domain.Expert, error) {
	var rows []struct {
		ExpertProfileModel
		Username string
	}
	if err := s.db.Model(&ExpertProfileModel{}).
		Select("expert_profile_models.*, user_models.username AS username").
		Joins("JOIN user_models ON user_models.id = expert_profile_models.user_id").
		Order("user_models.username ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Expert, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Expert{Profile: profileFromModel(row.ExpertProfileModel), Username: row.Username})
	}
	return res, nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns conversations matching filter, most recently
// updated first.
func (s *GormStore) ListConversations(filter ConversationFilter) ([]domain.Conversation, error) {
	tx := s.db.Model(&ConversationModel{})
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.AssignedExpertID != "" {
		tx = tx.Where("assigned_expert_id = ?", filter.AssignedExpertID)
	}
	if filter.ParticipantID != "" {
		tx = tx.Where("(initiator_id = ? OR assigned_expert_id = ?)", filter.ParticipantID, filter.ParticipantID)
	}
	if filter.Since != nil {
		since := filter.Since.UTC()
		tx = tx.Where("(updated_at > ? OR (last_message_at IS NOT NULL AND last_message_at > ?))", since, since)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []ConversationModel
	if err := tx.Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// AssignConversation sets the assigned expert only if the conversation is
// currently unassigned, and opens a ledger entry in the same transaction.
func (s *GormStore) AssignConversation(conversationID, expertID string, at time.Time) (domain.ExpertAssignment, bool, error) {
	entry := domain.ExpertAssignment{
		ID:             util.NewID(),
		ConversationID: conversationID,
		ExpertID:       expertID,
		Status:         domain.AssignmentActive,
		AssignedAt:     at.UTC(),
	}
	assigned := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConversationModel{}).
			Where("id = ? AND assigned_expert_id IS NULL", conversationID).
			Updates(map[string]any{
				"assigned_expert_id": expertID,
				"status":             string(domain.StatusActive),
				"updated_at":         at.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		model := assignmentToModel(entry)
		if err := tx.Model(&ExpertAssignmentModel{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0) + 1").
			Scan(&model.Seq).Error; err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil {
		return domain.ExpertAssignment{}, false, err
	}
	if !assigned {
		return domain.ExpertAssignment{}, false, nil
	}
	return entry, true, nil
}

// ReleaseConversation clears the assignment only if expertID holds it and
// resolves that expert's newest active ledger entry.
func (s *GormStore) ReleaseConversation(conversationID, expertID string, at time.Time) (bool, error) {
	released := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConversationModel{}).
			Where("id = ? AND assigned_expert_id = ?", conversationID, expertID).
			Updates(map[string]any{
				"assigned_expert_id": nil,
				"status":             string(domain.StatusWaiting),
				"updated_at":         at.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		released = true
		var entry ExpertAssignmentModel
		err := tx.Where("conversation_id = ? AND expert_id = ? AND status = ?", conversationID, expertID, string(domain.AssignmentActive)).
			Order("assigned_at DESC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Model(&ExpertAssignmentModel{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":      string(domain.AssignmentResolved),
				"resolved_at": at.UTC(),
			}).Error
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// ActiveAssignment returns the open ledger entry of a conversation.
func (s *GormStore) ActiveAssignment(conversationID string) (domain.ExpertAssignment, bool, error) {
	var model ExpertAssignmentModel
	if err := s.db.Where("conversation_id = ? AND status = ?", conversationID, string(domain.AssignmentActive)).
		Order("assigned_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExpertAssignment{}, false, nil
		}
		return domain.ExpertAssignment{}, false, err
	}
	return assignmentFromModel(model), true, nil
}

// ListAssignmentsByExpert returns the expert's ledger, newest first, joined
// with conversation titles.
func (s *GormStore) ListAssignmentsByExpert(expertID string) ([]domain.AssignmentRecord, error) {
	var rows []struct {
		ExpertAssignmentModel
		Title string
	}
	if err := s.db.Model(&ExpertAssignmentModel{}).
		Select("expert_assignment_models.*, conversation_models.title AS title").
		Joins("LEFT JOIN conversation_models ON conversation_models.id = expert_assignment_models.conversation_id").
		Where("expert_assignment_models.expert_id = ?", expertID).
		Order("expert_assignment_models.assigned_at DESC, expert_assignment_models.seq DESC, expert_assignment_models.id DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AssignmentRecord, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.AssignmentRecord{
			ExpertAssignment: assignmentFromModel(row.ExpertAssignmentModel),
			Title:            row.Title,
		})
	}
	return res, nil
}

// AppendMessage records a message and bumps the conversation timestamps.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return touchConversation(tx, msg.ConversationID, msg.CreatedAt)
	})
}

// AppendAutoReply records a generated reply unless one already exists for
// msg.ReplyToID. It reports whether the message was written.
func (s *GormStore) AppendAutoReply(msg domain.Message) (bool, error) {
	if strings.TrimSpace(msg.ReplyToID) == "" {
		return false, errors.New("auto reply requires replyToId")
	}
	written := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model := messageToModel(msg)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reply_to_id"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		written = true
		return touchConversation(tx, msg.ConversationID, msg.CreatedAt)
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// HasAutoReply reports whether a generated reply to messageID exists.
func (s *GormStore) HasAutoReply(messageID string) (bool, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).Where("reply_to_id = ?", messageID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func touchConversation(tx *gorm.DB, conversationID string, at time.Time) error {
	return tx.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"last_message_at": at.UTC(),
			"updated_at":      at.UTC(),
		}).Error
}

// GetMessage returns a message by ID.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListConversationMessages returns messages in chronological order.
func (s *GormStore) ListConversationMessages(conversationID string, limit int) ([]domain.Message, error) {
	query := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// HasHumanExpertReply reports whether expertID has written a message by hand.
func (s *GormStore) HasHumanExpertReply(conversationID, expertID string) (bool, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).
		Where("conversation_id = ? AND sender_id = ? AND role = ? AND is_auto_generated = ?",
			conversationID, expertID, string(domain.RoleExpert), false).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkMessageRead flags a message as read.
func (s *GormStore) MarkMessageRead(id string) error {
	return s.db.Model(&MessageModel{}).Where("id = ?", id).Update("is_read", true).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Username:  m.Username,
		CreatedAt: m.CreatedAt,
	}
}

func profileToModel(p domain.ExpertProfile) ExpertProfileModel {
	links := p.KnowledgeBaseLinks
	if links == nil {
		links = []string{}
	}
	return ExpertProfileModel{
		ID:                 p.ID,
		UserID:             p.UserID,
		Bio:                p.Bio,
		KnowledgeBaseLinks: datatypes.NewJSONSlice(links),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func profileFromModel(m ExpertProfileModel) domain.ExpertProfile {
	links := []string(m.KnowledgeBaseLinks)
	if links == nil {
		links = []string{}
	}
	return domain.ExpertProfile{
		ID:                 m.ID,
		UserID:             m.UserID,
		Bio:                m.Bio,
		KnowledgeBaseLinks: links,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:               c.ID,
		Title:            c.Title,
		Status:           string(c.Status),
		InitiatorID:      c.InitiatorID,
		AssignedExpertID: optionalString(c.AssignedExpertID),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		LastMessageAt:    c.LastMessageAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:               m.ID,
		Title:            m.Title,
		Status:           domain.ConversationStatus(m.Status),
		InitiatorID:      m.InitiatorID,
		AssignedExpertID: derefString(m.AssignedExpertID),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		LastMessageAt:    m.LastMessageAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:              msg.ID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Role:            string(msg.Role),
		Content:         msg.Content,
		IsAutoGenerated: msg.IsAutoGenerated,
		IsRead:          msg.IsRead,
		ReplyToID:       optionalString(msg.ReplyToID),
		CreatedAt:       msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Role:            domain.MessageRole(m.Role),
		Content:         m.Content,
		IsAutoGenerated: m.IsAutoGenerated,
		IsRead:          m.IsRead,
		ReplyToID:       derefString(m.ReplyToID),
		CreatedAt:       m.CreatedAt,
	}
}

func assignmentToModel(a domain.ExpertAssignment) ExpertAssignmentModel {
	return ExpertAssignmentModel{
		ID:             a.ID,
		ConversationID: a.ConversationID,
		ExpertID:       a.ExpertID,
		Status:         string(a.Status),
		AssignedAt:     a.AssignedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

func assignmentFromModel(m ExpertAssignmentModel) domain.ExpertAssignment {
	return domain.ExpertAssignment{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ExpertID:       m.ExpertID,
		Status:         domain.AssignmentStatus(m.Status),
		AssignedAt:     m.AssignedAt,
		ResolvedAt:     m.ResolvedAt,
	}
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
