package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

// MemoryStore keeps all records in-process. It honours the same conditional
// update semantics as GormStore and is used by tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]domain.User
	// username -> user ID
	usernames map[string]string
	// key: user ID
	profiles      map[string]domain.ExpertProfile
	conversations map[string]domain.Conversation
	// key: conversation ID
	messages map[string][]domain.Message
	// replyToId -> message ID
	replies map[string]string
	ledger  []domain.ExpertAssignment
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		usernames:     make(map[string]string),
		profiles:      make(map[string]domain.ExpertProfile),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		replies:       make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return nil
	}
	if owner, taken := m.usernames[u.Username]; taken && owner != u.ID {
		return fmt.Errorf("username %q already taken", u.Username)
	}
	m.users[u.ID] = u
	m.usernames[u.Username] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) GetExpertProfile(userID string) (domain.ExpertProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return domain.ExpertProfile{}, false, nil
	}
	return copyProfile(p), true, nil
}

func (m *MemoryStore) SaveExpertProfile(p domain.ExpertProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[p.UserID]; ok {
		existing.Bio = p.Bio
		existing.KnowledgeBaseLinks = p.KnowledgeBaseLinks
		existing.UpdatedAt = p.UpdatedAt
		p = existing
	}
	m.profiles[p.UserID] = copyProfile(p)
	return nil
}

func (m *MemoryStore) CreateExpertProfile(p domain.ExpertProfile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UserID]; ok {
		return false, nil
	}
	m.profiles[p.UserID] = copyProfile(p)
	return true, nil
}

// ListExperts returns profiles whose owner is a known user, ordered by username.
func (m *MemoryStore) ListExperts() ([]domain.Expert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Expert, 0, len(m.profiles))
	for userID, p := range m.profiles {
		u, ok := m.users[userID]
		if !ok {
			continue
		}
		res = append(res, domain.Expert{Profile: copyProfile(p), Username: u.Username})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversations(filter ConversationFilter) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.AssignedExpertID != "" && c.AssignedExpertID != filter.AssignedExpertID {
			continue
		}
		if filter.ParticipantID != "" && c.InitiatorID != filter.ParticipantID && c.AssignedExpertID != filter.ParticipantID {
			continue
		}
		if filter.Since != nil {
			changed := c.UpdatedAt.After(*filter.Since)
			if c.LastMessageAt != nil && c.LastMessageAt.After(*filter.Since) {
				changed = true
			}
			if !changed {
				continue
			}
		}
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (m *MemoryStore) AssignConversation(conversationID, expertID string, at time.Time) (domain.ExpertAssignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || c.AssignedExpertID != "" {
		return domain.ExpertAssignment{}, false, nil
	}
	for _, entry := range m.ledger {
		if entry.ConversationID == conversationID && entry.Status == domain.AssignmentActive {
			return domain.ExpertAssignment{}, false, errors.New("conversation already has an active assignment")
		}
	}
	c.AssignedExpertID = expertID
	c.Status = domain.StatusActive
	c.UpdatedAt = at.UTC()
	m.conversations[conversationID] = c

	entry := domain.ExpertAssignment{
		ID:             util.NewID(),
		ConversationID: conversationID,
		ExpertID:       expertID,
		Status:         domain.AssignmentActive,
		AssignedAt:     at.UTC(),
	}
	m.ledger = append(m.ledger, entry)
	return entry, true, nil
}

func (m *MemoryStore) ReleaseConversation(conversationID, expertID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || c.AssignedExpertID == "" || c.AssignedExpertID != expertID {
		return false, nil
	}
	c.AssignedExpertID = ""
	c.Status = domain.StatusWaiting
	c.UpdatedAt = at.UTC()
	m.conversations[conversationID] = c

	// newest active entry of this expert
	idx := -1
	for i, entry := range m.ledger {
		if entry.ConversationID != conversationID || entry.ExpertID != expertID || entry.Status != domain.AssignmentActive {
			continue
		}
		if idx < 0 || entry.AssignedAt.After(m.ledger[idx].AssignedAt) {
			idx = i
		}
	}
	if idx >= 0 {
		resolved := at.UTC()
		m.ledger[idx].Status = domain.AssignmentResolved
		m.ledger[idx].ResolvedAt = &resolved
	}
	return true, nil
}

func (m *MemoryStore) ActiveAssignment(conversationID string) (domain.ExpertAssignment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ledger) - 1; i >= 0; i-- {
		entry := m.ledger[i]
		if entry.ConversationID == conversationID && entry.Status == domain.AssignmentActive {
			return entry, true, nil
		}
	}
	return domain.ExpertAssignment{}, false, nil
}

func (m *MemoryStore) ListAssignmentsByExpert(expertID string) ([]domain.AssignmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.AssignmentRecord, 0)
	// newest insert first so equal timestamps keep newest-first order
	for i := len(m.ledger) - 1; i >= 0; i-- {
		entry := m.ledger[i]
		if entry.ExpertID != expertID {
			continue
		}
		res = append(res, domain.AssignmentRecord{
			ExpertAssignment: entry,
			Title:            m.conversations[entry.ConversationID].Title,
		})
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].AssignedAt.After(res[j].AssignedAt) })
	return res, nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(msg)
}

func (m *MemoryStore) AppendAutoReply(msg domain.Message) (bool, error) {
	if strings.TrimSpace(msg.ReplyToID) == "" {
		return false, errors.New("auto reply requires replyToId")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.replies[msg.ReplyToID]; exists {
		return false, nil
	}
	if err := m.appendLocked(msg); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) HasAutoReply(messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.replies[messageID]
	return exists, nil
}

func (m *MemoryStore) appendLocked(msg domain.Message) error {
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", msg.ConversationID)
	}
	if msg.ReplyToID != "" {
		if _, exists := m.replies[msg.ReplyToID]; exists {
			return fmt.Errorf("reply to %s already exists", msg.ReplyToID)
		}
		m.replies[msg.ReplyToID] = msg.ID
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	at := msg.CreatedAt.UTC()
	c.LastMessageAt = &at
	c.UpdatedAt = at
	m.conversations[msg.ConversationID] = c
	return nil
}

func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return msg, true, nil
			}
		}
	}
	return domain.Message{}, false, nil
}

func (m *MemoryStore) ListConversationMessages(conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := append([]domain.Message(nil), m.messages[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (m *MemoryStore) HasHumanExpertReply(conversationID, expertID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == expertID && msg.Role == domain.RoleExpert && !msg.IsAutoGenerated {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkMessageRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for convID, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				m.messages[convID][i].IsRead = true
				return nil
			}
		}
	}
	return nil
}

func copyProfile(p domain.ExpertProfile) domain.ExpertProfile {
	links := make([]string, len(p.KnowledgeBaseLinks))
	copy(links, p.KnowledgeBaseLinks)
	p.KnowledgeBaseLinks = links
	return p
}
