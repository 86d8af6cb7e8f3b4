package app

import (
	"context"
	"fmt"
	"strings"

	"helpdesk/internal/metrics"
	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
	"helpdesk/pkg/events"
	"helpdesk/pkg/store"
)

// ConversationView is a conversation with participant usernames and, on the
// single-conversation view, an LLM summary.
type ConversationView struct {
	domain.Conversation
	InitiatorUsername      string `json:"initiatorUsername,omitempty"`
	AssignedExpertUsername string `json:"assignedExpertUsername,omitempty"`
	Summary                string `json:"summary,omitempty"`
}

// CreateConversation opens a waiting conversation and tries to route it right
// away. When the recommendation yields nobody the conversation stays waiting
// and an auto-assign job takes over.
func (a *App) CreateConversation(ctx context.Context, initiator domain.User, title string) (ConversationView, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ConversationView{}, fmt.Errorf("%w: title required", ErrValidation)
	}
	now := a.now()
	conv := domain.Conversation{
		ID:          util.NewID(),
		Title:       title,
		Status:      domain.StatusWaiting,
		InitiatorID: initiator.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return ConversationView{}, fmt.Errorf("create conversation: %w", err)
	}

	assigned := false
	if expertID, ok, _ := a.recommendFor(ctx, conv); ok {
		updated, err := a.AutoAssign(ctx, conv.ID, expertID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("auto assign on create failed", "conversation_id", conv.ID, "err", err)
		} else {
			conv = updated
			assigned = conv.Assigned()
		}
	}
	if !assigned {
		a.enqueue(ctx, KindAutoAssignExpert, conv.ID)
	}
	return a.view(conv)
}

// recommendFor asks the gateway for an expert among every profile owner
// except the initiator. Store and gateway failures are returned so a job can
// retry them.
func (a *App) recommendFor(ctx context.Context, conv domain.Conversation) (string, bool, error) {
	experts, err := a.store.ListExperts()
	if err != nil {
		util.LoggerFromContext(ctx).Warn("list experts failed", "conversation_id", conv.ID, "err", err)
		return "", false, fmt.Errorf("list experts: %w", err)
	}
	candidates := experts[:0:0]
	for _, e := range experts {
		if e.Profile.UserID != conv.InitiatorID {
			candidates = append(candidates, e)
		}
	}
	return a.gateway.PickExpert(ctx, conv.Title, candidates)
}

// AutoAssign gives a waiting conversation to expertID. An already assigned
// conversation is returned unchanged.
func (a *App) AutoAssign(ctx context.Context, conversationID, expertID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if conv.Assigned() {
		return conv, nil
	}
	entry, applied, err := a.store.AssignConversation(conversationID, expertID, a.now())
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("assign conversation: %w", err)
	}
	if applied {
		util.LoggerFromContext(ctx).Info("conversation auto-assigned", "conversation_id", conversationID, "expert_id", expertID)
		a.publish(ctx, events.AssignmentEvent{
			Type:           events.ConversationAssigned,
			ConversationID: conversationID,
			ExpertID:       expertID,
			AssignmentID:   entry.ID,
			Source:         events.SourceAuto,
			OccurredAt:     entry.AssignedAt,
		})
	}
	return a.reload(conversationID)
}

// Claim assigns a waiting conversation to the requesting expert. Any current
// assignment, including the requester's own, is a conflict.
func (a *App) Claim(ctx context.Context, conversationID, expertID string) (domain.Conversation, error) {
	if _, ok, err := a.store.GetConversation(conversationID); err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	} else if !ok {
		metrics.RecordClaim("not_found")
		return domain.Conversation{}, ErrNotFound
	}
	entry, applied, err := a.store.AssignConversation(conversationID, expertID, a.now())
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("claim conversation: %w", err)
	}
	if !applied {
		metrics.RecordClaim("conflict")
		return domain.Conversation{}, fmt.Errorf("%w: conversation is already assigned to an expert", ErrConflict)
	}
	metrics.RecordClaim("claimed")
	util.LoggerFromContext(ctx).Info("conversation claimed", "conversation_id", conversationID, "expert_id", expertID)
	a.publish(ctx, events.AssignmentEvent{
		Type:           events.ConversationAssigned,
		ConversationID: conversationID,
		ExpertID:       expertID,
		AssignmentID:   entry.ID,
		Source:         events.SourceClaim,
		OccurredAt:     entry.AssignedAt,
	})
	return a.reload(conversationID)
}

// Unclaim returns the conversation to the waiting queue. Only the assigned
// expert may do so.
func (a *App) Unclaim(ctx context.Context, conversationID, expertID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if conv.AssignedExpertID != expertID {
		return domain.Conversation{}, fmt.Errorf("%w: not assigned to this conversation", ErrForbidden)
	}
	at := a.now()
	released, err := a.store.ReleaseConversation(conversationID, expertID, at)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("unclaim conversation: %w", err)
	}
	if !released {
		return domain.Conversation{}, fmt.Errorf("%w: not assigned to this conversation", ErrForbidden)
	}
	util.LoggerFromContext(ctx).Info("conversation unclaimed", "conversation_id", conversationID, "expert_id", expertID)
	a.publish(ctx, events.AssignmentEvent{
		Type:           events.ConversationUnassigned,
		ConversationID: conversationID,
		ExpertID:       expertID,
		Source:         events.SourceUnclaim,
		OccurredAt:     at,
	})
	return a.reload(conversationID)
}

func (a *App) reload(conversationID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// ListConversations returns conversations the user initiated or is assigned
// to, most recently updated first.
func (a *App) ListConversations(ctx context.Context, user domain.User) ([]ConversationView, error) {
	convs, err := a.store.ListConversations(store.ConversationFilter{ParticipantID: user.ID})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return a.views(convs)
}

// ConversationsSince lists the user's conversations updated or messaged after
// since. A missing or malformed since yields every conversation.
func (a *App) ConversationsSince(ctx context.Context, user domain.User, since string) ([]ConversationView, error) {
	convs, err := a.store.ListConversations(store.ConversationFilter{ParticipantID: user.ID, Since: parseSince(since)})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return a.views(convs)
}

// GetConversation returns one conversation visible to user, with a summary.
// Conversations the user does not take part in are reported as not found.
func (a *App) GetConversation(ctx context.Context, user domain.User, conversationID string) (ConversationView, error) {
	conv, err := a.visibleConversation(user, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	view, err := a.view(conv)
	if err != nil {
		return ConversationView{}, err
	}
	view.Summary = a.summary(ctx, conv)
	return view, nil
}

func (a *App) visibleConversation(user domain.User, conversationID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok || (conv.InitiatorID != user.ID && conv.AssignedExpertID != user.ID) {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// summary returns a cached or freshly generated summary. The cache key moves
// with lastMessageAt so a new message invalidates the entry.
func (a *App) summary(ctx context.Context, conv domain.Conversation) string {
	if conv.LastMessageAt == nil {
		return ""
	}
	key := fmt.Sprintf("%s@%d", conv.ID, conv.LastMessageAt.UnixNano())
	if v, ok := a.summaries.Get(key); ok {
		metrics.RecordSummaryCache(true)
		text, _ := v.(string)
		return text
	}
	metrics.RecordSummaryCache(false)
	v, _, _ := a.inflight.Do(key, func() (interface{}, error) {
		msgs, err := a.store.ListConversationMessages(conv.ID, 0)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("load messages for summary failed", "conversation_id", conv.ID, "err", err)
			return "", nil
		}
		text, ok := a.gateway.Summarize(ctx, conv.Title, msgs)
		if !ok {
			return "", nil
		}
		a.summaries.Add(key, text)
		return text, nil
	})
	text, _ := v.(string)
	return text
}

func (a *App) view(conv domain.Conversation) (ConversationView, error) {
	views, err := a.views([]domain.Conversation{conv})
	if err != nil {
		return ConversationView{}, err
	}
	return views[0], nil
}

func (a *App) views(convs []domain.Conversation) ([]ConversationView, error) {
	names := make(map[string]string)
	lookup := func(id string) (string, error) {
		if id == "" {
			return "", nil
		}
		if name, ok := names[id]; ok {
			return name, nil
		}
		u, _, err := a.store.GetUserByID(id)
		if err != nil {
			return "", fmt.Errorf("load user: %w", err)
		}
		names[id] = u.Username
		return u.Username, nil
	}
	res := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		initiator, err := lookup(c.InitiatorID)
		if err != nil {
			return nil, err
		}
		expert, err := lookup(c.AssignedExpertID)
		if err != nil {
			return nil, err
		}
		res = append(res, ConversationView{Conversation: c, InitiatorUsername: initiator, AssignedExpertUsername: expert})
	}
	return res, nil
}
