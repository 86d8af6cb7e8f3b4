package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
	"helpdesk/pkg/store"
)

// SendMessage appends a message from a participant. The sender's role comes
// from participation; outsiders get ErrNotFound. An initiator message on an
// assigned conversation whose expert has not yet answered in person queues an
// auto-reply draft.
func (a *App) SendMessage(ctx context.Context, sender domain.User, conversationID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: content required", ErrValidation)
	}
	conv, err := a.visibleConversation(sender, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	role := domain.RoleExpert
	if conv.InitiatorID == sender.ID {
		role = domain.RoleInitiator
	}
	msg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      a.now(),
	}
	if err := a.store.AppendMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	if role == domain.RoleInitiator && conv.Assigned() {
		replied, err := a.store.HasHumanExpertReply(conv.ID, conv.AssignedExpertID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("check expert reply failed", "conversation_id", conv.ID, "err", err)
		} else if !replied {
			a.enqueue(ctx, KindAutoGenerateReply, msg.ID)
		}
	}
	return msg, nil
}

// ListMessages returns the conversation's messages in chronological order.
func (a *App) ListMessages(ctx context.Context, viewer domain.User, conversationID string) ([]domain.Message, error) {
	conv, err := a.visibleConversation(viewer, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := a.store.ListConversationMessages(conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MessagesSince returns messages created after since in the conversations the
// user currently takes part in, oldest first. A missing or malformed since
// yields every message.
func (a *App) MessagesSince(ctx context.Context, user domain.User, since string) ([]domain.Message, error) {
	cutoff := parseSince(since)
	convs, err := a.store.ListConversations(store.ConversationFilter{ParticipantID: user.ID, Since: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	res := make([]domain.Message, 0)
	for _, conv := range convs {
		msgs, err := a.store.ListConversationMessages(conv.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range msgs {
			if cutoff == nil || m.CreatedAt.After(*cutoff) {
				res = append(res, m)
			}
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// MarkRead records that the receiving participant has read a message.
// Senders cannot mark their own messages.
func (a *App) MarkRead(ctx context.Context, reader domain.User, messageID string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	if _, err := a.visibleConversation(reader, msg.ConversationID); err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID == reader.ID {
		return domain.Message{}, fmt.Errorf("%w: cannot mark your own message as read", ErrForbidden)
	}
	if msg.IsRead {
		return msg, nil
	}
	if err := a.store.MarkMessageRead(msg.ID); err != nil {
		return domain.Message{}, fmt.Errorf("mark message read: %w", err)
	}
	msg.IsRead = true
	return msg, nil
}
