package app

import (
	"context"
	"errors"
	"fmt"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
	"helpdesk/pkg/queue"
	"helpdesk/pkg/recommend"
)

// Job kinds. The ref of KindAutoAssignExpert is a conversation ID, the ref of
// KindAutoGenerateReply a message ID.
const (
	KindAutoAssignExpert  = "auto_assign_expert"
	KindAutoGenerateReply = "auto_generate_reply"
)

// HandleJob dispatches a queued job. Every handler tolerates redelivery.
// Returned errors are store or gateway failures worth retrying; unknown kinds
// fail permanently.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts))
	switch job.Kind {
	case KindAutoAssignExpert:
		return a.AutoAssignExpert(ctx, job.Ref)
	case KindAutoGenerateReply:
		return a.AutoGenerateReply(ctx, job.Ref)
	default:
		return queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// AutoAssignExpert routes a waiting conversation through the gateway. A
// missing conversation completes silently and an assigned one skips the
// gateway. A failed gateway call is returned so the queue retries the job.
// Afterwards the earliest message, if any, gets an auto-reply job.
func (a *App) AutoAssignExpert(ctx context.Context, conversationID string) error {
	logger := util.LoggerFromContext(ctx)
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		logger.Info("auto assign skipped, conversation missing", "conversation_id", conversationID)
		return nil
	}

	if !conv.Assigned() {
		expertID, ok, err := a.recommendFor(ctx, conv)
		if err != nil {
			return fmt.Errorf("recommend expert: %w", err)
		}
		if ok {
			if _, err := a.AutoAssign(ctx, conv.ID, expertID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
		} else {
			logger.Info("no expert recommended", "conversation_id", conv.ID)
		}
	}

	first, err := a.store.ListConversationMessages(conv.ID, 1)
	if err != nil {
		return fmt.Errorf("load first message: %w", err)
	}
	if len(first) > 0 {
		a.enqueue(ctx, KindAutoGenerateReply, first[0].ID)
	}
	return nil
}

// AutoGenerateReply drafts an answer to an initiator message on behalf of the
// assigned expert. It does nothing when no expert is assigned, the expert has
// no profile or already answered in person, a draft for this message exists,
// or the gateway yields nothing.
func (a *App) AutoGenerateReply(ctx context.Context, messageID string) error {
	logger := util.LoggerFromContext(ctx)
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !ok || msg.Role != domain.RoleInitiator {
		return nil
	}
	conv, ok, err := a.store.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !ok || !conv.Assigned() {
		return nil
	}
	expertID := conv.AssignedExpertID
	profile, ok, err := a.store.GetExpertProfile(expertID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		logger.Info("auto reply skipped, expert has no profile", "expert_id", expertID)
		return nil
	}
	replied, err := a.store.HasHumanExpertReply(conv.ID, expertID)
	if err != nil {
		return fmt.Errorf("check expert reply: %w", err)
	}
	if replied {
		return nil
	}
	exists, err := a.store.HasAutoReply(msg.ID)
	if err != nil {
		return fmt.Errorf("check auto reply: %w", err)
	}
	if exists {
		return nil
	}
	expert, _, err := a.store.GetUserByID(expertID)
	if err != nil {
		return fmt.Errorf("load expert: %w", err)
	}

	text, ok := a.gateway.AutoReply(ctx, recommend.AutoReplyInput{
		Title:              conv.Title,
		ExpertUsername:     expert.Username,
		Bio:                profile.Bio,
		KnowledgeBaseLinks: profile.KnowledgeBaseLinks,
		Question:           msg.Content,
	})
	if !ok {
		logger.Info("auto reply skipped, gateway returned nothing", "message_id", msg.ID)
		return nil
	}
	written, err := a.store.AppendAutoReply(domain.Message{
		ID:              util.NewID(),
		ConversationID:  conv.ID,
		SenderID:        expertID,
		Role:            domain.RoleExpert,
		Content:         text,
		IsAutoGenerated: true,
		ReplyToID:       msg.ID,
		CreatedAt:       a.now(),
	})
	if err != nil {
		return fmt.Errorf("append auto reply: %w", err)
	}
	if written {
		logger.Info("auto reply posted", "conversation_id", conv.ID, "reply_to", msg.ID)
	}
	return nil
}
