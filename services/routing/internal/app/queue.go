package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helpdesk/pkg/domain"
	"helpdesk/pkg/store"
)

// QueueSnapshot is the expert's view of the routing queue.
type QueueSnapshot struct {
	Waiting  []ConversationView `json:"waitingConversations"`
	Assigned []ConversationView `json:"assignedConversations"`
}

// WaitingQueue lists unassigned conversations, most recently updated first.
func (a *App) WaitingQueue(ctx context.Context) ([]ConversationView, error) {
	return a.queue(store.ConversationFilter{Status: domain.StatusWaiting})
}

// AssignedQueue lists the expert's active conversations, most recently
// updated first.
func (a *App) AssignedQueue(ctx context.Context, expertID string) ([]ConversationView, error) {
	return a.queue(store.ConversationFilter{Status: domain.StatusActive, AssignedExpertID: expertID})
}

// Queue returns both lists.
func (a *App) Queue(ctx context.Context, expertID string) (QueueSnapshot, error) {
	return a.DeltaSince(ctx, expertID, "")
}

// DeltaSince returns both lists restricted to conversations updated or
// messaged strictly after since. since must be an RFC 3339 timestamp; an empty
// or malformed value returns the unfiltered lists.
func (a *App) DeltaSince(ctx context.Context, expertID, since string) (QueueSnapshot, error) {
	cutoff := parseSince(since)
	waiting, err := a.queue(store.ConversationFilter{Status: domain.StatusWaiting, Since: cutoff})
	if err != nil {
		return QueueSnapshot{}, err
	}
	assigned, err := a.queue(store.ConversationFilter{Status: domain.StatusActive, AssignedExpertID: expertID, Since: cutoff})
	if err != nil {
		return QueueSnapshot{}, err
	}
	return QueueSnapshot{Waiting: waiting, Assigned: assigned}, nil
}

// AssignmentHistory returns the expert's ledger entries newest first, each with
// its conversation title.
func (a *App) AssignmentHistory(ctx context.Context, expertID string) ([]domain.AssignmentRecord, error) {
	records, err := a.store.ListAssignmentsByExpert(expertID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return records, nil
}

func (a *App) queue(filter store.ConversationFilter) ([]ConversationView, error) {
	convs, err := a.store.ListConversations(filter)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return a.views(convs)
}

func parseSince(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
