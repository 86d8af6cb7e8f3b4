package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore("sqlite:file:" + util.NewID() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func seedConversation(t *testing.T, s Store, id, initiator string) domain.Conversation {
	t.Helper()
	c := domain.Conversation{
		ID:          id,
		Title:       "Conversation " + id,
		Status:      domain.StatusWaiting,
		InitiatorID: initiator,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func TestAssignConversationIsConditional(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")

		entry, ok, err := s.AssignConversation("c1", "e1", baseTime.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("first assign: ok=%v err=%v", ok, err)
		}
		if entry.Status != domain.AssignmentActive || entry.ExpertID != "e1" {
			t.Fatalf("unexpected ledger entry: %+v", entry)
		}

		if _, ok, err := s.AssignConversation("c1", "e2", baseTime.Add(2*time.Minute)); err != nil || ok {
			t.Fatalf("second assign must not apply: ok=%v err=%v", ok, err)
		}

		c, found, err := s.GetConversation("c1")
		if err != nil || !found {
			t.Fatalf("get conversation: found=%v err=%v", found, err)
		}
		if c.AssignedExpertID != "e1" || c.Status != domain.StatusActive {
			t.Fatalf("unexpected conversation state: %+v", c)
		}

		if _, ok, err := s.AssignConversation("missing", "e1", baseTime); err != nil || ok {
			t.Fatalf("assign on missing conversation: ok=%v err=%v", ok, err)
		}
	})
}

func TestReleaseConversationResolvesLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")
		if _, ok, err := s.AssignConversation("c1", "e1", baseTime.Add(time.Minute)); err != nil || !ok {
			t.Fatalf("assign: ok=%v err=%v", ok, err)
		}

		if ok, err := s.ReleaseConversation("c1", "e2", baseTime.Add(2*time.Minute)); err != nil || ok {
			t.Fatalf("release by non-holder must not apply: ok=%v err=%v", ok, err)
		}
		ok, err := s.ReleaseConversation("c1", "e1", baseTime.Add(3*time.Minute))
		if err != nil || !ok {
			t.Fatalf("release: ok=%v err=%v", ok, err)
		}

		c, _, _ := s.GetConversation("c1")
		if c.AssignedExpertID != "" || c.Status != domain.StatusWaiting {
			t.Fatalf("expected waiting conversation, got %+v", c)
		}
		if _, found, err := s.ActiveAssignment("c1"); err != nil || found {
			t.Fatalf("expected no active assignment: found=%v err=%v", found, err)
		}

		history, err := s.ListAssignmentsByExpert("e1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 {
			t.Fatalf("expected 1 ledger entry, got %d", len(history))
		}
		if history[0].Status != domain.AssignmentResolved || history[0].ResolvedAt == nil {
			t.Fatalf("expected resolved entry, got %+v", history[0])
		}
		if history[0].Title != "Conversation c1" {
			t.Fatalf("unexpected title %q", history[0].Title)
		}

		// reassign after release opens a second period
		if _, ok, err := s.AssignConversation("c1", "e2", baseTime.Add(4*time.Minute)); err != nil || !ok {
			t.Fatalf("reassign: ok=%v err=%v", ok, err)
		}
		active, found, err := s.ActiveAssignment("c1")
		if err != nil || !found || active.ExpertID != "e2" {
			t.Fatalf("unexpected active assignment: %+v found=%v err=%v", active, found, err)
		}
	})
}

func TestAssignmentHistoryNewestFirstOnEqualTimestamps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")
		at := baseTime.Add(time.Minute)
		if _, ok, err := s.AssignConversation("c1", "e1", at); err != nil || !ok {
			t.Fatalf("assign: ok=%v err=%v", ok, err)
		}
		if ok, err := s.ReleaseConversation("c1", "e1", at); err != nil || !ok {
			t.Fatalf("release: ok=%v err=%v", ok, err)
		}
		if _, ok, err := s.AssignConversation("c1", "e1", at); err != nil || !ok {
			t.Fatalf("reassign: ok=%v err=%v", ok, err)
		}

		history, err := s.ListAssignmentsByExpert("e1")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 ledger entries, got %d", len(history))
		}
		if history[0].Status != domain.AssignmentActive || history[1].Status != domain.AssignmentResolved {
			t.Fatalf("expected active then resolved, got %s then %s", history[0].Status, history[1].Status)
		}
	})
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")

		const contenders = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, ok, err := s.AssignConversation("c1", "e"+string(rune('a'+i)), baseTime.Add(time.Minute))
				if err != nil {
					t.Errorf("assign %d: %v", i, err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})
}

func TestAppendAutoReplyIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")
		question := domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1", Role: domain.RoleInitiator,
			Content: "help", CreatedAt: baseTime.Add(time.Minute),
		}
		if err := s.AppendMessage(question); err != nil {
			t.Fatalf("append: %v", err)
		}

		reply := domain.Message{
			ID: "m2", ConversationID: "c1", SenderID: "e1", Role: domain.RoleExpert,
			Content: "auto", IsAutoGenerated: true, ReplyToID: "m1", CreatedAt: baseTime.Add(2 * time.Minute),
		}
		written, err := s.AppendAutoReply(reply)
		if err != nil || !written {
			t.Fatalf("first auto reply: written=%v err=%v", written, err)
		}
		if has, err := s.HasAutoReply("m1"); err != nil || !has {
			t.Fatalf("expected auto reply for m1: has=%v err=%v", has, err)
		}
		reply.ID = "m3"
		written, err = s.AppendAutoReply(reply)
		if err != nil || written {
			t.Fatalf("second auto reply must be skipped: written=%v err=%v", written, err)
		}

		msgs, err := s.ListConversationMessages("c1", 0)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}

		human, err := s.HasHumanExpertReply("c1", "e1")
		if err != nil || human {
			t.Fatalf("auto reply must not count as human: human=%v err=%v", human, err)
		}
		if err := s.AppendMessage(domain.Message{
			ID: "m4", ConversationID: "c1", SenderID: "e1", Role: domain.RoleExpert,
			Content: "real", CreatedAt: baseTime.Add(3 * time.Minute),
		}); err != nil {
			t.Fatalf("append expert message: %v", err)
		}
		if human, _ := s.HasHumanExpertReply("c1", "e1"); !human {
			t.Fatalf("expected human reply")
		}

		c, _, _ := s.GetConversation("c1")
		if c.LastMessageAt == nil || !c.LastMessageAt.Equal(baseTime.Add(3*time.Minute)) {
			t.Fatalf("lastMessageAt not bumped: %+v", c.LastMessageAt)
		}
	})
}

func TestListConversationsFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")
		seedConversation(t, s, "c2", "u2")
		seedConversation(t, s, "c3", "u1")
		if _, ok, err := s.AssignConversation("c2", "e1", baseTime.Add(time.Hour)); err != nil || !ok {
			t.Fatalf("assign: ok=%v err=%v", ok, err)
		}

		waiting, err := s.ListConversations(ConversationFilter{Status: domain.StatusWaiting})
		if err != nil {
			t.Fatalf("list waiting: %v", err)
		}
		if len(waiting) != 2 {
			t.Fatalf("expected 2 waiting, got %d", len(waiting))
		}

		mine, err := s.ListConversations(ConversationFilter{AssignedExpertID: "e1"})
		if err != nil || len(mine) != 1 || mine[0].ID != "c2" {
			t.Fatalf("unexpected assigned list: %+v err=%v", mine, err)
		}

		participant, err := s.ListConversations(ConversationFilter{ParticipantID: "e1"})
		if err != nil || len(participant) != 1 {
			t.Fatalf("unexpected participant list: %+v err=%v", participant, err)
		}
		initiated, err := s.ListConversations(ConversationFilter{ParticipantID: "u1"})
		if err != nil || len(initiated) != 2 {
			t.Fatalf("unexpected initiator list: %+v err=%v", initiated, err)
		}

		since := baseTime.Add(30 * time.Minute)
		changed, err := s.ListConversations(ConversationFilter{Since: &since})
		if err != nil || len(changed) != 1 || changed[0].ID != "c2" {
			t.Fatalf("unexpected delta list: %+v err=%v", changed, err)
		}
	})
}

func TestExpertProfiles(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, u := range []domain.User{
			{ID: "e2", Username: "zoe", CreatedAt: baseTime},
			{ID: "e1", Username: "alice", CreatedAt: baseTime},
		} {
			if err := s.SaveUser(u); err != nil {
				t.Fatalf("save user: %v", err)
			}
		}
		// idempotent mirror
		if err := s.SaveUser(domain.User{ID: "e1", Username: "alice", CreatedAt: baseTime}); err != nil {
			t.Fatalf("save user again: %v", err)
		}

		for _, p := range []domain.ExpertProfile{
			{ID: "p1", UserID: "e1", Bio: "billing", KnowledgeBaseLinks: []string{"https://kb/a"}, CreatedAt: baseTime, UpdatedAt: baseTime},
			{ID: "p2", UserID: "e2", Bio: "shipping", CreatedAt: baseTime, UpdatedAt: baseTime},
		} {
			if err := s.SaveExpertProfile(p); err != nil {
				t.Fatalf("save profile: %v", err)
			}
		}

		experts, err := s.ListExperts()
		if err != nil {
			t.Fatalf("list experts: %v", err)
		}
		if len(experts) != 2 || experts[0].Username != "alice" || experts[1].Username != "zoe" {
			t.Fatalf("unexpected experts: %+v", experts)
		}

		updated := domain.ExpertProfile{ID: "ignored", UserID: "e1", Bio: "refunds", KnowledgeBaseLinks: []string{}, UpdatedAt: baseTime.Add(time.Hour)}
		if err := s.SaveExpertProfile(updated); err != nil {
			t.Fatalf("update profile: %v", err)
		}
		p, found, err := s.GetExpertProfile("e1")
		if err != nil || !found {
			t.Fatalf("get profile: found=%v err=%v", found, err)
		}
		if p.ID != "p1" || p.Bio != "refunds" || len(p.KnowledgeBaseLinks) != 0 {
			t.Fatalf("unexpected profile after update: %+v", p)
		}

		u, found, err := s.GetUserByUsername("zoe")
		if err != nil || !found || u.ID != "e2" {
			t.Fatalf("lookup by username: %+v found=%v err=%v", u, found, err)
		}
	})
}

func TestCreateExpertProfileKeepsExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.SaveUser(domain.User{ID: "e1", Username: "alice", CreatedAt: baseTime}); err != nil {
			t.Fatalf("save user: %v", err)
		}
		created, err := s.CreateExpertProfile(domain.ExpertProfile{ID: "p1", UserID: "e1", KnowledgeBaseLinks: []string{}, CreatedAt: baseTime, UpdatedAt: baseTime})
		if err != nil || !created {
			t.Fatalf("first create: created=%v err=%v", created, err)
		}
		if err := s.SaveExpertProfile(domain.ExpertProfile{ID: "p-upd", UserID: "e1", Bio: "billing", KnowledgeBaseLinks: []string{"https://kb/a"}, UpdatedAt: baseTime.Add(time.Minute)}); err != nil {
			t.Fatalf("update: %v", err)
		}

		// a late lazy create must not clobber the update
		created, err = s.CreateExpertProfile(domain.ExpertProfile{ID: "p2", UserID: "e1", KnowledgeBaseLinks: []string{}, CreatedAt: baseTime, UpdatedAt: baseTime})
		if err != nil || created {
			t.Fatalf("second create: created=%v err=%v", created, err)
		}
		p, found, err := s.GetExpertProfile("e1")
		if err != nil || !found {
			t.Fatalf("get profile: found=%v err=%v", found, err)
		}
		if p.ID != "p1" || p.Bio != "billing" || len(p.KnowledgeBaseLinks) != 1 {
			t.Fatalf("profile overwritten: %+v", p)
		}
	})
}

func TestMarkMessageRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedConversation(t, s, "c1", "u1")
		if err := s.AppendMessage(domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1", Role: domain.RoleInitiator,
			Content: "hi", CreatedAt: baseTime,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.MarkMessageRead("m1"); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		msg, found, err := s.GetMessage("m1")
		if err != nil || !found || !msg.IsRead {
			t.Fatalf("expected read message: %+v found=%v err=%v", msg, found, err)
		}
	})
}
