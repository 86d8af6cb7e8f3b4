package recommend

import (
	"context"
	"fmt"
	"strings"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

// FallbackReply is the exact text an auto-reply must use when the expert's
// profile does not answer the question.
const FallbackReply = "Thanks for your message! Let me check and get back to you shortly."

const (
	recommendSystemPrompt = "You are an assistant that selects the best expert for a help desk conversation."
	summarizeSystemPrompt = "You summarize help desk conversations for the expert taking them over."
	autoReplySystemPrompt = "You draft replies on behalf of a help desk expert. You only state facts found in the expert's profile."
)

// RecommendExpert asks the model to pick one of candidates for a new
// conversation titled title. It returns the chosen expert's user ID, or false
// when the model fails or names nobody on the roster.
func (g *Gateway) RecommendExpert(ctx context.Context, title string, candidates []domain.Expert) (string, bool) {
	expertID, ok, _ := g.PickExpert(ctx, title, candidates)
	return expertID, ok
}

// PickExpert is RecommendExpert for callers that retry: a failed backend call
// is returned as ErrExternal instead of being folded into "no match". The
// disabled backend and an unknown username are not errors.
func (g *Gateway) PickExpert(ctx context.Context, title string, candidates []domain.Expert) (string, bool, error) {
	if len(candidates) == 0 {
		return "", false, nil
	}
	var b strings.Builder
	b.WriteString("A new conversation has been created.\n\n")
	fmt.Fprintf(&b, "Title: %q\n\nAvailable experts:\n", title)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- Expert: %s, KB Links: %s, Bio: %s\n",
			c.Username, strings.Join(c.Profile.KnowledgeBaseLinks, ", "), c.Profile.Bio)
	}
	b.WriteString("\nBased on the topic, recommend the best expert.\nReturn ONLY the username.")

	resp, err := g.call(ctx, "recommend", recommendSystemPrompt, b.String())
	if err != nil {
		return "", false, err
	}
	if resp.IsFallback {
		return "", false, nil
	}
	expertID, ok := matchUsername(resp.OutputText, candidates)
	if !ok {
		util.LoggerFromContext(ctx).Info("llm recommended unknown expert", "output", resp.OutputText)
	}
	return expertID, ok, nil
}

// matchUsername resolves raw model output to a candidate: exact match first,
// then case-insensitive.
func matchUsername(raw string, candidates []domain.Expert) (string, bool) {
	name := cleanUsername(raw)
	if name == "" {
		return "", false
	}
	for _, c := range candidates {
		if c.Username == name {
			return c.Profile.UserID, true
		}
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Username, name) {
			return c.Profile.UserID, true
		}
	}
	return "", false
}

func cleanUsername(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.Trim(name, "\"'`*")
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	name = strings.TrimRight(name, ".,;:!?")
	return strings.TrimSpace(strings.Trim(name, "\"'`*"))
}

// Summarize produces a short summary of a conversation transcript. It returns
// false for an empty transcript or any backend failure.
func (g *Gateway) Summarize(ctx context.Context, title string, messages []domain.Message) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation title: %q\n\nTranscript:\n", title)
	for _, m := range messages {
		label := "Initiator"
		if m.Role == domain.RoleExpert {
			label = "Expert"
			if m.IsAutoGenerated {
				label = "Expert (auto)"
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.TrimSpace(m.Content))
	}
	b.WriteString("\nSummarize the conversation in at most three sentences.")

	resp, err := g.call(ctx, "summarize", summarizeSystemPrompt, b.String())
	if err != nil || resp.IsFallback {
		return "", false
	}
	return resp.OutputText, true
}

// AutoReplyInput carries what an auto-reply may draw on.
type AutoReplyInput struct {
	Title              string
	ExpertUsername     string
	Bio                string
	KnowledgeBaseLinks []string
	Question           string
}

// AutoReply drafts an answer to the initiator's latest message using only the
// expert's profile. The model is told to answer with FallbackReply when the
// profile does not cover the question. Returns false on backend failure.
func (g *Gateway) AutoReply(ctx context.Context, in AutoReplyInput) (string, bool) {
	links := "(none)"
	if len(in.KnowledgeBaseLinks) > 0 {
		links = strings.Join(in.KnowledgeBaseLinks, "\n")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are replying as expert %s.\n\n", in.ExpertUsername)
	fmt.Fprintf(&b, "Expert bio:\n%s\n\nKnowledge base links:\n%s\n\n", strings.TrimSpace(in.Bio), links)
	fmt.Fprintf(&b, "Conversation title: %q\n\nLatest message from the user:\n%s\n\n", in.Title, strings.TrimSpace(in.Question))
	b.WriteString("Answer only with information from the bio and knowledge base links above. ")
	fmt.Fprintf(&b, "If they do not answer the question, reply exactly: %s", FallbackReply)

	resp, err := g.call(ctx, "auto_reply", autoReplySystemPrompt, b.String())
	if err != nil || resp.IsFallback {
		return "", false
	}
	return resp.OutputText, true
}
