package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
)

// ProfileUpdate carries the fields of a profile update. A nil field is left
// unchanged.
type ProfileUpdate struct {
	Bio                *string
	KnowledgeBaseLinks *[]string
}

// GetProfile returns the user's expert profile, creating an empty one on first
// access.
func (a *App) GetProfile(ctx context.Context, user domain.User) (domain.ExpertProfile, error) {
	profile, ok, err := a.store.GetExpertProfile(user.ID)
	if err != nil {
		return domain.ExpertProfile{}, fmt.Errorf("load profile: %w", err)
	}
	if ok {
		return profile, nil
	}
	now := a.now()
	profile = domain.ExpertProfile{
		ID:                 util.NewID(),
		UserID:             user.ID,
		KnowledgeBaseLinks: []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created, err := a.store.CreateExpertProfile(profile)
	if err != nil {
		return domain.ExpertProfile{}, fmt.Errorf("create profile: %w", err)
	}
	if created {
		util.LoggerFromContext(ctx).Info("expert profile created", "user_id", user.ID)
		return profile, nil
	}
	// lost the insert to a concurrent first access or update
	profile, _, err = a.store.GetExpertProfile(user.ID)
	if err != nil {
		return domain.ExpertProfile{}, fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}

// UpdateProfile applies upd to the user's profile. Links are normalized.
func (a *App) UpdateProfile(ctx context.Context, user domain.User, upd ProfileUpdate) (domain.ExpertProfile, error) {
	if upd.Bio == nil && upd.KnowledgeBaseLinks == nil {
		return domain.ExpertProfile{}, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	profile, err := a.GetProfile(ctx, user)
	if err != nil {
		return domain.ExpertProfile{}, err
	}
	if upd.Bio != nil {
		profile.Bio = strings.TrimSpace(*upd.Bio)
	}
	if upd.KnowledgeBaseLinks != nil {
		profile.KnowledgeBaseLinks = NormalizeLinks(*upd.KnowledgeBaseLinks)
	}
	profile.UpdatedAt = a.now()
	if err := a.store.SaveExpertProfile(profile); err != nil {
		return domain.ExpertProfile{}, fmt.Errorf("save profile: %w", err)
	}
	return profile, nil
}

// NormalizeLinks trims entries, drops blanks, prefixes https:// when no scheme
// is given, keeps only absolute http/https URLs with a host and removes
// duplicates while preserving order.
func NormalizeLinks(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		s := strings.TrimSpace(item)
		if s == "" {
			continue
		}
		if !hasScheme(s) {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil || !validLink(u) {
			continue
		}
		normalized := u.String()
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// hasScheme reports whether s starts with a URI scheme. "host:8080/path" is
// a host with a port, not a scheme.
func hasScheme(s string) bool {
	if strings.Contains(s, "://") {
		return true
	}
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return false
	}
	rest := s[i+1:]
	if rest != "" && rest[0] >= '0' && rest[0] <= '9' {
		return false
	}
	for j, r := range s[:i] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case j > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

func validLink(u *url.URL) bool {
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return false
	}
	if u.Opaque != "" || u.Hostname() == "" || strings.HasSuffix(u.Host, ":") {
		return false
	}
	for _, r := range u.Port() {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
