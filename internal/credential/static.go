package credential

import (
	"context"
	"strings"
	"sync"

	"github.com/perchbot/perch/errs"
)

// ReauthReport records one ReportReauth call made against a StaticSource.
type ReauthReport struct {
	UserID string
	Reason string
}

// StaticSource serves tokens from memory. It backs tests and single-box
// deployments that run without a credential store.
type StaticSource struct {
	mu      sync.RWMutex
	tokens  map[string]Token
	reports []ReauthReport
}

// NewStaticSource constructs a StaticSource seeded with the given tokens,
// keyed by user id.
func NewStaticSource(tokens map[string]Token) *StaticSource {
	copied := make(map[string]Token, len(tokens))
	for id, tok := range tokens {
		if strings.TrimSpace(tok.UserID) == "" {
			tok.UserID = id
		}
		copied[id] = tok
	}
	return &StaticSource{tokens: copied}
}

// Token returns the stored credential for userID.
func (s *StaticSource) Token(_ context.Context, userID string) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, errs.New("credential", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[userID]
	if !ok {
		return Token{}, errs.New("credential", errs.CodeNotFound,
			errs.WithMessage("no credential for user"),
			errs.WithField("user_id", userID))
	}
	return tok, nil
}

// ReportReauth flags the stored token and records the report.
func (s *StaticSource) ReportReauth(_ context.Context, userID, reason string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errs.New("credential", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[userID]; ok {
		tok.NeedsReauth = true
		s.tokens[userID] = tok
	}
	s.reports = append(s.reports, ReauthReport{UserID: userID, Reason: reason})
	return nil
}

// SetToken stores or replaces the credential for a user.
func (s *StaticSource) SetToken(userID string, tok Token) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	if strings.TrimSpace(tok.UserID) == "" {
		tok.UserID = userID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = tok
}

// Reports returns a copy of every recorded reauth report.
func (s *StaticSource) Reports() []ReauthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReauthReport(nil), s.reports...)
}

var _ Source = (*StaticSource)(nil)
