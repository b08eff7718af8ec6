package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/perchbot/perch/errs"
)

const (
	defaultHTTPTimeout = 5 * time.Second
	defaultCacheTTL    = 60 * time.Second
)

// HTTPSourceConfig configures an HTTPSource.
type HTTPSourceConfig struct {
	// Endpoint is the credential store base URL without a trailing slash.
	Endpoint string
	// Timeout bounds each HTTP call. Defaults to 5s.
	Timeout time.Duration
	// CacheTTL bounds how long a fetched token is served from memory.
	// Defaults to 60s.
	CacheTTL time.Duration
}

func (c HTTPSourceConfig) withDefaults() HTTPSourceConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	return c
}

type cachedToken struct {
	token     Token
	fetchedAt time.Time
}

// HTTPSource is the credential store HTTP client. A small TTL cache keeps
// hot paths from hammering the store on every subscription create.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewHTTPSource constructs an HTTPSource for the given store endpoint.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	cfg = cfg.withDefaults()
	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       cfg.Timeout,
		},
		now:   time.Now,
		cache: make(map[string]cachedToken),
	}
}

// Token fetches the credential for userID, serving cached copies younger
// than the TTL. Tokens flagged NeedsReauth bypass the cache so recovery is
// visible as soon as the store clears the flag.
func (s *HTTPSource) Token(ctx context.Context, userID string) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, errs.New("credential", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if tok, ok := s.cached(userID); ok {
		return tok, nil
	}

	endpoint := s.cfg.Endpoint + "/v1/token/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, errs.New("credential", errs.CodeNetwork,
			errs.WithMessage("token fetch failed"),
			errs.WithField("user_id", userID),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		tok, err := decodeToken(resp.Body, userID)
		if err != nil {
			return Token{}, err
		}
		s.store(userID, tok)
		return tok, nil
	case http.StatusConflict:
		// The store keeps serving the stale token body with 409 until the
		// operator re-authorizes. Callers see NeedsReauth and pause.
		tok, err := decodeToken(resp.Body, userID)
		if err != nil {
			tok = Token{UserID: userID}
		}
		tok.NeedsReauth = true
		return tok, nil
	case http.StatusNotFound:
		return Token{}, errs.New("credential", errs.CodeNotFound,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("no credential for user"),
			errs.WithField("user_id", userID))
	case http.StatusUnauthorized, http.StatusForbidden:
		return Token{}, errs.New("credential", errs.CodeAuth,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("credential store rejected caller"),
			errs.WithField("user_id", userID))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Token{}, errs.New("credential", errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("token fetch failed"),
			errs.WithRawMessage(strings.TrimSpace(string(body))),
			errs.WithField("user_id", userID))
	}
}

// ReportReauth posts an upstream credential rejection to the store and
// invalidates the local cache entry so the next Token call refetches.
func (s *HTTPSource) ReportReauth(ctx context.Context, userID, reason string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errs.New("credential", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	s.invalidate(userID)

	payload, err := json.Marshal(map[string]string{"reason": strings.TrimSpace(reason)})
	if err != nil {
		return fmt.Errorf("encode reauth report: %w", err)
	}
	endpoint := s.cfg.Endpoint + "/v1/token/" + url.PathEscape(userID) + "/reauth"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create reauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New("credential", errs.CodeNetwork,
			errs.WithMessage("reauth report failed"),
			errs.WithField("user_id", userID),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return errs.New("credential", errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("reauth report rejected"),
			errs.WithRawMessage(strings.TrimSpace(string(body))),
			errs.WithField("user_id", userID))
	}
	return nil
}

func (s *HTTPSource) cached(userID string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[userID]
	if !ok {
		return Token{}, false
	}
	if s.now().Sub(entry.fetchedAt) >= s.cfg.CacheTTL {
		delete(s.cache, userID)
		return Token{}, false
	}
	return entry.token, true
}

func (s *HTTPSource) store(userID string, tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[userID] = cachedToken{token: tok, fetchedAt: s.now()}
}

func (s *HTTPSource) invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
}

func decodeToken(body io.Reader, userID string) (Token, error) {
	var tok Token
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(&tok); err != nil {
		return Token{}, errs.New("credential", errs.CodeProtocol,
			errs.WithMessage("decode token response"),
			errs.WithField("user_id", userID),
			errs.WithCause(err))
	}
	if strings.TrimSpace(tok.UserID) == "" {
		tok.UserID = userID
	}
	if strings.TrimSpace(tok.AccessToken) == "" && !tok.NeedsReauth {
		return Token{}, errs.New("credential", errs.CodeProtocol,
			errs.WithMessage("token response missing access token"),
			errs.WithField("user_id", userID))
	}
	return tok, nil
}

var _ Source = (*HTTPSource)(nil)
