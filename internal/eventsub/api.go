package eventsub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/credential"
)

const (
	defaultAPITimeout  = 10 * time.Second
	subscriptionsPath  = "/eventsub/subscriptions"
	maxListPages       = 100
	errorBodySnipBytes = 4 << 10
)

// APIConfig configures the upstream REST client.
type APIConfig struct {
	// BaseURL is the Helix API root without a trailing slash.
	BaseURL string
	// ClientID is sent as the Client-Id header on every request.
	ClientID string
	// BotUserID selects the credential used for upstream calls and is
	// injected as condition.user_id on chat topics.
	BotUserID string
	// Credentials hands out the Bearer token per request.
	Credentials credential.Source
	// Timeout bounds each call. Defaults to 10s.
	Timeout time.Duration
}

// CreatedSubscription is the upstream acknowledgement of one CREATE.
type CreatedSubscription struct {
	UpstreamID string
	Status     string
	Cost       int
}

// RemoteSubscription is one upstream subscription row from LIST.
type RemoteSubscription struct {
	UpstreamID string
	ChannelID  string
	Topic      string
	Status     string
	Cost       int
}

// APIClient calls the upstream EventSub REST endpoints with a fresh Bearer
// token per request.
type APIClient struct {
	cfg     APIConfig
	client  *http.Client
	metrics *instruments
}

// NewAPIClient constructs an APIClient.
func NewAPIClient(cfg APIConfig, metrics *instruments) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAPITimeout
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &APIClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
	}
}

type createCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id,omitempty"`
}

type createTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type createRequest struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Condition createCondition `json:"condition"`
	Transport createTransport `json:"transport"`
}

type remoteRecord struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Cost      int       `json:"cost"`
	Condition Condition `json:"condition"`
}

type subscriptionsResponse struct {
	Data       []remoteRecord `json:"data"`
	Total      int            `json:"total"`
	TotalCost  int            `json:"total_cost"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// Create registers one websocket subscription under the given session.
func (c *APIClient) Create(ctx context.Context, topic, version, channelID, sessionID string) (CreatedSubscription, error) {
	topic = strings.TrimSpace(topic)
	channelID = strings.TrimSpace(channelID)
	sessionID = strings.TrimSpace(sessionID)
	if topic == "" || channelID == "" || sessionID == "" {
		return CreatedSubscription{}, errs.New("hub/api", errs.CodeInvalid,
			errs.WithMessage("topic, channel id, and session id required"))
	}
	if strings.TrimSpace(version) == "" {
		version = "1"
	}

	reqBody := createRequest{
		Type:      topic,
		Version:   version,
		Condition: createCondition{BroadcasterUserID: channelID},
		Transport: createTransport{Method: "websocket", SessionID: sessionID},
	}
	// Chat topics are scoped to the reading user as well as the channel.
	if strings.HasPrefix(topic, "channel.chat.") {
		reqBody.Condition.UserID = c.cfg.BotUserID
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return CreatedSubscription{}, fmt.Errorf("encode create request: %w", err)
	}

	resp, err := c.do(ctx, "create", http.MethodPost, c.cfg.BaseURL+subscriptionsPath, bytes.NewReader(payload))
	if err != nil {
		c.recordRequest(ctx, "create", "error")
		return CreatedSubscription{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusAccepted {
		c.recordRequest(ctx, "create", outcomeForStatus(resp.StatusCode))
		return CreatedSubscription{}, c.statusError("create subscription", resp, map[string]string{
			"topic":      topic,
			"channel_id": channelID,
		})
	}

	var decoded subscriptionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.recordRequest(ctx, "create", "error")
		return CreatedSubscription{}, errs.New("hub/api", errs.CodeProtocol,
			errs.WithMessage("decode create response"),
			errs.WithCause(err))
	}
	if len(decoded.Data) == 0 {
		c.recordRequest(ctx, "create", "error")
		return CreatedSubscription{}, errs.New("hub/api", errs.CodeProtocol,
			errs.WithMessage("create response missing data"))
	}
	c.recordRequest(ctx, "create", "success")
	record := decoded.Data[0]
	return CreatedSubscription{
		UpstreamID: record.ID,
		Status:     record.Status,
		Cost:       record.Cost,
	}, nil
}

// Delete removes one upstream subscription. A 404 comes back as
// CodeNotFound; callers treat it as already deleted.
func (c *APIClient) Delete(ctx context.Context, upstreamID string) error {
	upstreamID = strings.TrimSpace(upstreamID)
	if upstreamID == "" {
		return errs.New("hub/api", errs.CodeInvalid, errs.WithMessage("upstream id required"))
	}

	endpoint := c.cfg.BaseURL + subscriptionsPath + "?id=" + url.QueryEscape(upstreamID)
	resp, err := c.do(ctx, "delete", http.MethodDelete, endpoint, nil)
	if err != nil {
		c.recordRequest(ctx, "delete", "error")
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusNoContent {
		c.recordRequest(ctx, "delete", outcomeForStatus(resp.StatusCode))
		return c.statusError("delete subscription", resp, map[string]string{
			"upstream_id": upstreamID,
		})
	}
	c.recordRequest(ctx, "delete", "success")
	return nil
}

// List pages through every upstream subscription. The hub rehydrates its
// active table from this after a restart.
func (c *APIClient) List(ctx context.Context) ([]RemoteSubscription, error) {
	var (
		out    []RemoteSubscription
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		endpoint := c.cfg.BaseURL + subscriptionsPath
		if cursor != "" {
			endpoint += "?after=" + url.QueryEscape(cursor)
		}
		resp, err := c.do(ctx, "list", http.MethodGet, endpoint, nil)
		if err != nil {
			c.recordRequest(ctx, "list", "error")
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			c.recordRequest(ctx, "list", outcomeForStatus(resp.StatusCode))
			err := c.statusError("list subscriptions", resp, nil)
			_ = resp.Body.Close()
			return nil, err
		}

		var decoded subscriptionsResponse
		err = json.NewDecoder(resp.Body).Decode(&decoded)
		_ = resp.Body.Close()
		if err != nil {
			c.recordRequest(ctx, "list", "error")
			return nil, errs.New("hub/api", errs.CodeProtocol,
				errs.WithMessage("decode list response"),
				errs.WithCause(err))
		}

		for _, record := range decoded.Data {
			out = append(out, RemoteSubscription{
				UpstreamID: record.ID,
				ChannelID:  record.Condition.ChannelID(),
				Topic:      record.Type,
				Status:     record.Status,
				Cost:       record.Cost,
			})
		}

		next := strings.TrimSpace(decoded.Pagination.Cursor)
		if next == "" || next == cursor {
			break
		}
		cursor = next
	}
	c.recordRequest(ctx, "list", "success")
	return out, nil
}

func (c *APIClient) do(ctx context.Context, op, method, endpoint string, body io.Reader) (*http.Response, error) {
	token, err := c.cfg.Credentials.Token(ctx, c.cfg.BotUserID)
	if err != nil {
		return nil, err
	}
	if token.NeedsReauth {
		return nil, errs.New("hub/api", errs.CodeAuth,
			errs.WithMessage("credential needs re-authorization"),
			errs.WithField("user_id", c.cfg.BotUserID))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Client-Id", c.cfg.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if c.metrics != nil {
		c.metrics.recordRequestDuration(ctx, op, time.Since(start))
	}
	if err != nil {
		return nil, errs.New("hub/api", errs.CodeNetwork,
			errs.WithMessage("upstream request failed"),
			errs.WithCause(err))
	}
	return resp, nil
}

// statusError classifies a non-success upstream response. The body is read
// for diagnostics, so callers must not have consumed it.
func (c *APIClient) statusError(op string, resp *http.Response, fields map[string]string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnipBytes))
	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage(op + " rejected"),
		errs.WithRawMessage(strings.TrimSpace(string(body))),
	}
	for key, value := range fields {
		opts = append(opts, errs.WithField(key, value))
	}

	var code errs.Code
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		code = errs.CodeCostExceeded
		if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
			opts = append(opts, errs.WithField("retry_after", retryAfter))
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		code = errs.CodeAuth
	case http.StatusNotFound:
		code = errs.CodeNotFound
	default:
		code = errs.CodeUpstream
	}
	return errs.New("hub/api", code, opts...)
}

func outcomeForStatus(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "cost_exceeded"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}

func (c *APIClient) recordRequest(ctx context.Context, op, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.recordUpstreamRequest(ctx, op, outcome)
}
