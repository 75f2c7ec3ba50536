package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "dmcast/pkg/logx"
)

const (
	defaultAPIBase = "https://discord.com/api/v10"
	defaultTimeout = 15 * time.Second

	// membersPageLimit is the platform maximum for one member-list page.
	membersPageLimit = 1000
)

type Config struct {
	// APIBase overrides the REST base URL (tests, proxies). No trailing slash.
	APIBase string
	Timeout time.Duration
}

// Session is the bot credential a client acts under. Sessions are values
// scoped to one request or one job; nothing process-global holds one.
type Session struct {
	Token string
}

// NewPacer builds the process-wide minimum-spacing limiter shared by every
// client in this process. Burst 1: a call may never jump the spacing floor,
// even right after an idle period.
func NewPacer(minInterval time.Duration) *rate.Limiter {
	if minInterval <= 0 {
		minInterval = 50 * time.Millisecond
	}
	return rate.NewLimiter(rate.Every(minInterval), 1)
}

// Client issues authenticated REST calls for one Session.
//
// The client enforces the shared spacing floor before every call and maps
// failures to tagged APIErrors. It never retries; retry policy belongs to
// the dispatch engine.
type Client struct {
	base    string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, sess Session, limiter *rate.Limiter, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		token:   strings.TrimSpace(sess.Token),
		httpc:   &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log,
	}
}

// CurrentUser fetches the bot's own identity. Used to verify a credential
// before any broadcast work starts.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ListGuilds lists the communities the bot belongs to.
func (c *Client) ListGuilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := c.do(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// ListMembers fetches the full member list of a guild, following the
// pagination cursor until a short page is returned. Order is as returned by
// the platform.
func (c *Client) ListMembers(ctx context.Context, guildID string) ([]Member, error) {
	var all []Member
	after := ""
	for {
		path := "/guilds/" + guildID + "/members?limit=" + strconv.Itoa(membersPageLimit)
		if after != "" {
			path += "&after=" + after
		}
		var page []Member
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < membersPageLimit {
			return all, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// CreateDMChannel opens (or reuses) the direct-message channel with a user
// and returns its channel id.
func (c *Client) CreateDMChannel(ctx context.Context, userID string) (string, error) {
	body := map[string]string{"recipient_id": userID}
	var ch channel
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// SendMessage posts plain text to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Kind: KindNetwork, cause: err}
		}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindMalformed, cause: err}
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &APIError{Kind: KindNetwork, cause: err}
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetwork, cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &APIError{Kind: KindNetwork, Status: resp.StatusCode, cause: err}
	}

	c.log.Trace("api call",
		logx.String("method", method),
		logx.String("path", redactPath(path)),
		logx.Int("status", resp.StatusCode),
		logx.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Kind: KindMalformed, Status: resp.StatusCode, cause: err}
		}
		return nil
	}

	return c.statusError(resp, raw)
}

func (c *Client) statusError(resp *http.Response, raw []byte) error {
	var eb apiErrorBody
	_ = json.Unmarshal(raw, &eb) // best effort; failures leave zero values

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &APIError{Kind: KindUnauthorized, Status: resp.StatusCode, Message: eb.Message}
	case http.StatusForbidden:
		return &APIError{Kind: KindForbidden, Status: resp.StatusCode, Message: eb.Message}
	case http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Status: resp.StatusCode, Message: eb.Message}
	case http.StatusTooManyRequests:
		return &APIError{
			Kind:       KindRateLimited,
			Status:     resp.StatusCode,
			Message:    eb.Message,
			RetryAfter: retryAfterFrom(resp, eb),
		}
	default:
		return &APIError{Kind: KindPlatform, Status: resp.StatusCode, Message: eb.Message}
	}
}

// retryAfterFrom prefers the JSON retry_after field (fractional seconds) and
// falls back to the Retry-After header. A missing signal defaults to 1s so
// callers always have a sane wait.
func retryAfterFrom(resp *http.Response, eb apiErrorBody) time.Duration {
	if eb.RetryAfter > 0 {
		return time.Duration(eb.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

// redactPath trims query strings so member cursors and limits don't clutter
// trace logs.
func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
