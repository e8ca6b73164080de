// Package evolution talks to an Evolution API WhatsApp gateway.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

const (
	DefaultCountryCode = "90"
	DefaultTimeout     = 30 * time.Second
	defaultTypingDelay = 1200 * time.Millisecond

	groupSuffix      = "@g.us"
	individualSuffix = "@s.whatsapp.net"
)

var (
	ErrNotConfigured = errors.New("evolution: base url and instance are required")
	ErrInvalidNumber = errors.New("evolution: invalid recipient number")
)

// Config selects the gateway instance. APIKey is sent as the "apikey" header.
type Config struct {
	BaseURL     string
	APIKey      string
	Instance    string
	CountryCode string
	Timeout     time.Duration
	// TypingDelay is forwarded as options.delay; the gateway shows
	// "composing" for that long before delivering.
	TypingDelay time.Duration
}

// StatusError is returned for non-2xx gateway replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("evolution: http %d: %s", e.Code, body)
}

// Client implements transport.Sender. It never retries.
type Client struct {
	cfg  Config
	http *resty.Client
	log  logx.Logger
}

var _ transport.Sender = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Instance = strings.TrimSpace(cfg.Instance)
	if cfg.BaseURL == "" || cfg.Instance == "" {
		return nil, ErrNotConfigured
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TypingDelay < 0 {
		cfg.TypingDelay = 0
	} else if cfg.TypingDelay == 0 {
		cfg.TypingDelay = defaultTypingDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("apikey", cfg.APIKey)

	return &Client{cfg: cfg, http: hc, log: log.With(logx.String("comp", "evolution"))}, nil
}

type sendTextOptions struct {
	Delay    int64  `json:"delay"`
	Presence string `json:"presence"`
}

type sendTextRequest struct {
	Number  string          `json:"number"`
	Text    string          `json:"text"`
	Options sendTextOptions `json:"options"`
}

// Send posts one text message to /message/sendText/{instance}.
func (c *Client) Send(ctx context.Context, to transport.Recipient, text string) error {
	number, err := Address(to, c.cfg.CountryCode)
	if err != nil {
		return err
	}
	body := sendTextRequest{
		Number:  number,
		Text:    text,
		Options: sendTextOptions{Delay: c.cfg.TypingDelay.Milliseconds(), Presence: "composing"},
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/message/sendText/" + c.cfg.Instance)
	if err != nil {
		return fmt.Errorf("evolution: send to %s: %w", number, err)
	}
	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	c.log.Debug("message sent", logx.String("number", number), logx.Duration("took", time.Since(start)))
	return nil
}

type connectionState struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

// State returns the instance connection state ("open", "connecting",
// "close").
func (c *Client) State(ctx context.Context) (string, error) {
	var out connectionState
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/instance/connectionState/" + c.cfg.Instance)
	if err != nil {
		return "", fmt.Errorf("evolution: connection state: %w", err)
	}
	if resp.IsError() {
		return "", &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return out.Instance.State, nil
}

// Address converts a recipient to the gateway's number field.
//
// Groups keep their id and gain the @g.us suffix. Individuals are reduced
// to digits; a leading 0 is replaced by the country code and numbers not
// already starting with it get it prepended.
func Address(r transport.Recipient, countryCode string) (string, error) {
	id := strings.TrimSpace(r.ID)
	if r.Kind == transport.Group {
		if id == "" {
			return "", ErrInvalidNumber
		}
		if !strings.HasSuffix(id, groupSuffix) {
			id += groupSuffix
		}
		return id, nil
	}
	return NormalizeNumber(id, countryCode)
}

func NormalizeNumber(raw, countryCode string) (string, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), individualSuffix)
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n := b.String()
	if len(n) < 7 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	switch {
	case strings.HasPrefix(n, "0"):
		n = countryCode + n[1:]
	case !strings.HasPrefix(n, countryCode):
		n = countryCode + n
	}
	return n, nil
}
