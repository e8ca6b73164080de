// Package pipeline is the response side of the inbound buffer: it receives one
// coalesced message per sender and hands it on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"wacrm/internal/personalize"
	"wacrm/internal/storage"
	logx "wacrm/pkg/logx"
)

const DefaultTimeout = 15 * time.Second

var ErrNoURL = errors.New("pipeline: webhook url is required")

// Consumer matches inbound.Consumer.
type Consumer func(ctx context.Context, senderID, text string) error

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Message is the JSON body posted to the webhook.
type Message struct {
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Forwarder posts coalesced messages to an HTTP webhook. It never retries;
// a failed post surfaces as a consumer error.
type Forwarder struct {
	url  string
	http *resty.Client
	log  logx.Logger
}

func NewForwarder(cfg Config, log logx.Logger) (*Forwarder, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Forwarder{url: u, http: hc, log: log.With(logx.String("comp", "pipeline"))}, nil
}

func (f *Forwarder) Consume(ctx context.Context, senderID, text string) error {
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(Message{SenderID: senderID, Text: text, At: time.Now().UTC()}).
		Post(f.url)
	if err != nil {
		return fmt.Errorf("pipeline: post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("pipeline: webhook returned http %d", resp.StatusCode())
	}
	f.log.Debug("message forwarded", logx.Phone("sender", senderID), logx.Int("len", len(text)))
	return nil
}

// LogConsumer is used when no webhook is configured.
func LogConsumer(log logx.Logger) Consumer {
	log = log.With(logx.String("comp", "pipeline"))
	return func(ctx context.Context, senderID, text string) error {
		log.Info("inbound message", logx.Phone("sender", senderID), logx.Int("len", len(text)))
		return nil
	}
}

// OptOut records senders who reply with the unsubscribe keyword and stops
// those messages from reaching next.
func OptOut(st storage.Store, log logx.Logger, next Consumer) Consumer {
	if st == nil {
		return next
	}
	return func(ctx context.Context, senderID, text string) error {
		if !personalize.IsOptOut(text) {
			return next(ctx, senderID, text)
		}
		if err := st.PutUnsubscribe(ctx, senderID, time.Now()); err != nil {
			return fmt.Errorf("pipeline: unsubscribe %s: %w", senderID, err)
		}
		log.Info("recipient unsubscribed by reply", logx.Phone("sender", senderID))
		return nil
	}
}
