// Package webhook delivers signed job callbacks.
//
// When a job with a callback URL reaches a terminal state, Notify enqueues a
// webhook.deliver task. The task POSTs the job outcome as JSON with an
// X-Signature header holding hex(HMAC-SHA256(secret, body)). Transient
// failures (network errors, 408, 429, 5xx) are retried by the task runtime
// with exponential backoff; other 4xx responses drop the delivery.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/connectivity"
	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/taskrt"
)

// TaskDeliver is the task kind that performs one delivery.
const TaskDeliver = "webhook.deliver"

// SignatureHeader carries the hex HMAC of the body.
const SignatureHeader = "X-Signature"

const userAgent = "dastyar-webhook/1"

// ErrRejected is returned when the receiver answered with a non-retryable
// status.
var ErrRejected = errors.New("webhook: delivery rejected")

// Payload is the JSON body sent to the callback URL.
type Payload struct {
	Event           string   `json:"event"`
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	Kind            string   `json:"kind"`
	DisplayFilename string   `json:"display_filename"`
	RawText         *string  `json:"raw_text"`
	AIText          *string  `json:"ai_text"`
	FinalText       *string  `json:"final_text"`
	TokenUsage      *int     `json:"token_usage"`
	Charged         *float64 `json:"charged"`
	Error           string   `json:"error,omitempty"`
	FinishedAt      int64    `json:"finished_at,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, body []byte, signature string) bool {
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// Runtime is the part of the task runtime the notifier uses.
type Runtime interface {
	Register(name string, h taskrt.Handler, opts taskrt.Options)
	Dispatch(ctx context.Context, kind string, payload []byte) (string, error)
}

// JobReader loads the job being reported.
type JobReader interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// Notifier enqueues and performs deliveries.
type Notifier struct {
	cfg      config.WebhookConfig
	rt       Runtime
	jobs     JobReader
	accounts *accounts.Store
	events   *observability.EventLogger
	call     connectivity.Handler
	backoff  connectivity.Backoff
	logger   *slog.Logger
}

// New builds a Notifier. A nil client gets guard.NewClient with the
// configured timeout and private-address policy. Redirects are never
// followed: a 3xx answer is a rejected delivery.
func New(cfg config.WebhookConfig, rt Runtime, jr JobReader, acct *accounts.Store, events *observability.EventLogger, client *http.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if client == nil {
		client = guard.NewClient(guard.ClientOptions{Timeout: cfg.Timeout, AllowPrivate: cfg.AllowPrivate})
	} else {
		c := *client
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
		client = &c
	}
	call := connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.Logging(logger, "webhook"),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTP(client))
	return &Notifier{
		cfg:      cfg,
		rt:       rt,
		jobs:     jr,
		accounts: acct,
		events:   events,
		call:     call,
		backoff:  connectivity.Exponential(5*time.Second, 5*time.Second, 5*time.Minute),
		logger:   logger,
	}
}

// Register declares the delivery task kind.
func (n *Notifier) Register() {
	n.rt.Register(TaskDeliver, n.deliver, taskrt.Options{
		Soft:        n.cfg.Timeout + 5*time.Second,
		Hard:        n.cfg.Timeout + 30*time.Second,
		MaxAttempts: n.cfg.Attempts,
		Concurrency: 2,
		OnGiveUp: func(ctx context.Context, t *taskrt.Task, cause error) {
			var p jobs.TaskPayload
			json.Unmarshal(t.Payload, &p)
			n.logger.Warn("webhook: delivery dropped", "job_id", p.JobID, "error", cause)
			n.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:  observability.EventWebhookDropped,
				EntityType: "job",
				EntityID:   p.JobID,
				Action:     "deliver",
				Details:    map[string]any{"error": cause.Error(), "attempts": t.Attempt},
			})
		},
	})
}

// Notify is the jobs.OnTerminal hook. Jobs without a callback URL are
// ignored. Enqueue failures are logged: the job outcome is already durable.
func (n *Notifier) Notify(ctx context.Context, j *jobs.Job) {
	if j.CallbackURL == "" {
		return
	}
	b, _ := json.Marshal(jobs.TaskPayload{JobID: j.ID})
	if _, err := n.rt.Dispatch(context.WithoutCancel(ctx), TaskDeliver, b); err != nil {
		n.logger.Error("webhook: enqueue failed", "job_id", j.ID, "error", err)
	}
}

// Build renders the payload for j.
func (n *Notifier) Build(ctx context.Context, j *jobs.Job) (*Payload, error) {
	p := &Payload{
		Event:           "job." + j.Status,
		JobID:           j.ID,
		Status:          j.Status,
		Kind:            j.Kind,
		DisplayFilename: j.DisplayFilename,
		RawText:         j.RawText,
		AIText:          j.AIText,
		FinalText:       j.FinalText,
		TokenUsage:      j.TokenUsage,
		Error:           j.Error,
	}
	if j.FinishedAt != nil {
		p.FinishedAt = j.FinishedAt.Unix()
	}
	if n.accounts != nil {
		charge, err := n.accounts.JobCharge(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if charge != nil {
			amount := -charge.Amount
			p.Charged = &amount
		}
	}
	return p, nil
}

func (n *Notifier) deliver(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var tp jobs.TaskPayload
	if err := json.Unmarshal(t.Payload, &tp); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	j, err := n.jobs.Get(ctx, tp.JobID)
	if err != nil {
		return nil, err
	}
	if j.CallbackURL == "" {
		return nil, nil
	}
	// The URL was checked at submission; DNS may have changed since.
	if err := guard.ValidateURL(j.CallbackURL, n.cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("webhook: callback url: %w", err)
	}

	p, err := n.Build(ctx, j)
	if err != nil {
		return nil, taskrt.Retry(err, n.backoff(t.Attempt))
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	req := &connectivity.Request{
		Method: http.MethodPost,
		URL:    j.CallbackURL,
		Header: http.Header{
			"Content-Type": {"application/json; charset=utf-8"},
			"User-Agent":   {userAgent},
		},
		Body: body,
	}
	if n.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(n.cfg.Secret), body))
	}

	if _, err := n.call(ctx, req); err != nil {
		if connectivity.IsTransient(err) {
			return nil, taskrt.Retry(err, n.backoff(t.Attempt))
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	n.logger.Info("webhook: delivered", "job_id", j.ID, "attempt", t.Attempt)
	n.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventWebhookSent,
		EntityType: "job",
		EntityID:   j.ID,
		UserID:     j.UserID,
		Action:     "deliver",
		Details:    map[string]any{"status": j.Status, "attempt": t.Attempt},
		Success:    true,
	})
	return nil, nil
}
