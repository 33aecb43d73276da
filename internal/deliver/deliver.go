// Package deliver sends composed messages over a configured channel with
// capped exponential backoff.
package deliver

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"followline/internal/compose"
)

// Result reports a single delivery outcome.
type Result struct {
	Success bool
	ID      string
	Err     string
}

// Channel sends one message. Implementations own their transport; retry
// policy lives in SendWithRetry.
type Channel interface {
	Send(ctx context.Context, draft compose.Draft) (Result, error)
}

// LogChannel is the no-op/log-only mode for environments without a
// configured transport. It reports success so the pipeline stays testable.
type LogChannel struct {
	Log *zap.Logger
}

func (c LogChannel) Send(_ context.Context, draft compose.Draft) (Result, error) {
	if c.Log != nil {
		c.Log.Info("delivery (log-only)",
			zap.String("recipient", draft.Recipient),
			zap.String("subject", draft.Subject))
	}
	return Result{Success: true, ID: uuid.New().String()}, nil
}

// SMTPChannel delivers over plain SMTP.
type SMTPChannel struct {
	Host string
	Port int
	From string
}

func (c SMTPChannel) Send(_ context.Context, draft compose.Draft) (Result, error) {
	if draft.Recipient == "" {
		return Result{Err: "recipient missing"}, fmt.Errorf("recipient missing")
	}
	port := c.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", c.Host, port)
	msg := buildMIME(c.From, draft)
	if err := smtp.SendMail(addr, nil, c.From, []string{draft.Recipient}, msg); err != nil {
		return Result{Err: err.Error()}, err
	}
	return Result{Success: true, ID: uuid.New().String()}, nil
}

func buildMIME(from string, draft compose.Draft) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", draft.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", draft.Subject)
	if draft.BodyHTML != "" {
		b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(draft.BodyHTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(draft.BodyText)
	}
	return []byte(b.String())
}

// RetryOptions bound the retry loop. Sleep is injectable for tests.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      func(time.Duration)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// SendWithRetry attempts delivery up to MaxRetries times, doubling the delay
// between attempts. The last error is returned once retries are exhausted.
func SendWithRetry(ctx context.Context, ch Channel, draft compose.Draft, opts RetryOptions) (Result, error) {
	opts = opts.withDefaults()
	delay := opts.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Err: err.Error()}, err
		}
		res, err := ch.Send(ctx, draft)
		if err == nil && res.Success {
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("delivery unsuccessful: %s", res.Err)
		}
		lastErr = err
		if attempt < opts.MaxRetries {
			opts.Sleep(delay)
			delay *= 2
		}
	}
	return Result{Err: lastErr.Error()}, fmt.Errorf("delivery failed after %d attempts: %w", opts.MaxRetries, lastErr)
}
