package deliver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"followline/internal/compose"
	"followline/internal/deliver"
)

type flakyChannel struct {
	failures int
	calls    int
}

func (c *flakyChannel) Send(_ context.Context, _ compose.Draft) (deliver.Result, error) {
	c.calls++
	if c.calls <= c.failures {
		return deliver.Result{Err: "boom"}, errors.New("boom")
	}
	return deliver.Result{Success: true, ID: "msg-1"}, nil
}

func TestSendWithRetrySucceedsAfterFailures(t *testing.T) {
	ch := &flakyChannel{failures: 2}
	var slept []time.Duration
	res, err := deliver.SendWithRetry(context.Background(), ch, compose.Draft{Recipient: "a@b.test"}, deliver.RetryOptions{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Sleep:      func(d time.Duration) { slept = append(slept, d) },
	})
	if err != nil {
		t.Fatalf("expected success: %v", err)
	}
	if !res.Success || res.ID != "msg-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", ch.calls)
	}
	// backoff doubles from the base
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: want %v got %v", i, want[i], slept[i])
		}
	}
}

func TestSendWithRetryExhausts(t *testing.T) {
	ch := &flakyChannel{failures: 10}
	_, err := deliver.SendWithRetry(context.Background(), ch, compose.Draft{}, deliver.RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Sleep:      func(time.Duration) {},
	})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", ch.calls)
	}
}

func TestSendWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := &flakyChannel{failures: 10}
	if _, err := deliver.SendWithRetry(ctx, ch, compose.Draft{}, deliver.RetryOptions{Sleep: func(time.Duration) {}}); err == nil {
		t.Fatalf("expected context error")
	}
	if ch.calls != 0 {
		t.Fatalf("send should not run after cancellation, got %d calls", ch.calls)
	}
}

func TestLogChannelAlwaysSucceeds(t *testing.T) {
	res, err := deliver.LogChannel{}.Send(context.Background(), compose.Draft{Recipient: "a@b.test", Subject: "hi"})
	if err != nil || !res.Success || res.ID == "" {
		t.Fatalf("log channel: %v %+v", err, res)
	}
}
