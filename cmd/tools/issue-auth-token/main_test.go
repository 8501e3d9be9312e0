package main

import (
	"context"
	"testing"
	"time"

	"webrtsp-restreamer/internal/auth"
	"webrtsp-restreamer/internal/testsupport/redisstub"
)

func TestIssuePublishesDigestOnFeed(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	feed, err := auth.NewRedisTokenFeed(auth.RedisFeedConfig{Addr: srv.Addr(), BlockTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	sub := feed.Subscribe()
	t.Cleanup(sub.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, expiresAt, err := issue(context.Background(), feed, "", time.Hour, now)
	if err != nil {
		t.Fatalf("issue returned error: %v", err)
	}
	if len(token) < 40 {
		t.Fatalf("expected a generated token, got %q", token)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	want, _ := auth.HashToken(token)
	select {
	case event := <-sub.Events():
		if event.Digest != want {
			t.Fatalf("expected digest %s, got %s", want, event.Digest)
		}
		if !event.ExpiresAt.Equal(expiresAt) {
			t.Fatalf("expected expiry %v, got %v", expiresAt, event.ExpiresAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token event")
	}
}

type nopPublisher struct{ calls int }

func (p *nopPublisher) Publish(context.Context, string, time.Time) error {
	p.calls++
	return nil
}

func TestIssueKeepsExplicitTokenAndRejectsBadTTL(t *testing.T) {
	pub := &nopPublisher{}
	token, _, err := issue(context.Background(), pub, "chosen", time.Minute, time.Now())
	if err != nil || token != "chosen" {
		t.Fatalf("expected explicit token, got %q %v", token, err)
	}
	if _, _, err := issue(context.Background(), pub, "chosen", 0, time.Now()); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if pub.calls != 1 {
		t.Fatalf("expected one publish, got %d", pub.calls)
	}
}
