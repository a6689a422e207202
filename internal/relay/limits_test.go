package relay

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	b := newTokenBucket(60, 2, now) // 1 token/sec, burst 2

	if !b.allow(now) || !b.allow(now) {
		t.Fatal("burst tokens should be available immediately")
	}
	if b.allow(now) {
		t.Fatal("third immediate request should be denied")
	}
	if b.allow(now.Add(500 * time.Millisecond)) {
		t.Fatal("half a token is not enough")
	}
	if !b.allow(now.Add(2 * time.Second)) {
		t.Fatal("bucket should refill after waiting")
	}
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	b := newTokenBucket(600, 3, now)

	later := now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !b.allow(later) {
			t.Fatalf("request %d should pass after long idle", i)
		}
	}
	if b.allow(later) {
		t.Fatal("idle time must not accumulate beyond burst")
	}
}

func TestLimiterRegistryIsPerCaller(t *testing.T) {
	t.Parallel()

	r := newLimiterRegistry(60, 1)
	now := time.Unix(1000, 0)

	if !r.allow("alice", now) {
		t.Fatal("first request for alice denied")
	}
	if r.allow("alice", now) {
		t.Fatal("second immediate request for alice should be denied")
	}
	if !r.allow("bob", now) {
		t.Fatal("bob should get a separate bucket")
	}
}

func TestLimiterRegistryDisabled(t *testing.T) {
	t.Parallel()

	r := newLimiterRegistry(0, 0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !r.allow("anyone", now) {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestTruncateDocumentContextKeepsNewest(t *testing.T) {
	t.Parallel()

	doc := strings.Repeat("old", 10) + "NEWEST"
	got := TruncateDocumentContext(doc, 6)
	if got != "NEWEST" {
		t.Fatalf("got %q, want NEWEST", got)
	}
}

func TestTruncateDocumentContextUnderBudget(t *testing.T) {
	t.Parallel()

	if got := TruncateDocumentContext("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateDocumentContext("anything", 0); got != "anything" {
		t.Fatalf("zero budget disables truncation, got %q", got)
	}
}

func TestTruncateDocumentContextRuneBoundary(t *testing.T) {
	t.Parallel()

	doc := "xx" + "日本語" // 3-byte runes
	for budget := 1; budget < len(doc); budget++ {
		got := TruncateDocumentContext(doc, budget)
		if !utf8.ValidString(got) {
			t.Fatalf("budget %d produced invalid UTF-8: %q", budget, got)
		}
		if len(got) > budget {
			t.Fatalf("budget %d: result %d bytes", budget, len(got))
		}
	}
}
