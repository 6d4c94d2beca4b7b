package ratelimit

import (
	"testing"
	"time"
)

func TestBudgetThenThrottle(t *testing.T) {
	l := New(Config{MaxRequests: 3, Window: time.Minute})
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, _ := l.Consume("k")
		if !ok {
			t.Fatalf("request %d throttled within budget", i)
		}
	}
	ok, retry := l.Consume("k")
	if ok {
		t.Fatal("request beyond budget allowed")
	}
	if retry <= 0 {
		t.Fatalf("retry = %v, want positive", retry)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute})
	defer l.Close()

	if ok, _ := l.Consume("a"); !ok {
		t.Fatal("first request for a throttled")
	}
	if ok, _ := l.Consume("a"); ok {
		t.Fatal("second request for a allowed")
	}
	if ok, _ := l.Consume("b"); !ok {
		t.Fatal("fresh key b throttled")
	}
	if l.Keys() != 2 {
		t.Fatalf("keys = %d, want 2", l.Keys())
	}
}

func TestFailedConsumeDoesNotSpendToken(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: 50 * time.Millisecond})
	defer l.Close()

	l.Consume("k")
	if ok, _ := l.Consume("k"); ok {
		t.Fatal("second request allowed immediately")
	}
	// A refused reservation is cancelled, so the bucket refills on the
	// window schedule rather than being pushed further out.
	time.Sleep(80 * time.Millisecond)
	if ok, _ := l.Consume("k"); !ok {
		t.Fatal("request after refill throttled")
	}
}

func TestIdleCleanup(t *testing.T) {
	l := New(Config{MaxRequests: 10, Window: time.Second, IdleTTL: 20 * time.Millisecond})
	defer l.Close()

	l.Consume("gone")
	deadline := time.Now().Add(time.Second)
	for l.Keys() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle key never cleaned up, keys = %d", l.Keys())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
