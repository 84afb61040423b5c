package ratelimit

import (
	"testing"
	"time"
)

func TestDisabledAdmitsEverything(t *testing.T) {
	l := New(Config{})
	defer l.Close()
	for i := 0; i < 100; i++ {
		release, _, ok := l.Admit("10.0.0.1:5000")
		if !ok {
			t.Fatalf("connection %d rejected with limiting disabled", i)
		}
		release()
	}
	if l.Len() != 0 {
		t.Errorf("disabled limiter tracked %d addresses", l.Len())
	}
}

func TestPerIPBurst(t *testing.T) {
	l := New(Config{Enabled: true, ConnectionsPerSecond: 1, Burst: 2, CleanupInterval: time.Hour})
	defer l.Close()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, _, ok := l.Admit("10.0.0.1:5000"); !ok {
			t.Fatalf("burst connection %d rejected", i)
		}
	}
	if _, reason, ok := l.Admit("10.0.0.1:5001"); ok || reason != ReasonRate {
		t.Fatalf("third connection = %v %q, want rate rejection", ok, reason)
	}
	if _, _, ok := l.Admit("10.0.0.2:5000"); !ok {
		t.Fatal("other address rejected")
	}

	now = now.Add(time.Second)
	if _, _, ok := l.Admit("10.0.0.1:5002"); !ok {
		t.Fatal("connection after refill rejected")
	}
}

func TestCapacity(t *testing.T) {
	l := New(Config{MaxConnections: 2})
	defer l.Close()

	r1, _, ok1 := l.Admit("a:1")
	_, _, ok2 := l.Admit("b:1")
	if !ok1 || !ok2 {
		t.Fatal("connections under the cap rejected")
	}
	if _, reason, ok := l.Admit("c:1"); ok || reason != ReasonCapacity {
		t.Fatalf("over cap = %v %q", ok, reason)
	}
	if l.Active() != 2 {
		t.Fatalf("Active = %d, want 2", l.Active())
	}
	r1()
	r1()
	if l.Active() != 1 {
		t.Fatalf("double release: Active = %d, want 1", l.Active())
	}
	if _, _, ok := l.Admit("c:1"); !ok {
		t.Fatal("connection after release rejected")
	}
}

func TestEvictOld(t *testing.T) {
	l := New(Config{Enabled: true, ConnectionsPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer l.Close()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Admit("10.0.0.1:1")
	now = now.Add(30 * time.Minute)
	l.Admit("10.0.0.2:1")
	now = now.Add(45 * time.Minute)
	l.evictOld(time.Hour)
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:25565": "10.0.0.1",
		"[::1]:25565":    "::1",
		"not-an-addr":    "not-an-addr",
	}
	for in, want := range cases {
		if got := extractIP(in); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
