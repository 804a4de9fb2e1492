package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "")
	d, err := Duration("LOCK_TIMEOUT", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s (err=%v)", d, err)
	}

	t.Setenv("LOCK_TIMEOUT", "250ms")
	d, err = Duration("LOCK_TIMEOUT", 3*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s (err=%v)", d, err)
	}

	t.Setenv("LOCK_TIMEOUT", "soon")
	if _, err := Duration("LOCK_TIMEOUT", time.Second); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestIntAndList(t *testing.T) {
	t.Setenv("REDIS_DB", "2")
	n, err := Int("REDIS_DB", 0)
	if err != nil || n != 2 {
		t.Fatalf("expected 2, got %d (err=%v)", n, err)
	}

	t.Setenv("KAFKA_DIRECTORY_TOPICS", " a, ,b ")
	got := List("KAFKA_DIRECTORY_TOPICS", "")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestPort(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Port("PORT", "8083"); err == nil {
		t.Fatal("expected error for out of range port")
	}
}
