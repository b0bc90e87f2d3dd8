package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/remote/remotetest"
)

func TestDisplayNameCachesLookups(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SetProfile("u1", "Ada")
	r := newProfileResolver(fake, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if got := r.displayName(context.Background(), "u1"); got != "Ada" {
			t.Fatalf("displayName = %q", got)
		}
	}
	if calls := fake.Calls(remotetest.OpResolveProfile); calls != 1 {
		t.Fatalf("resolver hit the store %d times, want 1", calls)
	}
}

func TestDisplayNameNegativeCachesUnknownUsers(t *testing.T) {
	fake := remotetest.NewFake()
	r := newProfileResolver(fake, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if got := r.displayName(context.Background(), "ghost"); got != "" {
			t.Fatalf("displayName = %q, want empty", got)
		}
	}
	if calls := fake.Calls(remotetest.OpResolveProfile); calls != 1 {
		t.Fatalf("unknown user resolved %d times, want 1", calls)
	}
}

func TestDisplayNameServesStaleOnLookupFailure(t *testing.T) {
	fake := remotetest.NewFake()
	fake.SetProfile("u1", "Ada")
	r := newProfileResolver(fake, time.Millisecond, zerolog.Nop())

	if got := r.displayName(context.Background(), "u1"); got != "Ada" {
		t.Fatalf("displayName = %q", got)
	}

	time.Sleep(5 * time.Millisecond)
	fake.FailNext(remotetest.OpResolveProfile, -1, nil)

	if got := r.displayName(context.Background(), "u1"); got != "Ada" {
		t.Fatalf("stale fallback = %q, want Ada", got)
	}
	if got := r.displayName(context.Background(), "u2"); got != "" {
		t.Fatalf("uncached failure = %q, want empty", got)
	}
}
