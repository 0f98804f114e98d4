package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocal_AcquireRelease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "job", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}
	if _, err := l.Acquire(ctx, "other", time.Minute); err != nil {
		t.Errorf("independent key should be free: %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, "job", time.Minute); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestLocal_Expiry(t *testing.T) {
	l := NewLocal()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, err := l.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "job", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	// The stale holder must not release the new holder's lease.
	_ = staleRelease(ctx)
	if _, err := l.Acquire(ctx, "job", time.Minute); !errors.Is(err, ErrHeld) {
		t.Errorf("stale release freed the new lease: err = %v", err)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedis_AcquireRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "ratealert:evaluate", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mr.Exists("ratealert:evaluate") {
		t.Fatal("lease key not written")
	}
	if ttl := mr.TTL("ratealert:evaluate"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %v", ttl)
	}

	if _, err := l.Acquire(ctx, "ratealert:evaluate", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("ratealert:evaluate") {
		t.Error("lease key still present after release")
	}
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate expiry followed by another holder taking the key.
	mr.FastForward(2 * time.Minute)
	if _, err := l.Acquire(ctx, "job", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("job") {
		t.Error("stale release deleted another holder's lease")
	}
}

func TestRedis_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()
	l := NewRedis(client)
	_, err := l.Acquire(context.Background(), "job", time.Minute)
	if err == nil || errors.Is(err, ErrHeld) {
		t.Errorf("err = %v, want connection error", err)
	}
}

func TestRedis_RenewsWhileHeld(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client)
	ctx := context.Background()
	const ttl = 90 * time.Millisecond

	release, err := l.Acquire(ctx, "job", ttl)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Let most of the ttl pass in Redis time; the holder must push it back.
	mr.FastForward(60 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL("job") != ttl {
		if time.Now().After(deadline) {
			t.Fatalf("lease not renewed, ttl = %v", mr.TTL("job"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("job") {
		t.Error("lease key still present after release")
	}
}

func TestRedis_StopsRenewingAfterLoss(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "job", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Another holder takes over the key.
	if err := mr.Set("job", "someone-else"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := mr.Get("job"); got != "someone-else" {
		t.Errorf("other holder's lease = %q, want untouched", got)
	}
	if mr.TTL("job") != 0 {
		t.Errorf("other holder's key got an expiry: %v", mr.TTL("job"))
	}
}
