package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type fakeClient struct {
	mu     sync.Mutex
	values map[string]string
	evals   []string
	setErr  error
	evalErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: make(map[string]string)}
}

func (f *fakeClient) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewBoolResult(false, f.setErr)
	}
	if _, held := f.values[key]; held {
		return goredis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, script)
	if f.evalErr != nil && script == refreshScript {
		return goredis.NewCmdResult(nil, f.evalErr)
	}
	if f.values[keys[0]] != args[0].(string) {
		return goredis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(f.values, keys[0])
	}
	return goredis.NewCmdResult(int64(1), nil)
}

func (f *fakeClient) Close() error { return nil }

func TestLockerExcludesSecondHolder(t *testing.T) {
	client := newFakeClient()
	first := newLocker(client, "", time.Minute)
	second := newLocker(client, "", time.Minute)

	lease, release, ok, err := first.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := second.TryAcquire(context.Background()); err != nil || ok {
		t.Fatalf("expected second acquire to be refused: ok=%v err=%v", ok, err)
	}

	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, held := client.values[defaultLockKey]; held {
		t.Fatalf("lock key should be deleted after release")
	}
	if errors.Is(context.Cause(lease), ErrLockLost) || lease.Err() == nil {
		t.Fatalf("release should end the lease without reporting loss: %v", context.Cause(lease))
	}

	_, release, ok, err = second.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed: ok=%v err=%v", ok, err)
	}
	_ = release(context.Background())
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	client := newFakeClient()
	locker := newLocker(client, "run", time.Minute)

	_, release, ok, err := locker.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	client.mu.Lock()
	client.values["run"] = "someone-else"
	client.mu.Unlock()

	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if client.values["run"] != "someone-else" {
		t.Fatalf("foreign lock must survive release, got %q", client.values["run"])
	}
}

func TestLockerRefreshesWhileHeld(t *testing.T) {
	client := newFakeClient()
	locker := newLocker(client, "run", 30*time.Millisecond)

	lease, release, ok, err := locker.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		client.mu.Lock()
		refreshed := len(client.evals) > 0 && client.evals[0] == refreshScript
		client.mu.Unlock()
		if refreshed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock was never refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if lease.Err() != nil {
		t.Fatalf("lease ended while the lock was held: %v", context.Cause(lease))
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestTakenOverLockEndsLease(t *testing.T) {
	client := newFakeClient()
	locker := newLocker(client, "run", 30*time.Millisecond)

	lease, release, ok, err := locker.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release(context.Background())

	client.mu.Lock()
	client.values["run"] = "someone-else"
	client.mu.Unlock()

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease should end once another holder owns the key")
	}
	if !errors.Is(context.Cause(lease), ErrLockLost) {
		t.Fatalf("expected ErrLockLost cause, got %v", context.Cause(lease))
	}
}

func TestFailingRefreshEndsLeaseAfterTTL(t *testing.T) {
	client := newFakeClient()
	client.evalErr = errors.New("i/o timeout")
	locker := newLocker(client, "run", 30*time.Millisecond)

	lease, release, ok, err := locker.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release(context.Background())

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease should end when refreshes keep failing for a TTL")
	}
	if !errors.Is(context.Cause(lease), ErrLockLost) {
		t.Fatalf("expected ErrLockLost cause, got %v", context.Cause(lease))
	}
}

func TestLockerReportsSetError(t *testing.T) {
	client := newFakeClient()
	client.setErr = errors.New("connection refused")
	locker := newLocker(client, "run", time.Minute)

	if _, _, ok, err := locker.TryAcquire(context.Background()); err == nil || ok {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}
