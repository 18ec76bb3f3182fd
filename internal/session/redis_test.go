package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/captioner"
	"github.com/example/caption-demo/internal/upload"
)

const testPlaceholder = "Wait for response.."

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour, upload.StateFactory(testPlaceholder), zap.NewNop()), mr
}

// interferingClient writes to the watched key from a second connection,
// which aborts the transaction in progress.
func interferingClient(t *testing.T, mr *miniredis.Miniredis) func(ctx context.Context, sessionID string) {
	t.Helper()
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })
	return func(ctx context.Context, sessionID string) {
		if err := other.Set(ctx, Key(sessionID), "{}", 0).Err(); err != nil {
			t.Errorf("interfering write failed: %v", err)
		}
	}
}

func TestRedisStoreLoadMissingKeyReturnsFreshState(t *testing.T) {
	store, mr := newTestRedisStore(t)

	state, err := store.Load(context.Background(), "sess")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if state.SessionID != "sess" || state.Result.Text != testPlaceholder {
		t.Fatalf("unexpected fresh state: %+v", state)
	}
	if mr.Exists(Key("sess")) {
		t.Fatal("load must not create the key")
	}
}

func TestRedisStoreUpdatePersistsWithTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	updated, err := store.Update(ctx, "sess", func(s *upload.State) error {
		s.Result.Text = "a dog"
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if updated.Result.Text != "a dog" {
		t.Fatalf("unexpected updated state: %+v", updated.Result)
	}
	if ttl := mr.TTL(Key("sess")); ttl != time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	loaded, err := store.Load(ctx, "sess")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if loaded.Result.Text != "a dog" || loaded.SessionID != "sess" {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}
}

func TestRedisStoreDiscardsUndecodableState(t *testing.T) {
	store, mr := newTestRedisStore(t)
	if err := mr.Set(Key("sess"), "not-json"); err != nil {
		t.Fatalf("failed to seed key: %v", err)
	}

	state, err := store.Load(context.Background(), "sess")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if state.Result.Text != testPlaceholder {
		t.Fatalf("expected fresh state, got %+v", state.Result)
	}

	updated, err := store.Update(context.Background(), "sess", func(s *upload.State) error {
		s.Result.Text = "recovered"
		return nil
	})
	if err != nil {
		t.Fatalf("expected update to replace undecodable value, got %v", err)
	}
	if updated.Result.Text != "recovered" {
		t.Fatalf("unexpected state: %+v", updated.Result)
	}
}

func TestRedisStoreUpdateErrorLeavesStateUntouched(t *testing.T) {
	store, mr := newTestRedisStore(t)
	want := errors.New("boom")

	_, err := store.Update(context.Background(), "sess", func(s *upload.State) error {
		s.Result.Text = "changed"
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if mr.Exists(Key("sess")) {
		t.Fatal("failed update must not write the key")
	}
}

func TestRedisStoreRetriesWatchConflict(t *testing.T) {
	store, mr := newTestRedisStore(t)
	interfere := interferingClient(t, mr)
	ctx := context.Background()

	calls := 0
	updated, err := store.Update(ctx, "sess", func(s *upload.State) error {
		calls++
		if calls == 1 {
			interfere(ctx, "sess")
		}
		s.Result.Text = "a dog"
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
	if updated.Result.Text != "a dog" {
		t.Fatalf("unexpected state: %+v", updated.Result)
	}
}

func TestRedisStoreReportsConflictAfterRetries(t *testing.T) {
	store, mr := newTestRedisStore(t)
	interfere := interferingClient(t, mr)
	ctx := context.Background()

	calls := 0
	_, err := store.Update(ctx, "sess", func(s *upload.State) error {
		calls++
		interfere(ctx, "sess")
		s.Result.Text = "lost"
		return nil
	})
	if !errors.Is(err, upload.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != maxWatchRetries {
		t.Fatalf("expected %d attempts, got %d", maxWatchRetries, calls)
	}
	if raw, _ := mr.Get(Key("sess")); raw != "{}" {
		t.Fatalf("conflicting write must win, got %q", raw)
	}
}

// conflictingStore makes the first Update calls lose their WATCH race.
type conflictingStore struct {
	*RedisStore
	interfere func(ctx context.Context, sessionID string)
	remaining int
}

func (s *conflictingStore) Update(ctx context.Context, sessionID string, fn func(*upload.State) error) (*upload.State, error) {
	if s.remaining == 0 {
		return s.RedisStore.Update(ctx, sessionID, fn)
	}
	s.remaining--
	return s.RedisStore.Update(ctx, sessionID, func(st *upload.State) error {
		s.interfere(ctx, sessionID)
		return fn(st)
	})
}

type fixedCaptioner struct{ caption string }

func (f fixedCaptioner) Caption(ctx context.Context, payload string) (string, error) {
	return f.caption, nil
}

var _ captioner.Client = fixedCaptioner{}

func TestViewRetriesRedisConflict(t *testing.T) {
	store, mr := newTestRedisStore(t)
	conflicting := &conflictingStore{RedisStore: store, interfere: interferingClient(t, mr), remaining: 1}
	view := upload.NewView(conflicting, fixedCaptioner{caption: "a dog"}, upload.Options{}, zap.NewNop())

	state, err := view.Submit(context.Background(), "sess")
	if err != nil {
		t.Fatalf("expected submit to survive a conflict, got %v", err)
	}
	if state.Result.Text != "a dog" || state.Result.Status != upload.StatusSucceeded {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
	if conflicting.remaining != 0 {
		t.Fatalf("expected the conflict to be consumed, %d left", conflicting.remaining)
	}
}
