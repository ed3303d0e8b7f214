package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/quorum/model"
)

func testResponse() Response {
	return Response{
		StatusCode: 200,
		Body:       json.RawMessage(`{"step_instance":{"id":"si-1","status":"APPROVED"}}`),
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// Both implementations share one behavioural suite.
func stores(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStore_CheckNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			result, found, err := store.Check(context.Background(), "idem:acme:decide:k1", "hash")
			if err != nil {
				t.Fatalf("Check error: %v", err)
			}
			if found {
				t.Error("found = true, want false")
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
		})
	}
}

func TestStore_SaveAndCheck(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("acme", "decide", "k1")

			if err := store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute); err != nil {
				t.Fatalf("Save error: %v", err)
			}

			result, found, err := store.Check(ctx, key, "hash-abc")
			if err != nil {
				t.Fatalf("Check error: %v", err)
			}
			if !found {
				t.Fatal("found = false, want true")
			}
			if result.StatusCode != 200 {
				t.Errorf("StatusCode = %d, want 200", result.StatusCode)
			}
			if string(result.Body) != string(testResponse().Body) {
				t.Errorf("Body = %s", result.Body)
			}
		})
	}
}

func TestStore_ConflictOnHashMismatch(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("acme", "decide", "k1")
			store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute)

			result, found, err := store.Check(ctx, key, "hash-other")
			if !found {
				t.Error("found = false, want true")
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
			if !model.HasCode(err, model.ErrConflict) {
				t.Errorf("err = %v, want CONFLICT", err)
			}
		})
	}
}

func TestStore_OverwriteExistingKey(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatKey("acme", "decide", "k1")
			store.Save(ctx, key, "h1", testResponse(), time.Minute)
			store.Save(ctx, key, "h2", Response{StatusCode: 409}, time.Minute)

			result, found, err := store.Check(ctx, key, "h2")
			if err != nil || !found {
				t.Fatalf("Check = %v, %v", found, err)
			}
			if result.StatusCode != 409 {
				t.Errorf("StatusCode = %d, want 409", result.StatusCode)
			}
		})
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Save(ctx, "k", "h", testResponse(), time.Minute)
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}

	now = now.Add(2 * time.Minute)
	_, found, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, expired entry should be removed", store.Len())
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	store.Save(ctx, "k", "h", testResponse(), time.Minute)
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("expired entry should not be found")
	}
}

func TestRedisStore_corruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Set("k", "not json")

	_, _, err := store.Check(context.Background(), "k", "h")
	if err == nil {
		t.Fatal("Check over a corrupt entry should fail")
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}
	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail once redis is gone")
	}
}

func TestFormatKey(t *testing.T) {
	if got := FormatKey("acme", "decide", "abc-123"); got != "idem:acme:decide:abc-123" {
		t.Errorf("FormatKey = %q", got)
	}
}

func TestHashInput(t *testing.T) {
	type in struct {
		Decision string `json:"decision"`
		Comments string `json:"comments"`
	}
	a, err := HashInput(in{Decision: "APPROVE"})
	if err != nil {
		t.Fatalf("HashInput error: %v", err)
	}
	b, _ := HashInput(in{Decision: "APPROVE"})
	c, _ := HashInput(in{Decision: "REJECT"})

	if a != b {
		t.Error("equal inputs should hash equally")
	}
	if a == c {
		t.Error("different inputs should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(a))
	}
}
