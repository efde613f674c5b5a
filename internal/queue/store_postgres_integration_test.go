//go:build postgres_integration

package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, "it-"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()

	q, err := Open(ctx, s, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := q.Enqueue(ctx, ActionStartRoute, json.RawMessage(`{"routeId":"r1"}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	loaded, err := s.Load(ctx)
	if err != nil || len(loaded) != 1 || loaded[0].ID != id {
		t.Fatalf("Load = %+v, %v", loaded, err)
	}
	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if loaded, _ := s.Load(ctx); len(loaded) != 0 {
		t.Fatalf("record left after remove: %+v", loaded)
	}
}
