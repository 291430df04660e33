package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/pkg/transcript"
	"github.com/MrWong99/earshot/pkg/transcript/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if EARSHOT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on an empty schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcripts CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(session string, seq uint64, text string) transcript.Record {
	ts := time.Date(2024, 3, 1, 10, 0, int(seq), 0, time.UTC)
	return transcript.Record{
		SessionID:  session,
		Seq:        seq,
		ClientID:   "client-" + session,
		Text:       text,
		Timestamp:  ts,
		ReceivedAt: ts.Add(50 * time.Millisecond),
	}
}

func TestStore_WriteAndSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"first words", "second words", "third words"} {
		if err := store.Write(ctx, record("a", uint64(i+1), text)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// Duplicate seq is ignored.
	if err := store.Write(ctx, record("a", 2, "replayed")); err != nil {
		t.Fatalf("Write duplicate: %v", err)
	}
	if err := store.Write(ctx, record("b", 1, "other session")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Session(ctx, "a")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	for i, want := range []string{"first words", "second words", "third words"} {
		if got[i].Text != want || got[i].Seq != uint64(i+1) {
			t.Errorf("record %d = %+v", i, got[i])
		}
	}
	if got[0].ClientID != "client-a" {
		t.Errorf("client id = %q", got[0].ClientID)
	}

	empty, err := store.Session(ctx, "missing")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("missing session = %v, want empty slice", empty)
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Write(ctx, record("a", 1, "the dragon attacked the village"))
	_ = store.Write(ctx, record("a", 2, "we went to the market"))
	_ = store.Write(ctx, record("b", 1, "a dragon sleeps"))

	got, err := store.Search(ctx, "dragon", postgres.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("hits = %d, want 2", len(got))
	}

	got, err = store.Search(ctx, "dragon", postgres.SearchOpts{SessionID: "b", Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "b" {
		t.Errorf("filtered hits = %+v", got)
	}
}
