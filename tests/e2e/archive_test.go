//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGDSN    string
	testRedisURL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	dsn, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	testPGDSN = dsn

	url, redisCleanup, err := startRedis(ctx)
	if err != nil {
		pgCleanup()
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = url

	code := m.Run()
	redisCleanup()
	pgCleanup()
	os.Exit(code)
}

func openArchive(t *testing.T, opts store.Options) store.Archive {
	t.Helper()
	a, err := store.Open(context.Background(), opts, testLogger)
	if err != nil {
		t.Fatalf("open %s archive: %v", opts.Type, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// exerciseArchive runs the behaviour every archive backend shares.
func exerciseArchive(t *testing.T, a history.Archive) {
	t.Helper()
	ctx := context.Background()

	if _, err := a.Load(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("load missing: got %v, want ErrNotFound", err)
	}

	turns := []history.Entry{
		history.NewEntry(history.RoleUser, "explain this loop"),
		history.NewEntry(history.RoleAssistant, "it walks the slice backwards"),
		history.NewEntry(history.RoleUser, "why backwards?"),
	}
	if err := a.Save(ctx, "e2e-1", turns); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := a.Load(ctx, "e2e-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("loaded %d entries, want %d", len(got), len(turns))
	}
	for i := range turns {
		if got[i].ID != turns[i].ID || got[i].Role != turns[i].Role || got[i].Content != turns[i].Content || got[i].Tokens != turns[i].Tokens {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], turns[i])
		}
	}

	if err := a.Save(ctx, "e2e-1", turns[:1]); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if got, _ := a.Load(ctx, "e2e-1"); len(got) != 1 {
		t.Errorf("after resave: %d entries, want 1", len(got))
	}

	time.Sleep(5 * time.Millisecond)
	if err := a.Save(ctx, "e2e-2", turns[1:]); err != nil {
		t.Fatalf("save second: %v", err)
	}
	ids, err := a.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !slices.Contains(ids, "e2e-1") || !slices.Contains(ids, "e2e-2") {
		t.Errorf("list = %v", ids)
	}

	if err := a.Delete(ctx, "e2e-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.Delete(ctx, "e2e-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if _, err := a.Load(ctx, "e2e-1"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("load deleted: got %v", err)
	}
	ids, _ = a.List(ctx)
	if slices.Contains(ids, "e2e-1") {
		t.Errorf("deleted conversation still listed: %v", ids)
	}
}

func TestPostgresArchive(t *testing.T) {
	a := openArchive(t, store.Options{Type: "postgres", DSN: testPGDSN})
	exerciseArchive(t, a)
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pg.Close()
	for i := 0; i < 2; i++ {
		if err := pg.Migrate(ctx); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
}

func TestRedisArchive(t *testing.T) {
	a := openArchive(t, store.Options{Type: "redis", URL: testRedisURL})
	exerciseArchive(t, a)
}

func TestRedisArchiveExpires(t *testing.T) {
	ctx := context.Background()
	a := openArchive(t, store.Options{Type: "redis", URL: testRedisURL, TTL: time.Second})
	if err := a.Save(ctx, "short-lived", []history.Entry{history.NewEntry(history.RoleUser, "hi")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if _, err := a.Load(ctx, "short-lived"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("load expired: got %v, want ErrNotFound", err)
	}
	ids, err := a.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if slices.Contains(ids, "short-lived") {
		t.Errorf("expired conversation still listed: %v", ids)
	}
}
