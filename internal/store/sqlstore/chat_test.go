package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

func newTestStore(t *testing.T) *ChatStore {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", t.TempDir()+"/chat.db", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestFindOrCreateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.FindOrCreate(ctx, "5215550001", "Ana", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !a.AutomationEnabled {
		t.Fatal("automation default not applied")
	}
	if a.DisplayName != "Ana" {
		t.Fatalf("display name = %q", a.DisplayName)
	}

	b, err := s.FindOrCreate(ctx, "5215550001", "Ana B", true)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if b.ID != a.ID {
		t.Fatalf("second call created a new record: %s vs %s", b.ID, a.ID)
	}
	// An existing name is not overwritten.
	if b.DisplayName != "Ana" {
		t.Fatalf("display name changed to %q", b.DisplayName)
	}
}

func TestFindOrCreateBackfillsName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FindOrCreate(ctx, "5215550002", "", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	conv, err := s.FindOrCreate(ctx, "5215550002", "Luis", true)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if conv.DisplayName != "Luis" {
		t.Fatalf("name not backfilled, got %q", conv.DisplayName)
	}
}

func TestAppendMessageOrderAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FindOrCreate(ctx, "5215550003", "", true); err != nil {
		t.Fatalf("create: %v", err)
	}

	bodies := []string{"hola", "quiero información", "gracias"}
	for _, body := range bodies {
		if _, err := s.AppendMessage(ctx, "5215550003", store.Message{
			Direction: store.DirectionIn,
			Body:      body,
		}); err != nil {
			t.Fatalf("append %q: %v", body, err)
		}
	}

	conv, err := s.Get(ctx, "5215550003")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(conv.Messages) != len(bodies) {
		t.Fatalf("history has %d messages, want %d", len(conv.Messages), len(bodies))
	}
	for i, body := range bodies {
		if conv.Messages[i].Body != body {
			t.Fatalf("message %d = %q, want %q", i, conv.Messages[i].Body, body)
		}
		if conv.Messages[i].ID == "" {
			t.Fatalf("message %d missing id", i)
		}
	}
	if conv.LastMessage == nil || conv.LastMessage.Body != "gracias" {
		t.Fatalf("last message summary = %+v", conv.LastMessage)
	}
}

func TestAppendConcurrentWritersLoseNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FindOrCreate(ctx, "5215550004", "", true); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 2)
	for _, body := range []string{"first", "second"} {
		go func(body string) {
			_, err := s.AppendMessage(ctx, "5215550004", store.Message{
				Direction: store.DirectionIn,
				Body:      body,
			})
			done <- err
		}(body)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	conv, err := s.Get(ctx, "5215550004")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(conv.Messages))
	}
}

func TestSetAutomation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FindOrCreate(ctx, "5215550005", "", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetAutomation(ctx, "5215550005", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	conv, err := s.Get(ctx, "5215550005")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.AutomationEnabled {
		t.Fatal("automation still enabled")
	}

	var nf *store.NotFoundError
	if err := s.SetAutomation(ctx, "nobody", true); !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestListRecentOrdersByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, addr := range []string{"111", "222", "333"} {
		if _, err := s.FindOrCreate(ctx, addr, "", true); err != nil {
			t.Fatalf("create %s: %v", addr, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Touching the oldest moves it to the front.
	if _, err := s.AppendMessage(ctx, "111", store.Message{Direction: store.DirectionIn, Body: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ContactAddress != "111" {
		t.Fatalf("most recent = %s, want 111", convs[0].ContactAddress)
	}
}

func TestGetUnknownContact(t *testing.T) {
	s := newTestStore(t)
	var nf *store.NotFoundError
	if _, err := s.Get(context.Background(), "ghost"); !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestAppendMessageSurfacesPersistenceError(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", t.TempDir()+"/chat.db", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(db, nil)
	if _, err := s.FindOrCreate(ctx, "5215550001", "Ana", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	// Every attempt fails the same way; the retry loop surfaces the last
	// error as a PersistenceError instead of succeeding spuriously.
	_, err = s.AppendMessage(ctx, "5215550001", store.Message{Direction: store.DirectionIn, Body: "hola"})
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("want PersistenceError, got %v", err)
	}
}

func TestAppendMessageUnknownContactNotRetried(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage(context.Background(), "nobody", store.Message{Direction: store.DirectionIn, Body: "hola"})
	var nf *store.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}
