// Command courier-smoke is a CI-friendly smoke test for the courier message store.
//
//	go run ./cmd/courier-smoke -db "$COURIER_DATABASE_URL" -v
//
// It validates, against the configured backend:
//   - send with store-assigned ids and multi-chunk content round trip
//   - duplicate explicit id is rejected without overwriting
//   - conversation ordering and inbox (latest per conversation)
//   - acknowledge (received up to) and mark seen
//   - edit and delete
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"courier/cmd/internal/app"
	"courier/cmd/internal/ids"
	"courier/cmd/internal/messages"
	"courier/cmd/internal/messaging"

	"github.com/prometheus/client_golang/prometheus"
)

type smokeOptions struct {
	DatabaseURL string
	SQLitePath  string
	Schema      string
	RedisURL    string
	ChunkSize   int
	Text        string
	Timeout     time.Duration
	Verbose     bool
}

func main() {
	var o smokeOptions
	flag.StringVar(&o.DatabaseURL, "db", os.Getenv("COURIER_DATABASE_URL"), "PostgreSQL URL (empty: SQLite)")
	flag.StringVar(&o.SQLitePath, "sqlite", ":memory:", "SQLite path when -db is empty")
	flag.StringVar(&o.Schema, "schema", "courier", "PostgreSQL schema")
	flag.StringVar(&o.RedisURL, "redis", os.Getenv("COURIER_REDIS_URL"), "Redis URL for the message cache (optional)")
	flag.IntVar(&o.ChunkSize, "chunk", 256, "Content chunk size in characters")
	flag.StringVar(&o.Text, "text", "hello courier 👋", "Message text to send")
	flag.DurationVar(&o.Timeout, "timeout", 7*time.Second, "Per-step timeout")
	flag.BoolVar(&o.Verbose, "v", false, "Verbose output")
	flag.Parse()

	logOut := io.Discard
	if o.Verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := run(context.Background(), o, log, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context, o smokeOptions, log *slog.Logger, out io.Writer) error {
	if o.ChunkSize <= 0 {
		return fmt.Errorf("invalid -chunk: %d", o.ChunkSize)
	}
	if o.Text == "" {
		return errors.New("empty -text")
	}

	cfg := app.Config{
		DatabaseURL:     o.DatabaseURL,
		DBMaxConns:      4,
		DBSchema:        o.Schema,
		SQLitePath:      o.SQLitePath,
		AutoMigrate:     true,
		ChunkSize:       o.ChunkSize,
		ReceiptScope:    "same_direction",
		RedisURL:        o.RedisURL,
		CacheTTL:        time.Minute,
		StoreOpTimeout:  o.Timeout,
		MaxContentChars: 1 << 16,
	}

	ctx, cancel := context.WithTimeout(parent, 10*o.Timeout)
	defer cancel()

	stack, err := app.OpenStack(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = stack.Close() }()

	svc := stack.Service

	// Unique users keep repeated runs against a shared database independent.
	tag := ids.NewRequestID(time.Now())[:10]
	alice, bob := "alice-"+tag, "bob-"+tag

	long := strings.Repeat(o.Text+" ", 3*o.ChunkSize/len([]rune(o.Text))+1)

	var created []int64
	defer func() { cleanup(svc, created) }()

	send := func(in messaging.SendInput) (messages.Message, error) {
		m, err := svc.Send(ctx, in)
		if err != nil {
			return m, fmt.Errorf("send %s->%s: %w", in.Sender, in.Receiver, err)
		}
		created = append(created, m.ID)
		return m, nil
	}

	m1, err := send(messaging.SendInput{Sender: alice, Receiver: bob, Content: long})
	if err != nil {
		return err
	}
	m2, err := send(messaging.SendInput{Sender: bob, Receiver: alice, Content: o.Text, SentAt: m1.SentAt.Add(time.Second)})
	if err != nil {
		return err
	}
	m3, err := send(messaging.SendInput{Sender: alice, Receiver: bob, Content: o.Text, SentAt: m1.SentAt.Add(2 * time.Second)})
	if err != nil {
		return err
	}
	want := []int64{m1.ID, m2.ID, m3.ID}

	if o.Verbose {
		fmt.Fprintf(out, "backend=%s ids=%v\n", stack.Backend, want)
	}

	got, err := svc.Get(ctx, m1.ID)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if got.Content != long {
		return fmt.Errorf("round trip: content mismatch (%d vs %d bytes)", len(got.Content), len(long))
	}

	_, err = svc.Send(ctx, messaging.SendInput{ID: m1.ID, Sender: bob, Receiver: alice, Content: "overwrite?"})
	if !errors.Is(err, messaging.ErrDuplicate) {
		return fmt.Errorf("duplicate: expected ErrDuplicate, got %v", err)
	}

	conv, err := svc.Conversation(ctx, bob, alice)
	if err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	if got := idsOf(conv); !slices.Equal(got, want) {
		return fmt.Errorf("conversation: ids=%v want %v", got, want)
	}

	inbox, err := svc.Inbox(ctx, alice)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if len(inbox) != 1 || inbox[0].ID != m3.ID {
		return fmt.Errorf("inbox: ids=%v want [%d]", idsOf(inbox), m3.ID)
	}

	changed, err := svc.Acknowledge(ctx, m3.ID)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	slices.Sort(changed)
	if !slices.Equal(changed, []int64{m1.ID, m3.ID}) {
		return fmt.Errorf("acknowledge: changed=%v want [%d %d]", changed, m1.ID, m3.ID)
	}

	if err := svc.MarkSeen(ctx, m2.ID); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}

	edited, err := svc.Edit(ctx, m2.ID, "edited")
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	if edited.Content != "edited" || !edited.Seen {
		return fmt.Errorf("edit: %+v", edited)
	}

	if err := svc.Delete(ctx, m3.ID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if _, err := svc.Get(ctx, m3.ID); !messaging.IsNotFound(err) {
		return fmt.Errorf("delete: expected not found, got %v", err)
	}

	fmt.Fprintf(out, "OK: backend=%s ids=%v chunk=%d\n", stack.Backend, want, o.ChunkSize)
	return nil
}

func cleanup(svc *messaging.Service, msgIDs []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range msgIDs {
		_ = svc.Delete(ctx, id)
	}
}

func idsOf(ms []messages.Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
