package messages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// harness adapts one Store implementation to the shared behavior tests.
type harness struct {
	store Store
	// chunkSeqs returns the stored chunk sequence numbers of id, ascending.
	chunkSeqs func(t *testing.T, id int64) []int
}

type harnessFactory func(t *testing.T, opts ...Option) harness

var baseTime = time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return baseTime.Add(offset) }

func runStoreSuite(t *testing.T, newHarness harnessFactory) {
	t.Run("CreateFindRoundTrip", func(t *testing.T) { testCreateFindRoundTrip(t, newHarness) })
	t.Run("ChunkSequencing", func(t *testing.T) { testChunkSequencing(t, newHarness) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newHarness) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newHarness) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newHarness) })
	t.Run("ReplaceContent", func(t *testing.T) { testReplaceContent(t, newHarness) })
	t.Run("RejectsUnstorableValues", func(t *testing.T) { testRejectsUnstorableValues(t, newHarness) })
	t.Run("CountFindAllAvailable", func(t *testing.T) { testCountFindAllAvailable(t, newHarness) })
	t.Run("NextAvailableID", func(t *testing.T) { testNextAvailableID(t, newHarness) })
	t.Run("AllocatedID", func(t *testing.T) { testAllocatedID(t, newHarness) })
	t.Run("MarkSeen", func(t *testing.T) { testMarkSeen(t, newHarness) })
	t.Run("SeenImpliesReceived", func(t *testing.T) { testSeenImpliesReceived(t, newHarness) })
	t.Run("LatestPerConversation", func(t *testing.T) { testLatestPerConversation(t, newHarness) })
	t.Run("Between", func(t *testing.T) { testBetween(t, newHarness) })
	t.Run("MarkReceivedUpTo_SameDirection", func(t *testing.T) { testMarkReceivedSameDirection(t, newHarness) })
	t.Run("MarkReceivedUpTo_BothDirections", func(t *testing.T) { testMarkReceivedBothDirections(t, newHarness) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newHarness) })
	t.Run("CanceledContext", func(t *testing.T) { testCanceledContext(t, newHarness) })
}

func testCreateFindRoundTrip(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(4))
	ctx := testCtx(t)

	bodies := []string{
		"",
		"hi",
		"abcd",
		"abcdefgh",
		"abcdefghi",
		"héllo wörld 👋",
		strings.Repeat("long message ", 100),
	}

	for i, body := range bodies {
		in := Message{
			ID:       int64(i + 1),
			Sender:   "alice",
			Receiver: "bob",
			Content:  body,
			SentAt:   at(time.Duration(i) * time.Minute),
		}
		res, err := h.store.Create(ctx, in)
		if err != nil {
			t.Fatalf("create %d: %v", in.ID, err)
		}
		if res.Duplicated {
			t.Fatalf("create %d: expected Duplicated=false", in.ID)
		}

		got, found, err := h.store.FindByID(ctx, in.ID)
		if err != nil {
			t.Fatalf("find %d: %v", in.ID, err)
		}
		if !found {
			t.Fatalf("find %d: not found", in.ID)
		}
		assertMessage(t, got, in)
	}
}

func testChunkSequencing(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(256))

	cases := map[int64]struct {
		body string
		want int
	}{
		1: {body: "", want: 1},
		2: {body: strings.Repeat("x", 255), want: 1},
		3: {body: strings.Repeat("x", 256), want: 1},
		4: {body: strings.Repeat("x", 512), want: 2},
		5: {body: strings.Repeat("x", 513), want: 3},
	}

	for id, tc := range cases {
		mustCreate(t, h.store, Message{ID: id, Sender: "a", Receiver: "b", Content: tc.body, SentAt: baseTime})

		seqs := h.chunkSeqs(t, id)
		if len(seqs) != tc.want {
			t.Fatalf("id=%d: expected %d chunks, got %d (%v)", id, tc.want, len(seqs), seqs)
		}
		for i, seq := range seqs {
			if seq != i+1 {
				t.Fatalf("id=%d: chunk sequence %v is not 1..N", id, seqs)
			}
		}

		got := mustFind(t, h.store, id)
		if got.Content != tc.body {
			t.Fatalf("id=%d: content length %d want %d", id, len(got.Content), len(tc.body))
		}
	}
}

func testDuplicateCreate(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	first := Message{ID: 7, Sender: "alice", Receiver: "bob", Content: "original", SentAt: at(0)}
	mustCreate(t, h.store, first)

	res, err := h.store.Create(ctx, Message{ID: 7, Sender: "mallory", Receiver: "eve", Content: "replacement", Seen: true, SentAt: at(time.Hour)})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if !res.Duplicated {
		t.Fatalf("duplicate create: expected Duplicated=true")
	}
	assertMessage(t, res.Stored, first)

	assertMessage(t, mustFind(t, h.store, 7), first)
	if seqs := h.chunkSeqs(t, 7); len(seqs) != 1 {
		t.Fatalf("duplicate create touched chunks: %v", seqs)
	}
	if n := mustCount(t, h.store); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
}

func testRemove(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(2))
	ctx := testCtx(t)

	mustCreate(t, h.store, Message{ID: 1, Sender: "a", Receiver: "b", Content: "several chunks", SentAt: at(0)})

	if err := h.store.Remove(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, err := h.store.FindByID(ctx, 1); err != nil || found {
		t.Fatalf("find after remove: found=%v err=%v", found, err)
	}
	if seqs := h.chunkSeqs(t, 1); len(seqs) != 0 {
		t.Fatalf("chunks left after remove: %v", seqs)
	}

	if err := h.store.Remove(ctx, 42); err != nil {
		t.Fatalf("remove missing id: %v", err)
	}
}

func testUpdate(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(3))
	ctx := testCtx(t)

	mustCreate(t, h.store, Message{ID: 1, Sender: "a", Receiver: "b", Content: "first version", SentAt: at(0)})
	mustCreate(t, h.store, Message{ID: 2, Sender: "b", Receiver: "a", Content: "other", SentAt: at(time.Minute)})

	t.Run("replace keeps id", func(t *testing.T) {
		repl := Message{ID: 1, Sender: "a", Receiver: "b", Content: "v2", Received: true, SentAt: at(0)}
		res, err := h.store.Update(ctx, 1, repl)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if res.Duplicated {
			t.Fatalf("update: expected Duplicated=false")
		}
		assertMessage(t, mustFind(t, h.store, 1), repl)
		if seqs := h.chunkSeqs(t, 1); len(seqs) != 1 {
			t.Fatalf("stale chunks after update: %v", seqs)
		}
	})

	t.Run("replace onto existing id short-circuits", func(t *testing.T) {
		res, err := h.store.Update(ctx, 1, Message{ID: 2, Sender: "x", Receiver: "y", Content: "ignored", SentAt: at(time.Hour)})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if !res.Duplicated || res.Stored.Content != "other" {
			t.Fatalf("expected existing id 2 to be returned, got %+v", res)
		}
		// The removal half of the replacement still happened.
		if _, found, _ := h.store.FindByID(ctx, 1); found {
			t.Fatalf("id 1 should be gone after replace-with-duplicate")
		}
	})
}

func testReplaceContent(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(3))
	ctx := testCtx(t)

	orig := Message{ID: 1, Sender: "a", Receiver: "b", Content: "a fairly long body", SentAt: at(0)}
	mustCreate(t, h.store, orig)
	if found, err := h.store.MarkSeen(ctx, 1); err != nil || !found {
		t.Fatalf("mark seen: found=%v err=%v", found, err)
	}

	got, found, err := h.store.ReplaceContent(ctx, 1, "short")
	if err != nil || !found {
		t.Fatalf("replace content: found=%v err=%v", found, err)
	}
	want := orig
	want.Content, want.Received, want.Seen = "short", true, true
	assertMessage(t, got, want)
	assertMessage(t, mustFind(t, h.store, 1), want)

	seqs := h.chunkSeqs(t, 1)
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("chunks after replace: %v, want [1 2]", seqs)
	}

	if err := h.store.Remove(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, err := h.store.ReplaceContent(ctx, 1, "back again?"); err != nil || found {
		t.Fatalf("replace removed id: found=%v err=%v", found, err)
	}
	if _, found, err := h.store.FindByID(ctx, 1); err != nil || found {
		t.Fatalf("removed message came back: found=%v err=%v", found, err)
	}
	if seqs := h.chunkSeqs(t, 1); len(seqs) != 0 {
		t.Fatalf("orphan chunks after replace of removed id: %v", seqs)
	}
}

func testRejectsUnstorableValues(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	cases := []struct {
		name string
		msg  Message
	}{
		{"NUL in content", Message{ID: 1, Sender: "a", Receiver: "b", Content: "a\x00b", SentAt: at(0)}},
		{"NUL in sender", Message{ID: 1, Sender: "a\x00", Receiver: "b", Content: "x", SentAt: at(0)}},
		{"five digit year", Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", SentAt: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}},
		{"negative year", Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", SentAt: time.Date(-1, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.store.Create(ctx, tc.msg); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("create: expected ErrInvalidInput, got %v", err)
			}
			if _, err := h.store.Update(ctx, 1, tc.msg); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("update: expected ErrInvalidInput, got %v", err)
			}
		})
	}

	mustCreate(t, h.store, Message{ID: 2, Sender: "a", Receiver: "b", Content: "ok", SentAt: time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)})
	if _, _, err := h.store.ReplaceContent(ctx, 2, "nul\x00"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("replace content: expected ErrInvalidInput, got %v", err)
	}
	if got := mustFind(t, h.store, 2); got.Content != "ok" || got.SentAt.Year() != 9999 {
		t.Fatalf("boundary message: %+v", got)
	}
	if n := mustCount(t, h.store); n != 1 {
		t.Fatalf("expected only the valid message, got %d", n)
	}
}

func testCountFindAllAvailable(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	if n := mustCount(t, h.store); n != 0 {
		t.Fatalf("empty store count=%d", n)
	}
	all, err := h.store.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all empty: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no messages, got %d", len(all))
	}

	for _, id := range []int64{3, 1, 2} {
		mustCreate(t, h.store, Message{ID: id, Sender: "a", Receiver: "b", Content: fmt.Sprintf("m%d", id), SentAt: at(time.Duration(id) * time.Second)})
	}

	if n := mustCount(t, h.store); n != 3 {
		t.Fatalf("count=%d want 3", n)
	}

	all, err = h.store.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	for i, m := range all {
		if m.ID != int64(i+1) || m.Content != fmt.Sprintf("m%d", i+1) {
			t.Fatalf("find all[%d]=%+v", i, m)
		}
	}

	ok, err := h.store.IsAvailable(ctx, 2)
	if err != nil || ok {
		t.Fatalf("IsAvailable(2)=%v err=%v want false", ok, err)
	}
	ok, err = h.store.IsAvailable(ctx, 9)
	if err != nil || !ok {
		t.Fatalf("IsAvailable(9)=%v err=%v want true", ok, err)
	}
}

func testNextAvailableID(t *testing.T, newHarness harnessFactory) {
	cases := []struct {
		name string
		ids  []int64
		want int64
	}{
		{name: "empty", ids: nil, want: 1},
		{name: "gap", ids: []int64{1, 2, 4}, want: 3},
		{name: "dense", ids: []int64{1, 2, 3}, want: 4},
		{name: "first free", ids: []int64{2, 3}, want: 1},
		{name: "several gaps", ids: []int64{1, 3, 5}, want: 2},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			for _, id := range tc.ids {
				mustCreate(t, h.store, Message{ID: id, Sender: "a", Receiver: "b", Content: "x", SentAt: baseTime})
			}
			got, err := h.store.NextAvailableID(testCtx(t))
			if err != nil {
				t.Fatalf("next id: %v", err)
			}
			if got != tc.want {
				t.Fatalf("NextAvailableID with %v = %d want %d", tc.ids, got, tc.want)
			}
		})
	}
}

func testAllocatedID(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	mustCreate(t, h.store, Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", SentAt: baseTime})
	mustCreate(t, h.store, Message{ID: 3, Sender: "a", Receiver: "b", Content: "x", SentAt: baseTime})

	res, err := h.store.Create(ctx, Message{Sender: "a", Receiver: "b", Content: "fills the gap", SentAt: baseTime})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Stored.ID != 2 {
		t.Fatalf("allocated id=%d want 2", res.Stored.ID)
	}
	if got := mustFind(t, h.store, 2); got.Content != "fills the gap" {
		t.Fatalf("allocated message content=%q", got.Content)
	}
}

func testMarkSeen(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	mustCreate(t, h.store, Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", SentAt: baseTime})

	found, err := h.store.MarkSeen(ctx, 1)
	if err != nil || !found {
		t.Fatalf("mark seen: found=%v err=%v", found, err)
	}
	got := mustFind(t, h.store, 1)
	if !got.Received || !got.Seen {
		t.Fatalf("after MarkSeen received=%v seen=%v", got.Received, got.Seen)
	}

	found, err = h.store.MarkSeen(ctx, 99)
	if err != nil || found {
		t.Fatalf("mark seen missing: found=%v err=%v", found, err)
	}
}

func testSeenImpliesReceived(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)

	res := mustCreate(t, h.store, Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", Seen: true, SentAt: baseTime})
	if !res.Stored.Received {
		t.Fatalf("stored seen message without received")
	}
	if got := mustFind(t, h.store, 1); !got.Received || !got.Seen {
		t.Fatalf("received=%v seen=%v", got.Received, got.Seen)
	}
}

func testLatestPerConversation(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	seed := []Message{
		{ID: 1, Sender: "alice", Receiver: "bob", Content: "a->b 1", SentAt: at(0)},
		{ID: 2, Sender: "bob", Receiver: "alice", Content: "b->a 2", SentAt: at(2 * time.Minute)},
		{ID: 3, Sender: "alice", Receiver: "bob", Content: "a->b 3", SentAt: at(time.Minute)},
		{ID: 4, Sender: "carol", Receiver: "alice", Content: "c->a 4", SentAt: at(-time.Hour)},
		{ID: 5, Sender: "alice", Receiver: "carol", Content: "a->c 5", SentAt: at(-2 * time.Hour)},
		// Next day, earlier time of day: the date must dominate.
		{ID: 6, Sender: "dave", Receiver: "alice", Content: "d->a 6", SentAt: at(-time.Hour)},
		{ID: 7, Sender: "alice", Receiver: "dave", Content: "a->d 7", SentAt: at(22 * time.Hour)},
		{ID: 8, Sender: "bob", Receiver: "carol", Content: "not alice", SentAt: at(time.Hour)},
		// Same instant as id 4: the higher id wins.
		{ID: 9, Sender: "alice", Receiver: "carol", Content: "a->c 9", SentAt: at(-time.Hour)},
	}
	for _, m := range seed {
		mustCreate(t, h.store, m)
	}

	got, err := h.store.LatestPerConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	// Newest conversation first.
	want := []int64{7, 2, 9}
	if ids := idsOf(got); !equalIDs(ids, want) {
		t.Fatalf("latest ids=%v want %v", ids, want)
	}
	if got[1].Content != "b->a 2" {
		t.Fatalf("content not materialized: %q", got[1].Content)
	}

	none, err := h.store.LatestPerConversation(ctx, "nobody")
	if err != nil {
		t.Fatalf("latest nobody: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no conversations, got %v", idsOf(none))
	}
}

func testBetween(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	ctx := testCtx(t)

	seed := []Message{
		{ID: 1, Sender: "alice", Receiver: "bob", Content: "third", SentAt: at(2 * time.Minute)},
		{ID: 2, Sender: "bob", Receiver: "alice", Content: "first", SentAt: at(-24 * time.Hour)},
		{ID: 3, Sender: "alice", Receiver: "bob", Content: "second", SentAt: at(time.Minute)},
		{ID: 4, Sender: "alice", Receiver: "carol", Content: "other pair", SentAt: at(0)},
		{ID: 5, Sender: "alice", Receiver: "alice", Content: "note to self", SentAt: at(0)},
		{ID: 6, Sender: "bob", Receiver: "bob", Content: "bob self", SentAt: at(0)},
	}
	for _, m := range seed {
		mustCreate(t, h.store, m)
	}

	got, err := h.store.Between(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if ids := idsOf(got); !equalIDs(ids, []int64{2, 3, 1}) {
		t.Fatalf("between ids=%v want [2 3 1]", ids)
	}
	for i := 1; i < len(got); i++ {
		if got[i].SentAt.Before(got[i-1].SentAt) {
			t.Fatalf("between not sorted at %d", i)
		}
	}

	rev, err := h.store.Between(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("between reversed: %v", err)
	}
	if !equalIDs(idsOf(rev), idsOf(got)) {
		t.Fatalf("argument order changed result: %v vs %v", idsOf(rev), idsOf(got))
	}

	self, err := h.store.Between(ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("between self: %v", err)
	}
	if ids := idsOf(self); !equalIDs(ids, []int64{5}) {
		t.Fatalf("self conversation ids=%v want [5]", ids)
	}
}

func testMarkReceivedSameDirection(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithReceiptScope(ReceiptSameDirection))
	ctx := testCtx(t)
	seedReceipts(t, h.store)

	ref := mustFind(t, h.store, 3)
	changed, err := h.store.MarkReceivedUpTo(ctx, ref)
	if err != nil {
		t.Fatalf("mark received: %v", err)
	}
	sortIDs(changed)
	if !equalIDs(changed, []int64{1, 3}) {
		t.Fatalf("changed=%v want [1 3]", changed)
	}

	// The reverse direction (id 2) is deliberately left alone in this scope.
	assertReceived(t, h.store, map[int64]bool{1: true, 2: false, 3: true, 4: false, 5: false})
}

func testMarkReceivedBothDirections(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithReceiptScope(ReceiptBothDirections))
	ctx := testCtx(t)
	seedReceipts(t, h.store)

	ref := mustFind(t, h.store, 3)
	changed, err := h.store.MarkReceivedUpTo(ctx, ref)
	if err != nil {
		t.Fatalf("mark received: %v", err)
	}
	sortIDs(changed)
	if !equalIDs(changed, []int64{1, 2, 3}) {
		t.Fatalf("changed=%v want [1 2 3]", changed)
	}
	assertReceived(t, h.store, map[int64]bool{1: true, 2: true, 3: true, 4: false, 5: false})

	again, err := h.store.MarkReceivedUpTo(ctx, ref)
	if err != nil {
		t.Fatalf("mark received again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass changed %v", again)
	}
}

// seedReceipts stores a bob->alice thread with one reply and one later message.
func seedReceipts(t *testing.T, s Store) {
	t.Helper()
	for _, m := range []Message{
		{ID: 1, Sender: "bob", Receiver: "alice", Content: "1", SentAt: at(-24 * time.Hour)},
		{ID: 2, Sender: "alice", Receiver: "bob", Content: "2", SentAt: at(time.Minute)},
		{ID: 3, Sender: "bob", Receiver: "alice", Content: "3", SentAt: at(2 * time.Minute)},
		{ID: 4, Sender: "bob", Receiver: "alice", Content: "4", SentAt: at(2*time.Minute + time.Microsecond)},
		{ID: 5, Sender: "bob", Receiver: "carol", Content: "5", SentAt: at(0)},
	} {
		mustCreate(t, s, m)
	}
}

func testConcurrentCreate(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t, WithChunkSize(8))
	ctx := testCtx(t)

	const n = 24

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)

	for i := 1; i <= n; i++ {
		i := i
		go func() {
			defer wg.Done()
			body := strings.Repeat(fmt.Sprintf("<%02d>", i), 10+i)
			if _, err := h.store.Create(ctx, Message{ID: int64(i), Sender: "a", Receiver: "b", Content: body, SentAt: at(time.Duration(i) * time.Second)}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent create: %v", err)
	}

	for i := 1; i <= n; i++ {
		got := mustFind(t, h.store, int64(i))
		want := strings.Repeat(fmt.Sprintf("<%02d>", i), 10+i)
		if got.Content != want {
			t.Fatalf("id=%d content corrupted: %q", i, got.Content)
		}
		seqs := h.chunkSeqs(t, int64(i))
		for j, seq := range seqs {
			if seq != j+1 {
				t.Fatalf("id=%d chunk sequence %v", i, seqs)
			}
		}
	}
}

func testCanceledContext(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.store.Create(ctx, Message{ID: 1, Sender: "a", Receiver: "b", Content: "x", SentAt: baseTime})
	if !IsStorage(err) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
}

// ---- test helpers ----

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustCreate(t *testing.T, s Store, m Message) CreateResult {
	t.Helper()
	res, err := s.Create(testCtx(t), m)
	if err != nil {
		t.Fatalf("create id=%d: %v", m.ID, err)
	}
	if res.Duplicated {
		t.Fatalf("create id=%d: unexpected duplicate", m.ID)
	}
	return res
}

func mustFind(t *testing.T, s Store, id int64) Message {
	t.Helper()
	m, found, err := s.FindByID(testCtx(t), id)
	if err != nil {
		t.Fatalf("find id=%d: %v", id, err)
	}
	if !found {
		t.Fatalf("find id=%d: not found", id)
	}
	return m
}

func mustCount(t *testing.T, s Store) int64 {
	t.Helper()
	n, err := s.Count(testCtx(t))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func assertMessage(t *testing.T, got, want Message) {
	t.Helper()
	if got.ID != want.ID || got.Sender != want.Sender || got.Receiver != want.Receiver ||
		got.Content != want.Content || got.Received != want.Received || got.Seen != want.Seen ||
		!got.SentAt.Equal(want.SentAt) {
		t.Fatalf("message mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func assertReceived(t *testing.T, s Store, want map[int64]bool) {
	t.Helper()
	for id, received := range want {
		if got := mustFind(t, s, id); got.Received != received {
			t.Fatalf("id=%d received=%v want %v", id, got.Received, received)
		}
	}
}

func idsOf(ms []Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
