package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// backends runs fn against every store implementation
func backends(t *testing.T, fn func(t *testing.T, s Store, clock *clockwork.FakeClock)) {
	t.Helper()

	open := map[string]func(clockwork.Clock) (Store, error){
		DriverMemory: func(c clockwork.Clock) (Store, error) { return NewMemoryStore(c, zerolog.Nop()) },
		DriverSQLite: func(c clockwork.Clock) (Store, error) { return NewSQLStore(":memory:", c, zerolog.Nop()) },
	}

	for name, factory := range open {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			s, err := factory(clock)
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			t.Cleanup(func() { s.Close() })
			fn(t, s, clock)
		})
	}
}

type roomDoc struct {
	Code         string    `json:"code"`
	Phase        string    `json:"phase"`
	CurrentRound int       `json:"currentRound"`
	CreatedAt    time.Time `json:"createdAt"`
}

func TestSetGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		key := Key("rooms", "4821")

		snap, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get missing: %v", err)
		}
		if snap.Exists {
			t.Fatal("expected missing document")
		}

		err = s.Set(ctx, key, Fields{
			"code":         "4821",
			"phase":        "submitting",
			"currentRound": 1,
			"createdAt":    ServerTimestamp,
		})
		if err != nil {
			t.Fatalf("set: %v", err)
		}

		snap, err = s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !snap.Exists {
			t.Fatal("expected document to exist")
		}
		if snap.Doc.ID != "4821" {
			t.Errorf("ID = %q, want 4821", snap.Doc.ID)
		}

		var room roomDoc
		if err := Decode(snap.Doc.Fields, &room); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if room.Code != "4821" || room.Phase != "submitting" || room.CurrentRound != 1 {
			t.Errorf("unexpected room %+v", room)
		}
		if !room.CreatedAt.Equal(epoch) {
			t.Errorf("createdAt = %v, want server time %v", room.CreatedAt, epoch)
		}
	})
}

func TestSetKeepsCreateTime(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		key := Key("rooms", "1000")

		if err := s.Set(ctx, key, Fields{"phase": "submitting"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		clock.Advance(time.Minute)
		if err := s.Set(ctx, key, Fields{"phase": "judging"}); err != nil {
			t.Fatalf("overwrite: %v", err)
		}

		snap, _ := s.Get(ctx, key)
		if !snap.Doc.CreateTime.Equal(epoch) {
			t.Errorf("CreateTime = %v, want %v", snap.Doc.CreateTime, epoch)
		}
		if !snap.Doc.UpdateTime.Equal(epoch.Add(time.Minute)) {
			t.Errorf("UpdateTime = %v, want %v", snap.Doc.UpdateTime, epoch.Add(time.Minute))
		}
		if snap.Doc.Fields["phase"] != "judging" {
			t.Errorf("phase = %v, want judging", snap.Doc.Fields["phase"])
		}
	})
}

func TestUpdate(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		key := Key("rooms", "2000")

		err := s.Update(ctx, key, Fields{"phase": "judging"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing: got %v, want ErrNotFound", err)
		}

		if err := s.Set(ctx, key, Fields{"code": "2000", "phase": "submitting", "currentRound": 1}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.Update(ctx, key, Fields{"phase": "judging"}); err != nil {
			t.Fatalf("update: %v", err)
		}

		snap, _ := s.Get(ctx, key)
		var room roomDoc
		if err := Decode(snap.Doc.Fields, &room); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if room.Phase != "judging" || room.Code != "2000" || room.CurrentRound != 1 {
			t.Errorf("merge lost fields: %+v", room)
		}
	})
}

func TestDeleteAndList(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		parent := Key("rooms", "3000", "submissions")

		for _, id := range []string{"1_b", "1_a", "2_a"} {
			if err := s.Set(ctx, Key(parent, id), Fields{"text": id}); err != nil {
				t.Fatalf("set %s: %v", id, err)
			}
		}
		// other collections stay out of the listing
		if err := s.Set(ctx, Key("rooms", "3001", "submissions", "1_a"), Fields{"text": "x"}); err != nil {
			t.Fatalf("set: %v", err)
		}

		docs, err := s.List(ctx, parent)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(docs) != 3 {
			t.Fatalf("got %d docs, want 3", len(docs))
		}
		if docs[0].ID != "1_a" || docs[1].ID != "1_b" || docs[2].ID != "2_a" {
			t.Errorf("unexpected order %s %s %s", docs[0].ID, docs[1].ID, docs[2].ID)
		}

		if err := s.Delete(ctx, Key(parent, "1_a")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, Key(parent, "1_a")); err != nil {
			t.Fatalf("delete twice: %v", err)
		}

		docs, _ = s.List(ctx, parent)
		if len(docs) != 2 {
			t.Errorf("got %d docs after delete, want 2", len(docs))
		}
	})
}

func TestQueryByField(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		parent := Key("rooms", "4000", "submissions")

		writes := map[string]int{"1_a": 1, "1_b": 1, "2_a": 2}
		for id, round := range writes {
			if err := s.Set(ctx, Key(parent, id), Fields{"round": round}); err != nil {
				t.Fatalf("set: %v", err)
			}
		}

		keys, err := s.QueryByField(ctx, parent, "round", 1)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		want := []string{Key(parent, "1_a"), Key(parent, "1_b")}
		if len(keys) != len(want) {
			t.Fatalf("got %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
			}
		}

		keys, err = s.QueryByField(ctx, parent, "round", 7)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected no matches, got %v", keys)
		}
	})
}

func TestInvalidKey(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		for _, key := range []string{"", "rooms", "rooms//x", "rooms/1/submissions"} {
			if err := s.Set(ctx, key, Fields{}); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Set(%q) = %v, want ErrInvalidKey", key, err)
			}
		}
	})
}

func TestSubscribe(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		key := Key("rooms", "5000")

		snaps := make(chan Snapshot, 16)
		stop, err := s.Subscribe(key, func(snap Snapshot) { snaps <- snap })
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()

		if snap := receive(t, snaps); snap.Exists {
			t.Fatal("first delivery should report a missing document")
		}

		if err := s.Set(ctx, key, Fields{"phase": "submitting"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		snap := receive(t, snaps)
		if !snap.Exists || snap.Doc.Fields["phase"] != "submitting" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}

		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if snap := receive(t, snaps); snap.Exists {
			t.Fatal("expected deletion to be delivered")
		}
	})
}

func TestSubscribeCollection(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		parent := Key("rooms", "6000", "submissions")

		batches := make(chan []Document, 16)
		stop, err := s.SubscribeCollection(parent, func(docs []Document) { batches <- docs })
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()

		if docs := receive(t, batches); len(docs) != 0 {
			t.Fatalf("initial delivery has %d docs, want 0", len(docs))
		}

		if err := s.Set(ctx, Key(parent, "1_a"), Fields{"text": "x"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if docs := receive(t, batches); len(docs) != 1 {
			t.Fatalf("got %d docs, want 1", len(docs))
		}

		if err := s.Delete(ctx, Key(parent, "1_a")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if docs := receive(t, batches); len(docs) != 0 {
			t.Fatalf("got %d docs after delete, want 0", len(docs))
		}
	})
}

func TestConcurrentWriters(t *testing.T) {
	const writers = 8

	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		parent := Key("rooms", "7000", "submissions")

		batches := make(chan []Document, 256)
		stop, err := s.SubscribeCollection(parent, func(docs []Document) { batches <- docs })
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()
		receive(t, batches)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				for _, text := range []string{"x", "y"} {
					if err := s.Set(ctx, key, Fields{"round": 1, "text": text, "createdAt": ServerTimestamp}); err != nil {
						t.Errorf("set %s: %v", key, err)
					}
				}
			}(Key(parent, fmt.Sprintf("1_p%d", i)))
		}
		wg.Wait()

		docs, err := s.List(ctx, parent)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(docs) != writers {
			t.Fatalf("got %d docs, want %d", len(docs), writers)
		}
		for _, d := range docs {
			if d.Fields["text"] != "y" {
				t.Errorf("%s text = %v, want y", d.Key, d.Fields["text"])
			}
		}

		timeout := time.After(2 * time.Second)
		for {
			select {
			case docs := <-batches:
				if len(docs) != writers {
					continue
				}
				settled := true
				for _, d := range docs {
					if d.Fields["text"] != "y" {
						settled = false
					}
				}
				if settled {
					return
				}
			case <-timeout:
				t.Fatal("subscription never delivered the settled collection")
			}
		}
	})
}

func TestClosedStore(t *testing.T) {
	backends(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if _, err := s.Get(context.Background(), Key("rooms", "1")); !errors.Is(err, ErrClosed) {
			t.Errorf("Get after close = %v, want ErrClosed", err)
		}
	})
}

func TestOpenValidatesSettings(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"missing driver", Options{}, "missing store settings: store-driver"},
		{"sqlite without dsn", Options{Driver: DriverSQLite}, "missing store settings: store-dsn"},
		{"unknown driver", Options{Driver: "redis"}, `unknown store driver "redis"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.opts)
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Open() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	s, err := Open(Options{Driver: DriverMemory, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	s.Close()
}

func TestDecodeTimestampString(t *testing.T) {
	var room roomDoc
	err := Decode(Fields{"createdAt": "2024-03-01T12:00:00Z", "currentRound": float64(3)}, &room)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !room.CreatedAt.Equal(epoch) || room.CurrentRound != 3 {
		t.Errorf("unexpected decode %+v", room)
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}
