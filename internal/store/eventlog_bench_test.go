package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rendis/stateflow/pkg/schema"
)

// benchStores returns each EventStore implementation under a name.
func benchStores(b *testing.B) map[string]EventStore {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return map[string]EventStore{"libsql": s, "memory": NewMemoryStore()}
}

func BenchmarkRecord(b *testing.B) {
	for name, es := range benchStores(b) {
		b.Run(name, func(b *testing.B) {
			el := NewEventLog(es)
			ctx := context.Background()
			payload := map[string]any{"attempt": 1}
			for b.Loop() {
				if _, err := el.Record(ctx, "bench", "Charge", schema.EventStateEntered, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// Parallel writers each own an execution, so sequences never contend.
func BenchmarkRecordParallel(b *testing.B) {
	for name, es := range benchStores(b) {
		b.Run(name, func(b *testing.B) {
			el := NewEventLog(es)
			ctx := context.Background()
			var writer atomic.Int64
			b.RunParallel(func(pb *testing.PB) {
				execID := fmt.Sprintf("exec-%d", writer.Add(1))
				for pb.Next() {
					if _, err := el.Record(ctx, execID, "Charge", schema.EventStateEntered, nil); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

func BenchmarkReplayEvents(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			el := NewEventLog(NewMemoryStore())
			ctx := context.Background()
			for i := range count {
				state := fmt.Sprintf("S%d", i/2)
				typ := schema.EventStateEntered
				if i%2 == 1 {
					typ = schema.EventStateSucceeded
				}
				if _, err := el.Record(ctx, "replay", state, typ, nil); err != nil {
					b.Fatal(err)
				}
			}
			for b.Loop() {
				if _, err := el.ReplayEvents(ctx, "replay"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
