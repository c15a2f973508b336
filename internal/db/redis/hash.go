package redis

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/Ron111104/LEGALYTICS/internal/db"
)

// hsetChunk bounds the number of commands sent per DoMulti round-trip.
const hsetChunk = 512

// HSetMulti stores multiple hashes with pipelined DoMulti round-trips.
func (s *Store) HSetMulti(ctx context.Context, items []db.HashSetItem) error {
	for start := 0; start < len(items); start += hsetChunk {
		end := min(start+hsetChunk, len(items))
		chunk := items[start:end]

		cmds := make([]rueidis.Completed, len(chunk))
		for i, item := range chunk {
			cmd := s.b().Hset().Key(item.Key).FieldValue()
			for k, v := range item.Fields {
				cmd = cmd.FieldValue(k, v)
			}
			cmds[i] = cmd.Build()
		}

		results := s.client.DoMulti(ctx, cmds...)
		for i, res := range results {
			if err := res.Error(); err != nil {
				return &db.Error{Op: db.OpHSet, Err: fmt.Errorf("key %s: %w", chunk[i].Key, err)}
			}
		}
	}
	return nil
}
