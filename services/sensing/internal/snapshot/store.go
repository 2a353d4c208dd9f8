// Package snapshot reads the per-edge telemetry documents the simulator keeps in Redis.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
)

// ErrMalformed marks an edge document that cannot be used.
var ErrMalformed = errors.New("malformed edge snapshot")

const (
	scanCount = 500
	mgetChunk = 500
)

// Layout selects how edge documents are keyed.
type Layout int

const (
	// HashLayout keeps every edge as a field of one hash (HGETALL).
	HashLayout Layout = iota
	// PrefixLayout keeps every edge under its own string key (SCAN + MGET).
	PrefixLayout
)

// Options configures a Store.
type Options struct {
	Layout  Layout
	HashKey string
	Prefix  string
}

// Store fetches raw edge documents keyed by edge id.
type Store struct {
	client redis.Cmdable
	opts   Options
}

// NewStore wraps a Redis client.
func NewStore(client redis.Cmdable, opts Options) *Store {
	return &Store{client: client, opts: opts}
}

// Fetch returns every edge document currently stored, keyed by edge id.
func (s *Store) Fetch(ctx context.Context) (map[string]string, error) {
	if s.opts.Layout == PrefixLayout {
		return s.fetchPrefixed(ctx)
	}

	entries, err := s.client.HGetAll(ctx, s.opts.HashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.opts.HashKey, err)
	}
	return entries, nil
}

func (s *Store) fetchPrefixed(ctx context.Context) (map[string]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.opts.Prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s*: %w", s.opts.Prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += mgetChunk {
		end := min(start+mgetChunk, len(keys))
		chunk := keys[start:end]

		values, err := s.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget edge keys: %w", err)
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				// key expired between SCAN and MGET
				continue
			}
			out[strings.TrimPrefix(chunk[i], s.opts.Prefix)] = str
		}
	}
	return out, nil
}

// Decode decodes one edge document. key is used when the document omits edgeID.
// A missing timestamp is not an error; callers decide what such an edge is good for.
func Decode(key, raw string) (models.EdgeSnapshot, error) {
	var snap models.EdgeSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return models.EdgeSnapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if snap.EdgeID == "" {
		snap.EdgeID = key
	}
	if snap.EdgeID == "" {
		return models.EdgeSnapshot{}, fmt.Errorf("%w: missing edgeID", ErrMalformed)
	}
	return snap, nil
}

// Occupancy returns the occupancy ratio of an edge. When the simulator omits it and
// estimate is set, it is derived from the waiting queue per lane.
func Occupancy(snap models.EdgeSnapshot, estimate bool) float64 {
	if snap.Occupancy != nil {
		return *snap.Occupancy
	}
	if !estimate || snap.LaneNumber == nil || *snap.LaneNumber <= 0 || snap.WaitingVehicleCount == nil {
		return 0
	}
	pct := float64(*snap.WaitingVehicleCount) / float64(*snap.LaneNumber) * 15.0
	return min(pct, 100.0) / 100.0
}
