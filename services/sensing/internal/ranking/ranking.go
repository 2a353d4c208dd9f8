// Package ranking publishes the live junction congestion ranking to Redis.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/congestion"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/directory"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/models"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/snapshot"
)

// Source returns the raw edge documents keyed by edge id.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Directory exposes the current junction mapping.
type Directory interface {
	Snapshot() *directory.Snapshot
}

// Publisher computes the ranking and stores it under one key.
type Publisher struct {
	source     Source
	dir        Directory
	client     redis.Cmdable
	key        string
	ttl        time.Duration
	classifier congestion.Classifier
	log        *slog.Logger
}

// New builds a Publisher. A zero ttl keeps the key without expiry.
func New(source Source, dir Directory, client redis.Cmdable, key string, ttl time.Duration, classifier congestion.Classifier, log *slog.Logger) *Publisher {
	return &Publisher{
		source:     source,
		dir:        dir,
		client:     client,
		key:        key,
		ttl:        ttl,
		classifier: classifier,
		log:        log,
	}
}

// Compute ranks every known junction from the current edge documents.
func (p *Publisher) Compute(ctx context.Context) ([]models.JunctionCongestion, error) {
	dir := p.dir.Snapshot()
	if dir.Len() == 0 {
		return []models.JunctionCongestion{}, nil
	}

	raw, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	edges := make(map[string]models.EdgeSnapshot, len(raw))
	for key, doc := range raw {
		snap, err := snapshot.Decode(key, doc)
		if err != nil {
			continue
		}
		edges[snap.EdgeID] = snap
	}
	return p.classifier.Ranking(dir, edges), nil
}

// Publish computes the ranking and overwrites the cached value.
func (p *Publisher) Publish(ctx context.Context) error {
	ranking, err := p.Compute(ctx)
	if err != nil {
		p.log.Error("failed to compute congestion ranking", "error", err)
		return fmt.Errorf("compute ranking: %w", err)
	}

	payload, err := json.Marshal(ranking)
	if err != nil {
		return fmt.Errorf("encode ranking: %w", err)
	}
	if err := p.client.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
		p.log.Error("failed to cache congestion ranking", "key", p.key, "error", err)
		return fmt.Errorf("set %s: %w", p.key, err)
	}
	p.log.Debug("congestion ranking cached", "key", p.key, "junctions", len(ranking))
	return nil
}
