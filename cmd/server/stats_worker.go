package main

import (
	"context"
	"log"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/objects"
	"github.com/driftpub/driftpub/stats"
	"github.com/driftpub/driftpub/users"
)

// drainBatchSize caps how many change-log rows a single statsWorker tick
// pulls from either store, so one slow tick never holds a long SQLite
// transaction open.
const drainBatchSize = 500

// combinedCounterStore adapts the two independently-sharded stores into
// the single stats.CounterStore surface Flush needs: follower/following
// counters live on users.DB, reply counters on objects.DB.
type combinedCounterStore struct {
	users   *users.DB
	objects *objects.DB
}

func (s *combinedCounterStore) AdjustFollowerCount(ctx context.Context, username string, delta int64) error {
	return s.users.AdjustFollowerCount(ctx, username, delta)
}

func (s *combinedCounterStore) AdjustFollowingCount(ctx context.Context, username string, delta int64) error {
	return s.users.AdjustFollowingCount(ctx, username, delta)
}

func (s *combinedCounterStore) AdjustReplyCount(ctx context.Context, username, postUniquePart string, delta int64) error {
	return s.objects.AdjustReplyCount(ctx, username, postUniquePart, delta)
}

// statsWorker periodically drains both stores' change logs and flushes the
// resulting counter deltas, standing in for the DynamoDB Streams trigger
// spec §4.7 describes: here the "stream" is the change_log table each
// store already writes transactionally alongside its edge mutations.
type statsWorker struct {
	users    *users.DB
	objects  *objects.DB
	store    *combinedCounterStore
	interval time.Duration
}

func newStatsWorker(u *users.DB, o *objects.DB, interval time.Duration) *statsWorker {
	return &statsWorker{users: u, objects: o, store: &combinedCounterStore{users: u, objects: o}, interval: interval}
}

func (w *statsWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *statsWorker) tick(ctx context.Context) {
	var events []domain.ChangeEvent

	userEvents, err := w.users.DrainChangeEvents(ctx, drainBatchSize)
	if err != nil {
		log.Printf("stats worker: draining user change log: %v", err)
	} else {
		events = append(events, userEvents...)
	}

	objectEvents, err := w.objects.DrainChangeEvents(ctx, drainBatchSize)
	if err != nil {
		log.Printf("stats worker: draining object change log: %v", err)
	} else {
		events = append(events, objectEvents...)
	}

	if len(events) == 0 {
		return
	}
	deltas := stats.Accumulate(events)
	stats.Flush(ctx, w.store, deltas)
}
