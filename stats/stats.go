// Package stats reacts to insert/remove events on the user and object
// indexes and batch-updates the derived counters (followerCount,
// followingCount, replyCount) they don't maintain transactionally. This is
// the sole place those counters are written; edge-mutation call sites must
// never adjust them directly.
package stats

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/driftpub/driftpub/domain"
)

// MaxBatchSize mirrors the underlying key-value store's batched
// conditional-write limit.
const MaxBatchSize = 25

// CounterKind names which derived counter a key identifies.
type CounterKind int

const (
	FollowerCount CounterKind = iota
	FollowingCount
	ReplyCount
)

// CounterKey identifies one derived counter: a user's follower/following
// count, or a post's reply count.
type CounterKey struct {
	Kind     CounterKind
	Username string
	PostID   string // set only for ReplyCount
}

func (k CounterKey) String() string {
	switch k.Kind {
	case FollowerCount:
		return "follower:" + k.Username
	case FollowingCount:
		return "followee:" + k.Username
	default:
		return "reply:" + k.Username + ":" + k.PostID
	}
}

var (
	followerPattern = regexp.MustCompile(`^follower:(.+)$`)
	followeePattern = regexp.MustCompile(`^followee:(.+)$`)
	replyPattern    = regexp.MustCompile(`^object:(.+):post:(.+)$`)
)

// Accumulate folds a batch of change events into a map of counter deltas.
// It is a pure function: every invocation starts from an empty map, per the
// prohibition on cross-invocation mutable state.
func Accumulate(events []domain.ChangeEvent) map[CounterKey]int64 {
	deltas := make(map[CounterKey]int64)
	for _, ev := range events {
		delta := int64(1)
		if ev.EventName == "REMOVE" {
			delta = -1
		} else if ev.EventName != "INSERT" {
			log.Printf("stats: ignoring unknown change event %q", ev.EventName)
			continue
		}

		if m := followerPattern.FindStringSubmatch(ev.PK); m != nil {
			deltas[CounterKey{Kind: FollowerCount, Username: m[1]}] += delta
			continue
		}
		if m := followeePattern.FindStringSubmatch(ev.PK); m != nil {
			deltas[CounterKey{Kind: FollowingCount, Username: m[1]}] += delta
			continue
		}
		if m := replyPattern.FindStringSubmatch(ev.PK); m != nil && strings.HasPrefix(ev.SK, "reply:") {
			deltas[CounterKey{Kind: ReplyCount, Username: m[1], PostID: m[2]}] += delta
			continue
		}
		// Any other key (user records, activity history, post metadata
		// itself) carries no derived counter.
	}
	return deltas
}

// CounterStore is the narrow write surface stats needs from the user and
// object indexes: atomic counter adjustment, conditional on the owning
// record existing.
type CounterStore interface {
	AdjustFollowerCount(ctx context.Context, username string, delta int64) error
	AdjustFollowingCount(ctx context.Context, username string, delta int64) error
	AdjustReplyCount(ctx context.Context, username, postUniquePart string, delta int64) error
}

// Flush applies deltas to store in batches of at most MaxBatchSize,
// matching the underlying store's TransactWriteItems limit. A failed
// statement is logged and skipped — this component does not retry;
// invocation-level retry is the upstream trigger's responsibility.
func Flush(ctx context.Context, store CounterStore, deltas map[CounterKey]int64) {
	keys := make([]CounterKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}

	for start := 0; start < len(keys); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			if err := applyOne(ctx, store, key, deltas[key]); err != nil {
				log.Printf("stats: failed to flush counter %s: %v", key, err)
			}
		}
	}
}

func applyOne(ctx context.Context, store CounterStore, key CounterKey, delta int64) error {
	switch key.Kind {
	case FollowerCount:
		return store.AdjustFollowerCount(ctx, key.Username, delta)
	case FollowingCount:
		return store.AdjustFollowingCount(ctx, key.Username, delta)
	case ReplyCount:
		return store.AdjustReplyCount(ctx, key.Username, key.PostID, delta)
	default:
		return fmt.Errorf("stats: unknown counter kind %d", key.Kind)
	}
}
