package stats

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/driftpub/driftpub/domain"
)

func TestAccumulateFollowerEdge(t *testing.T) {
	events := []domain.ChangeEvent{
		{EventName: "INSERT", PK: "follower:alice", SK: "https://remote.example/users/bob"},
		{EventName: "INSERT", PK: "follower:alice", SK: "https://remote.example/users/carol"},
		{EventName: "REMOVE", PK: "follower:alice", SK: "https://remote.example/users/bob"},
	}
	deltas := Accumulate(events)
	if len(deltas) != 1 {
		t.Fatalf("got %v", deltas)
	}
	if got := deltas[CounterKey{Kind: FollowerCount, Username: "alice"}]; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestAccumulateFolloweeEdge(t *testing.T) {
	events := []domain.ChangeEvent{
		{EventName: "INSERT", PK: "followee:alice", SK: "https://remote.example/users/bob"},
	}
	deltas := Accumulate(events)
	if got := deltas[CounterKey{Kind: FollowingCount, Username: "alice"}]; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestAccumulateReplyEdge(t *testing.T) {
	events := []domain.ChangeEvent{
		{EventName: "INSERT", PK: "object:alice:post:abc123", SK: "reply:2026-03-01T00:00:00Z:https://remote.example/notes/1"},
		{EventName: "INSERT", PK: "object:alice:post:abc123", SK: "reply:2026-03-01T00:01:00Z:https://remote.example/notes/2"},
	}
	deltas := Accumulate(events)
	if got := deltas[CounterKey{Kind: ReplyCount, Username: "alice", PostID: "abc123"}]; got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestAccumulateIgnoresUnrelatedKeys(t *testing.T) {
	events := []domain.ChangeEvent{
		{EventName: "INSERT", PK: "user:alice", SK: "reserved"},
		{EventName: "INSERT", PK: "object:alice:post:abc123", SK: "metadata"},
		{EventName: "INSERT", PK: "activity:alice:2026-03", SK: "01T00:00:00.000000:xyz"},
	}
	if deltas := Accumulate(events); len(deltas) != 0 {
		t.Fatalf("got %v, want no counters", deltas)
	}
}

func TestAccumulateIsPureAcrossCalls(t *testing.T) {
	events := []domain.ChangeEvent{{EventName: "INSERT", PK: "follower:alice", SK: "x"}}
	first := Accumulate(events)
	second := Accumulate(events)
	if first[CounterKey{Kind: FollowerCount, Username: "alice"}] != second[CounterKey{Kind: FollowerCount, Username: "alice"}] {
		t.Fatalf("accumulator retained state across calls")
	}
}

type fakeStore struct {
	followerCalls  map[string]int64
	followingCalls map[string]int64
	replyCalls     map[string]int64
	failUsername   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		followerCalls:  map[string]int64{},
		followingCalls: map[string]int64{},
		replyCalls:     map[string]int64{},
	}
}

func (f *fakeStore) AdjustFollowerCount(_ context.Context, username string, delta int64) error {
	if username == f.failUsername {
		return errors.New("boom")
	}
	f.followerCalls[username] += delta
	return nil
}

func (f *fakeStore) AdjustFollowingCount(_ context.Context, username string, delta int64) error {
	f.followingCalls[username] += delta
	return nil
}

func (f *fakeStore) AdjustReplyCount(_ context.Context, username, postUniquePart string, delta int64) error {
	f.replyCalls[username+":"+postUniquePart] += delta
	return nil
}

func TestFlushAppliesAllDeltas(t *testing.T) {
	store := newFakeStore()
	deltas := map[CounterKey]int64{
		{Kind: FollowerCount, Username: "alice"}:              2,
		{Kind: FollowingCount, Username: "alice"}:              -1,
		{Kind: ReplyCount, Username: "alice", PostID: "abc"}:   3,
	}
	Flush(context.Background(), store, deltas)
	if store.followerCalls["alice"] != 2 {
		t.Fatalf("got %d", store.followerCalls["alice"])
	}
	if store.followingCalls["alice"] != -1 {
		t.Fatalf("got %d", store.followingCalls["alice"])
	}
	if store.replyCalls["alice:abc"] != 3 {
		t.Fatalf("got %d", store.replyCalls["alice:abc"])
	}
}

func TestFlushSkipsFailuresWithoutAbortingBatch(t *testing.T) {
	store := newFakeStore()
	store.failUsername = "alice"
	deltas := map[CounterKey]int64{
		{Kind: FollowerCount, Username: "alice"}: 1,
		{Kind: FollowerCount, Username: "bob"}:   1,
	}
	Flush(context.Background(), store, deltas)
	if store.followerCalls["alice"] != 0 {
		t.Fatalf("expected alice's failed adjustment to not be recorded")
	}
	if store.followerCalls["bob"] != 1 {
		t.Fatalf("expected bob's adjustment to still apply despite alice's failure")
	}
}

func TestFlushBatchesLargeDeltaSets(t *testing.T) {
	store := newFakeStore()
	deltas := make(map[CounterKey]int64)
	for i := 0; i < MaxBatchSize*2+3; i++ {
		deltas[CounterKey{Kind: FollowerCount, Username: "user-" + strconv.Itoa(i)}] = 1
	}
	Flush(context.Background(), store, deltas)
	var total int64
	for _, v := range store.followerCalls {
		total += v
	}
	if total != int64(len(deltas)) {
		t.Fatalf("got %d, want %d", total, len(deltas))
	}
}
