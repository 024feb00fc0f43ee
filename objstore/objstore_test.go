package objstore

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/driftpub/driftpub/streams"
)

func TestFileStorePutGetRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Put("outbox/users/alice/abc.json", []byte(`{"type":"Create"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get("outbox/users/alice/abc.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"type":"Create"}` {
		t.Fatalf("got %s", got)
	}
}

func TestFileStoreGetMissingReturnsErrNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Get("outbox/users/alice/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFileStoreDeleteMissingIsNotAnError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Delete("outbox/users/alice/missing.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestKeyLayouts(t *testing.T) {
	digest := sha256.Sum256([]byte(`{"type":"Follow"}`))
	if got := InboxKey("alice", digest); got == "" || got[:len("inbox/users/alice/")] != "inbox/users/alice/" {
		t.Fatalf("got %s", got)
	}
	if got := StagingKey("alice", "u1"); got != "staging/users/alice/u1.json" {
		t.Fatalf("got %s", got)
	}
	if got := OutboxKey("alice", "u1"); got != "outbox/users/alice/u1.json" {
		t.Fatalf("got %s", got)
	}
	if got := PostObjectKey("alice", "u1"); got != "objects/users/alice/posts/u1.json" {
		t.Fatalf("got %s", got)
	}
	quarantine := QuarantineKey([]byte("envelope"))
	if quarantine[:len("inbox/")] != "inbox/" {
		t.Fatalf("got %s", quarantine)
	}
}

func TestSaveAndLoadInbox(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	body := []byte(`{"type":"Follow","actor":"a","object":"b"}`)
	key, digest, err := SaveInbox(store, "alice", body)
	if err != nil {
		t.Fatalf("SaveInbox: %v", err)
	}
	if key != InboxKey("alice", digest) {
		t.Fatalf("got key %s", key)
	}
	activity, err := LoadActivity(store, key)
	if err != nil {
		t.Fatalf("LoadActivity: %v", err)
	}
	if activity.Type() != "Follow" {
		t.Fatalf("got type %s", activity.Type())
	}
}

func TestSaveObjectAndQuarantine(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	note, err := streams.Parse([]byte(`{"type":"Note","id":"https://example.social/users/alice/posts/1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := SavePost(store, "alice", "1", note); err != nil {
		t.Fatalf("SavePost: %v", err)
	}
	loaded, err := LoadObject(store, PostObjectKey("alice", "1"))
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if loaded.ID() != note.ID() {
		t.Fatalf("got %s, want %s", loaded.ID(), note.ID())
	}

	qKey, err := SaveQuarantine(store, []byte("bad envelope"))
	if err != nil {
		t.Fatalf("SaveQuarantine: %v", err)
	}
	if _, err := store.Get(qKey); err != nil {
		t.Fatalf("Get quarantine: %v", err)
	}
}

func TestListStagedReturnsKeysAcrossUsers(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Put(StagingKey("alice", "one"), []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(StagingKey("bob", "two"), []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys, err := store.ListStaged()
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
	seenUsers := map[string]bool{}
	for _, k := range keys {
		seenUsers[StagedUser(k)] = true
	}
	if !seenUsers["alice"] || !seenUsers["bob"] {
		t.Fatalf("expected both alice and bob staged, got %v", seenUsers)
	}
}

func TestListStagedEmptyWhenNoStagingDir(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	keys, err := store.ListStaged()
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no staged keys, got %v", keys)
	}
}

func TestStagedUserRejectsNonStagingKey(t *testing.T) {
	if got := StagedUser(OutboxKey("alice", "one")); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
