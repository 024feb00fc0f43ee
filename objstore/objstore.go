// Package objstore adapts a filesystem-rooted blob store to the well-known
// key layouts ActivityPub documents live under: received inbox payloads,
// staged and delivered outbox activities, post objects, and quarantined
// envelopes.
package objstore

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftpub/driftpub/streams"
)

// ErrNotFound is returned when a key has no stored blob.
var ErrNotFound = errors.New("objstore: key not found")

// BlobStore is the narrow contract this package adapts to the well-known
// key layouts below. A production deployment backs it with an object-store
// client; tests and local runs back it with the filesystem implementation
// in this file.
type BlobStore interface {
	Get(key string) ([]byte, error)
	Put(key string, body []byte) error
	Delete(key string) error
}

// FileStore is a BlobStore rooted at a directory on the local filesystem.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at root, creating it if absent.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: creating root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Get implements BlobStore.
func (f *FileStore) Get(key string) ([]byte, error) {
	body, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Put implements BlobStore, creating parent directories as needed.
func (f *FileStore) Put(key string, body []byte) error {
	full := f.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, body, 0o644)
}

// Delete implements BlobStore; deleting a missing key is not an error.
func (f *FileStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListStaged returns the staging keys for every user with a not-yet-
// delivered activity, for a delivery worker's polling loop. A missing
// staging directory is not an error; it just means nothing is staged yet.
func (f *FileStore) ListStaged() ([]string, error) {
	root := filepath.Join(f.root, "staging", "users")
	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(f.root, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// StagedUser extracts the owning username from a staging key produced by
// StagingKey, or "" if key isn't a staging key.
func StagedUser(key string) string {
	const prefix = "staging/users/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

// InboxKey is the key a raw inbound payload is stored under, addressed by
// the SHA-256 digest of the payload body.
func InboxKey(username string, digest [32]byte) string {
	return fmt.Sprintf("inbox/users/%s/%s.json", username, base64url(digest[:]))
}

// StagingKey is the key a not-yet-translated outbound payload is stored
// under.
func StagingKey(username, uniquePart string) string {
	return fmt.Sprintf("staging/users/%s/%s.json", username, uniquePart)
}

// OutboxKey is the key a delivered, translated activity is stored under.
func OutboxKey(username, uniquePart string) string {
	return fmt.Sprintf("outbox/users/%s/%s.json", username, uniquePart)
}

// PostObjectKey is the key a local post's Note document is stored under.
func PostObjectKey(username, uniquePart string) string {
	return fmt.Sprintf("objects/users/%s/posts/%s.json", username, uniquePart)
}

// QuarantineKey is the key a rejected envelope is stored under, addressed
// by the digest of the whole envelope (not just its body).
func QuarantineKey(envelope []byte) string {
	sum := sha256.Sum256(envelope)
	return fmt.Sprintf("inbox/%s.json", base64url(sum[:]))
}

func base64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// LoadJSON reads and returns the raw bytes at key, mapping a missing blob to
// ErrNotFound.
func LoadJSON(store BlobStore, key string) ([]byte, error) {
	body, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// LoadObject reads key and parses it as a generic Activity Streams object.
func LoadObject(store BlobStore, key string) (streams.Object, error) {
	body, err := LoadJSON(store, key)
	if err != nil {
		return streams.Object{}, err
	}
	return streams.Parse(body)
}

// LoadActivity reads key and wraps the parsed object as the base Activity
// shape; it does not check that "actor" or "object" fields are present. The
// caller refines it further with streams.AsFollow etc.
func LoadActivity(store BlobStore, key string) (streams.Activity, error) {
	obj, err := LoadObject(store, key)
	if err != nil {
		return streams.Activity{}, err
	}
	return streams.Activity{Object: obj}, nil
}

// SaveObject writes obj's raw JSON to key.
func SaveObject(store BlobStore, key string, obj streams.Object) error {
	return store.Put(key, obj.Raw())
}

// SaveActivityInOutbox writes a translated activity to its outbox key.
func SaveActivityInOutbox(store BlobStore, username, uniquePart string, activity streams.Object) error {
	return store.Put(OutboxKey(username, uniquePart), activity.Raw())
}

// SavePost writes a local Note's document to its post-object key.
func SavePost(store BlobStore, username, uniquePart string, note streams.Object) error {
	return store.Put(PostObjectKey(username, uniquePart), note.Raw())
}

// SaveInbox writes a raw inbound payload under its digest-addressed key and
// returns the SHA-256 digest it computed from body. No checksum is stored
// alongside the blob, and the sender's Digest header is not consulted.
func SaveInbox(store BlobStore, username string, body []byte) (key string, digest [32]byte, err error) {
	digest = sha256.Sum256(body)
	key = InboxKey(username, digest)
	if err := store.Put(key, body); err != nil {
		return "", digest, err
	}
	return key, digest, nil
}

// SaveQuarantine writes a rejected envelope under its digest-addressed key.
func SaveQuarantine(store BlobStore, envelope []byte) (key string, err error) {
	key = QuarantineKey(envelope)
	if err := store.Put(key, envelope); err != nil {
		return "", err
	}
	return key, nil
}
