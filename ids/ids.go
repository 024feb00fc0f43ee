// Package ids builds and parses the canonical URIs used throughout the
// federation core, and serializes the paginated cursors used by the
// object index and the read-view layer.
package ids

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublicAddress is the reserved ActivityPub "anyone" recipient.
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// OldestCursor sorts before any real activity or reply cursor.
const OldestCursor = "1970-01-01T00:00:00Z:!"

// NewestCursor sorts after any real activity or reply cursor.
const NewestCursor = "~"

// NewUniquePart returns a time-ordered 128-bit identifier in its
// canonical textual UUIDv7 form. Lexicographic order equals creation
// order.
func NewUniquePart() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is
		// broken beyond repair; fall back to a random v4 rather than
		// panic on a hot path.
		id = uuid.New()
	}
	return id.String()
}

// ActorURI returns the canonical actor URI for a username on domain.
func ActorURI(domain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, username)
}

// InboxURI returns the per-actor inbox URI.
func InboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/inbox"
}

// OutboxURI returns the per-actor outbox URI.
func OutboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/outbox"
}

// FollowersURI returns the per-actor followers collection URI.
func FollowersURI(domain, username string) string {
	return ActorURI(domain, username) + "/followers"
}

// FollowingURI returns the per-actor following collection URI.
func FollowingURI(domain, username string) string {
	return ActorURI(domain, username) + "/following"
}

// SharedInboxURI returns the domain-wide shared inbox URI.
func SharedInboxURI(domain string) string {
	return fmt.Sprintf("https://%s/inbox", domain)
}

// KeyID returns the HTTP-signature key id for a user's main key.
func KeyID(domain, username string) string {
	return ActorURI(domain, username) + "#main-key"
}

// ActivityURI returns the canonical activity URI for a uniquePart.
func ActivityURI(domain, username, uniquePart string) string {
	return fmt.Sprintf("%s/activities/%s", ActorURI(domain, username), uniquePart)
}

// PostURI returns the canonical post URI for a uniquePart.
func PostURI(domain, username, uniquePart string) string {
	return fmt.Sprintf("%s/posts/%s", ActorURI(domain, username), uniquePart)
}

// RepliesURI returns the replies-collection URI for a post.
func RepliesURI(postURI string) string {
	return postURI + "/replies"
}

// ParseUserID extracts (domain, username[, remainder]) from an actor
// or actor-scoped URI such as ".../users/alice" or
// ".../users/alice/followers". It fails on a missing host or a
// non-"/users/{u}" prefix.
func ParseUserID(uri string) (domain, username, remainder string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("ids: invalid URI %q: %w", uri, err)
	}
	if u.Host == "" {
		return "", "", "", fmt.Errorf("ids: URI %q has no host", uri)
	}
	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, "/")
	const prefix = "users/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", "", fmt.Errorf("ids: URI %q is not a user path", uri)
	}
	rest := path[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	username = parts[0]
	if username == "" {
		return "", "", "", fmt.Errorf("ids: URI %q has an empty username", uri)
	}
	if len(parts) == 2 {
		remainder = parts[1]
	}
	return u.Host, username, remainder, nil
}

// ParseActivityID extracts (domain, username, uniquePart) from a
// canonical activity URI. It fails on extra path segments; a trailing
// slash is accepted.
func ParseActivityID(uri string) (domain, username, uniquePart string, err error) {
	return parseOwnedID(uri, "activities")
}

// ParsePostID extracts (domain, username, uniquePart) from a
// canonical post URI.
func ParsePostID(uri string) (domain, username, uniquePart string, err error) {
	return parseOwnedID(uri, "posts")
}

func parseOwnedID(uri, segment string) (domain, username, uniquePart string, err error) {
	domain, username, remainder, err := ParseUserID(uri)
	if err != nil {
		return "", "", "", err
	}
	prefix := segment + "/"
	if !strings.HasPrefix(remainder, prefix) {
		return "", "", "", fmt.Errorf("ids: URI %q is not a %s path", uri, segment)
	}
	uniquePart = remainder[len(prefix):]
	if uniquePart == "" || strings.Contains(uniquePart, "/") {
		return "", "", "", fmt.Errorf("ids: URI %q has a malformed %s id", uri, segment)
	}
	return domain, username, uniquePart, nil
}

// SerializeActivityCursor renders a partition key (YYYY-MM) and a sort
// key (DDTHH:MM:SS.ffffff) plus uniquePart into the full cursor form
// "YYYY-MM-DDTHH:MM:SS.ffffff:{uniquePart}".
func SerializeActivityCursor(createdAt time.Time, uniquePart string) string {
	utc := createdAt.UTC()
	return fmt.Sprintf("%04d-%02d-%s:%s",
		utc.Year(), int(utc.Month()),
		utc.Format("02T15:04:05.000000"),
		uniquePart)
}

// ActivityCursorPartition returns the YYYY-MM partition key for a time.
func ActivityCursorPartition(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DeserializeActivityCursor is the inverse of SerializeActivityCursor.
func DeserializeActivityCursor(cursor string) (createdAt time.Time, uniquePart string, err error) {
	if cursor == OldestCursor || cursor == NewestCursor {
		return time.Time{}, "", fmt.Errorf("ids: %q is a sentinel, not a real cursor", cursor)
	}
	// "YYYY-MM-DDTHH:MM:SS.ffffff:{uniquePart}" — the timestamp has a
	// fixed width, so the character right after it must be the ':' that
	// separates it from uniquePart; colons inside the timestamp and
	// inside uniquePart are never used as separators.
	const tsLen = len("2006-01-02T15:04:05.000000")
	if len(cursor) <= tsLen+1 {
		return time.Time{}, "", fmt.Errorf("ids: malformed activity cursor %q", cursor)
	}
	tsPart := cursor[:tsLen]
	rest := cursor[tsLen:]
	if !strings.HasPrefix(rest, ":") {
		return time.Time{}, "", fmt.Errorf("ids: malformed activity cursor %q", cursor)
	}
	uniquePart = rest[1:]
	createdAt, err = time.Parse("2006-01-02T15:04:05.000000", tsPart)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("ids: malformed activity cursor timestamp %q: %w", tsPart, err)
	}
	return createdAt.UTC(), uniquePart, nil
}

// SerializeReplyCursor renders "YYYY-MM-DDTHH:MM:SSZ:{replyId}".
func SerializeReplyCursor(published time.Time, replyID string) string {
	return fmt.Sprintf("%s:%s", published.UTC().Format("2006-01-02T15:04:05")+"Z", replyID)
}

// DeserializeReplyCursor is the inverse of SerializeReplyCursor.
func DeserializeReplyCursor(cursor string) (published time.Time, replyID string, err error) {
	if cursor == OldestCursor || cursor == NewestCursor {
		return time.Time{}, "", fmt.Errorf("ids: %q is a sentinel, not a real cursor", cursor)
	}
	const tsLen = len("2006-01-02T15:04:05Z")
	if len(cursor) <= tsLen+1 {
		return time.Time{}, "", fmt.Errorf("ids: malformed reply cursor %q", cursor)
	}
	tsPart := cursor[:tsLen]
	rest := cursor[tsLen:]
	if !strings.HasPrefix(rest, ":") {
		return time.Time{}, "", fmt.Errorf("ids: malformed reply cursor %q", cursor)
	}
	replyID = rest[1:]
	published, err = time.Parse("2006-01-02T15:04:05Z", tsPart)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("ids: malformed reply cursor timestamp %q: %w", tsPart, err)
	}
	return published.UTC(), replyID, nil
}

// EncodeCursorForQuery percent-encodes a cursor for embedding as a
// query-string value, including slashes.
func EncodeCursorForQuery(cursor string) string {
	return url.QueryEscape(cursor)
}

// DecodeCursorFromQuery reverses EncodeCursorForQuery.
func DecodeCursorFromQuery(encoded string) (string, error) {
	return url.QueryUnescape(encoded)
}
