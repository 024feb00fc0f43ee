// Package outbound implements the server-to-server delivery pipeline:
// staged-payload translation, recipient expansion over to/cc/bcc, and
// per-recipient signed delivery, following the Send*WithDeps
// dependency-injection shape of a production outbox sender.
package outbound

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/httpsig"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/objstore"
	"github.com/driftpub/driftpub/streams"
	"github.com/driftpub/driftpub/users"
)

// Error kinds, matching spec §7's kind table for the paths this package
// can take.
var (
	ErrUnsupported   = errors.New("outbound: staged payload type is not deliverable")
	ErrInvalid       = errors.New("outbound: recipient expansion hit a malformed internal path")
	ErrTransient     = errors.New("outbound: transient delivery failure")
	ErrCommunication = errors.New("outbound: non-transient delivery failure")
)

// PrivateKeyLookup resolves a local user's private-key reference to the
// PEM-encoded key used to sign outbound deliveries.
type PrivateKeyLookup func(ctx context.Context, privateKeyRef string) (string, error)

// UserLookup is the narrow user-index surface recipient expansion and
// delivery bookkeeping need.
type UserLookup interface {
	ReadUser(ctx context.Context, username string) (domain.User, error)
	EnumerateFollowers(ctx context.Context, username string, itemsPerQuery int, after, before string) (users.EdgePage, error)
	UpdateLastActivity(ctx context.Context, username string, now time.Time) error
}

// ObjectPutter is the narrow object-index surface translation needs.
type ObjectPutter interface {
	PutPost(ctx context.Context, rec domain.PostRecord) error
}

// Deps bundles everything the outbound pipeline needs, so it can be
// swapped for fakes in tests.
type Deps struct {
	Users      UserLookup
	Objects    ObjectPutter
	Blobs      objstore.BlobStore
	HTTPClient *http.Client
	Domain     string
	PrivateKey PrivateKeyLookup
	Limiter    *HostLimiter
	Now        func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Translate turns a staged payload into a deliverable activity, per spec
// §4.9: a staged Accept is passed through with a fresh activity id; a
// staged Note is persisted as a post and wrapped in a fresh Create.
func Translate(ctx context.Context, deps *Deps, username string, staged streams.Object) (streams.Object, error) {
	switch staged.Type() {
	case "Accept":
		return translateAccept(ctx, deps, username, staged)
	case "Note":
		return translateNote(ctx, deps, username, staged)
	default:
		return streams.Object{}, fmt.Errorf("%w: %q", ErrUnsupported, staged.Type())
	}
}

func translateAccept(ctx context.Context, deps *Deps, username string, staged streams.Object) (streams.Object, error) {
	ref := streams.Activity{Object: staged}.ObjectRef()
	inner, err := ref.Resolve(ctx, deps.HTTPClient, nil)
	if err != nil {
		return streams.Object{}, fmt.Errorf("outbound: resolving staged Accept's object: %w", err)
	}

	doc := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       ids.ActivityURI(deps.Domain, username, ids.NewUniquePart()),
		"type":     "Accept",
		"actor":    ids.ActorURI(deps.Domain, username),
		"object":   json.RawMessage(inner.Raw()),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return streams.Object{}, err
	}
	return streams.Parse(body)
}

func translateNote(ctx context.Context, deps *Deps, username string, staged streams.Object) (streams.Object, error) {
	note, err := streams.AsNote(staged)
	if err != nil {
		return streams.Object{}, err
	}
	uniquePart := ids.NewUniquePart()
	postURI := ids.PostURI(deps.Domain, username, uniquePart)
	published := deps.now()

	tags := parseContentTags(ctx, deps, note.Content())
	cc := append(rawStrings(staged.Cc()), tags.mentionCcs()...)

	noteDoc := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           postURI,
		"type":         "Note",
		"attributedTo": ids.ActorURI(deps.Domain, username),
		"content":      note.Content(),
		"published":    published.UTC().Format(time.RFC3339),
		"to":           rawStrings(staged.To()),
		"cc":           cc,
		"replies":      ids.RepliesURI(postURI),
	}
	if entries := tags.tagEntries(deps.Domain); len(entries) > 0 {
		noteDoc["tag"] = entries
	}
	noteBody, err := json.Marshal(noteDoc)
	if err != nil {
		return streams.Object{}, err
	}
	noteObj, err := streams.Parse(noteBody)
	if err != nil {
		return streams.Object{}, err
	}
	if err := objstore.SavePost(deps.Blobs, username, uniquePart, noteObj); err != nil {
		return streams.Object{}, fmt.Errorf("outbound: persisting post: %w", err)
	}
	if err := deps.Objects.PutPost(ctx, domain.PostRecord{
		Username: username, UniquePart: uniquePart, PostID: postURI,
		Type: "Note", Published: published, IsPublic: staged.IsPublic(),
	}); err != nil {
		return streams.Object{}, fmt.Errorf("outbound: recording post metadata: %w", err)
	}

	createDoc := map[string]any{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        ids.ActivityURI(deps.Domain, username, ids.NewUniquePart()),
		"type":      "Create",
		"actor":     ids.ActorURI(deps.Domain, username),
		"object":    json.RawMessage(noteObj.Raw()),
		"to":        rawStrings(staged.To()),
		"cc":        cc,
		"published": published.UTC().Format(time.RFC3339),
	}
	createBody, err := json.Marshal(createDoc)
	if err != nil {
		return streams.Object{}, err
	}
	return streams.Parse(createBody)
}

func rawStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// ExpandRecipients resolves to/cc/bcc into a deduplicated list of inbox
// URIs, excluding the sending actor and the reserved Public address, per
// spec §4.9's internal-path special cases and external actor/collection
// resolution rules.
func ExpandRecipients(ctx context.Context, deps *Deps, username string, activity streams.Object) ([]string, error) {
	actorURI := ids.ActorURI(deps.Domain, username)
	addressed := append(append([]string{}, activity.To()...), activity.Cc()...)
	addressed = append(addressed, activity.Bcc()...)

	seen := make(map[string]bool)
	var inboxes []string
	addInbox := func(uri string) {
		if uri == "" || seen[uri] {
			return
		}
		seen[uri] = true
		inboxes = append(inboxes, uri)
	}

	for _, recipient := range addressed {
		if recipient == "" || recipient == actorURI || recipient == ids.PublicAddress {
			continue
		}
		if err := expandOne(ctx, deps, recipient, addInbox); err != nil {
			return nil, err
		}
	}
	return inboxes, nil
}

func expandOne(ctx context.Context, deps *Deps, recipient string, addInbox func(string)) error {
	domainName, recipientUser, remainder, err := ids.ParseUserID(recipient)
	if err == nil && domainName == deps.Domain {
		switch {
		case remainder == "":
			if _, err := deps.Users.ReadUser(ctx, recipientUser); err != nil {
				return nil // unknown local user: nothing to deliver to
			}
			addInbox(ids.InboxURI(deps.Domain, recipientUser))
			return nil
		case remainder == "followers":
			return expandFollowers(ctx, deps, recipientUser, addInbox)
		default:
			return fmt.Errorf("%w: %s", ErrInvalid, recipient)
		}
	}

	return expandExternal(ctx, deps, recipient, addInbox)
}

func expandFollowers(ctx context.Context, deps *Deps, username string, addInbox func(string)) error {
	after := ""
	for {
		page, err := deps.Users.EnumerateFollowers(ctx, username, 100, after, "")
		if err != nil {
			return fmt.Errorf("outbound: enumerating followers of %s: %w", username, err)
		}
		for _, followerActorID := range page.ActorIDs {
			if err := expandExternal(ctx, deps, followerActorID, addInbox); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		after = page.Next
	}
}

func expandExternal(ctx context.Context, deps *Deps, actorURI string, addInbox func(string)) error {
	obj, err := streams.Fetch(ctx, deps.HTTPClient, actorURI)
	if err != nil {
		if errors.Is(err, streams.ErrNotFound) {
			log.Printf("outbound: recipient %s gone, skipping", actorURI)
			return nil
		}
		if errors.Is(err, streams.ErrTimeout) {
			return fmt.Errorf("%w: fetching %s: %v", ErrTransient, actorURI, err)
		}
		return fmt.Errorf("%w: fetching %s: %v", ErrCommunication, actorURI, err)
	}

	if isCollection(obj.Type()) {
		log.Printf("outbound: recipient %s is a collection, deferring resolution", actorURI)
		return nil
	}
	actor, err := streams.AsActor(obj)
	if err != nil {
		log.Printf("outbound: recipient %s is neither an actor nor a collection, skipping", actorURI)
		return nil
	}
	addInbox(actor.PreferredInbox())
	return nil
}

func isCollection(typ string) bool {
	switch typ {
	case "Collection", "OrderedCollection", "CollectionPage", "OrderedCollectionPage":
		return true
	default:
		return false
	}
}

// Deliver signs and POSTs activity to recipientInbox, classifying the
// response per spec §4.9. A 2xx response is success and bumps the
// sender's last_activity_at; 429 or a network timeout is Transient; a 410
// is logged and treated as a no-op skip; anything else is Communication.
func Deliver(ctx context.Context, deps *Deps, username string, activity streams.Object, recipientInbox string) error {
	if activity.ID() == "" || activity.Type() == "" {
		return fmt.Errorf("%w: activity missing id or type", ErrInvalid)
	}

	user, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return fmt.Errorf("outbound: looking up sender %s: %w", username, err)
	}
	pemKey, err := deps.PrivateKey(ctx, user.PrivateKeyRef)
	if err != nil {
		return fmt.Errorf("outbound: resolving private key for %s: %w", username, err)
	}
	privateKey, err := httpsig.ParsePrivateKey(pemKey)
	if err != nil {
		return fmt.Errorf("outbound: parsing private key for %s: %w", username, err)
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.Wait(ctx, recipientInbox); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
		}
	}

	body := activity.Raw()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipientInbox, io.NopCloser(bytes.NewReader(body)))
	if err != nil {
		return fmt.Errorf("outbound: building request: %w", err)
	}
	req.ContentLength = int64(len(body))

	digest := sha256.Sum256(body)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", streams.AcceptHeader)
	req.Header.Set("User-Agent", streams.UserAgent)
	req.Header.Set("Date", deps.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(digest[:]))

	if err := httpsig.SignRequest(req, privateKey, ids.KeyID(deps.Domain, username)); err != nil {
		return fmt.Errorf("outbound: signing request: %w", err)
	}
	// SignRequest drains req.Body to compute the digest; restore it for Do.
	req.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrTransient, recipientInbox, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := deps.Users.UpdateLastActivity(ctx, username, deps.now()); err != nil {
			log.Printf("outbound: updating last_activity_at for %s: %v", username, err)
		}
		return nil
	case resp.StatusCode == http.StatusGone:
		log.Printf("outbound: %s returned 410, skipping", recipientInbox)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429", ErrTransient, recipientInbox)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrCommunication, recipientInbox, resp.StatusCode)
	}
}

func hostOf(uri string) string {
	trimmed := strings.TrimPrefix(uri, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
