// Package inbound implements the server-to-server receiving pipeline:
// prefilter, signature verification, idempotent persistence, and activity
// dispatch, following the testable dependency-injection shape of a
// production inbox handler (a Deps struct passed to each entry point).
package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/httpsig"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/objstore"
	"github.com/driftpub/driftpub/streams"
)

// Error kinds, matching spec §7's kind table for the paths this package
// can take.
var (
	ErrBadFormat    = errors.New("inbound: malformed request")
	ErrUnauthorized = errors.New("inbound: signature did not verify")
	ErrNotFound     = errors.New("inbound: unknown recipient")
	ErrTransient    = errors.New("inbound: transient upstream failure")
)

// MaxPrefilterBody is the body size under which the self-directed-Delete
// short circuit applies without running signature verification.
const MaxPrefilterBody = 10 * 1024

// UserStore is the narrow user-index surface the inbound pipeline needs.
type UserStore interface {
	ReadUser(ctx context.Context, username string) (domain.User, error)
	AddUserFollower(ctx context.Context, username, followerActorID, followActivityID string, now time.Time) error
	RemoveUserFollower(ctx context.Context, username, followerActorID string) error
}

// ObjectStore is the narrow object-index surface the inbound pipeline
// needs for reply-edge bookkeeping.
type ObjectStore interface {
	ReadPost(ctx context.Context, username, uniquePart string) (domain.PostRecord, error)
	AddReplyToPost(ctx context.Context, username, uniquePart string, reply domain.ReplyEdge) error
}

// Deps bundles everything HandleInbox needs beyond the request itself,
// so it can be swapped for fakes in tests.
type Deps struct {
	Users      UserStore
	Objects    ObjectStore
	Blobs      objstore.BlobStore
	HTTPClient *http.Client
	Domain     string
	Now        func() time.Time

	// QuarantineBlobs is the write-only forensic store rejected envelopes
	// are filed to, per spec §4.4/§6's separate quarantine bucket. Left
	// nil, quarantined envelopes land in Blobs instead — the behavior
	// this package had before the two stores were split.
	QuarantineBlobs objstore.BlobStore
}

func (d *Deps) quarantineStore() objstore.BlobStore {
	if d.QuarantineBlobs != nil {
		return d.QuarantineBlobs
	}
	return d.Blobs
}

// HandleInbox runs the full receive pipeline for one request: prefilter,
// verify, persist, then dispatch. httpReq is the original signed request
// (its body is drained and restored so later middleware can still read
// it); username is the recipient named in the URL path. A nil return means
// the request is accepted (whether or not it produced any visible
// effect); a non-nil return wraps one of this package's error kinds.
func HandleInbox(ctx context.Context, deps *Deps, httpReq *http.Request, username string) error {
	rawBody, err := drainBody(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	if len(rawBody) <= MaxPrefilterBody {
		if obj, err := streams.Parse(rawBody); err == nil && obj.Type() == "Delete" {
			a := streams.Activity{Object: obj}
			if actor := a.Actor(); actor != "" && actor == a.ObjectRef().ID() {
				return nil
			}
		}
	}

	signerKeyID, err := httpsig.PeekKeyID(httpReq)
	if err != nil {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: %v", ErrBadFormat, err))
	}

	signerActor, err := streams.Fetch(ctx, deps.HTTPClient, signerKeyID)
	if err != nil {
		return quarantineAndFail(deps, rawBody, classifyFetchError(err))
	}
	actor, err := streams.AsActor(signerActor)
	if err != nil {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}
	if actor.PublicKeyID() != signerKeyID {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: publicKey.id does not match signature keyId", ErrUnauthorized))
	}

	if _, err := httpsig.VerifyRequest(httpReq, actor.PublicKeyPEM()); err != nil {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}

	activity, err := streams.Parse(rawBody)
	if err != nil {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: %v", ErrBadFormat, err))
	}
	if actorField(activity) != actor.ID() {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: signer does not match activity actor", ErrUnauthorized))
	}

	if _, err := deps.Users.ReadUser(ctx, username); err != nil {
		return quarantineAndFail(deps, rawBody, fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	key, _, err := objstore.SaveInbox(deps.Blobs, username, rawBody)
	if err != nil {
		return fmt.Errorf("inbound: persisting inbox blob: %w", err)
	}

	if err := Dispatch(ctx, deps, username, activity); err != nil {
		log.Printf("inbound: dispatch failed for %s: %v", key, err)
		return err
	}
	return nil
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Dispatch walks a persisted activity with the visitor shape spec §4.8
// assigns to each kind: Follow inserts the follower edge and stages an
// Accept, Undo removes a Follow edge, Create checks for a local reply
// target, everything else is logged and ignored.
func Dispatch(ctx context.Context, deps *Deps, username string, activity streams.Object) error {
	visitor := streams.ActivityVisitor{
		VisitFollow: func(f streams.Follow) error {
			return handleFollow(ctx, deps, username, f)
		},
		VisitUndo: func(u streams.Undo) error {
			return handleUndo(ctx, deps, username, u)
		},
		VisitCreate: func(c streams.Create) error {
			return handleCreate(ctx, deps, username, c)
		},
		Default: func(o streams.Object) error {
			log.Printf("inbound: ignoring unsupported activity type %q for %s", o.Type(), username)
			return nil
		},
	}
	return visitor.Dispatch(activity)
}

func handleFollow(ctx context.Context, deps *Deps, username string, f streams.Follow) error {
	if f.ObjectRef().ID() != ids.ActorURI(deps.Domain, username) {
		log.Printf("inbound: Follow %s targets someone other than %s, ignoring", f.ID(), username)
		return nil
	}
	now := deps.now()
	if err := deps.Users.AddUserFollower(ctx, username, f.Actor(), f.ID(), now); err != nil {
		return fmt.Errorf("inbound: recording follower: %w", err)
	}

	accept := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       ids.ActivityURI(deps.Domain, username, ids.NewUniquePart()),
		"type":     "Accept",
		"actor":    ids.ActorURI(deps.Domain, username),
		"object":   json.RawMessage(f.Raw()),
	}
	body, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("inbound: building Accept: %w", err)
	}
	acceptObj, err := streams.Parse(body)
	if err != nil {
		return fmt.Errorf("inbound: parsing staged Accept: %w", err)
	}
	return deps.Blobs.Put(objstore.StagingKey(username, ids.NewUniquePart()), acceptObj.Raw())
}

func handleUndo(ctx context.Context, deps *Deps, username string, u streams.Undo) error {
	ref := u.ObjectRef()
	inner, err := resolveUndone(ctx, deps, ref)
	if err != nil {
		return fmt.Errorf("inbound: resolving undone activity: %w", err)
	}
	if inner.Type() != "Follow" {
		log.Printf("inbound: Undo %s targets a non-Follow activity, ignoring", u.ID())
		return nil
	}
	follow, err := streams.AsFollow(inner)
	if err != nil {
		return err
	}
	if follow.ObjectRef().ID() != ids.ActorURI(deps.Domain, username) {
		log.Printf("inbound: Undo-Follow %s targets someone other than %s, ignoring", u.ID(), username)
		return nil
	}
	if err := deps.Users.RemoveUserFollower(ctx, username, follow.Actor()); err != nil {
		return fmt.Errorf("inbound: removing follower: %w", err)
	}
	return nil
}

func resolveUndone(ctx context.Context, deps *Deps, ref streams.Reference) (streams.Object, error) {
	if ref.IsInline() {
		return ref.Resolve(ctx, deps.HTTPClient, nil)
	}
	return ref.Resolve(ctx, deps.HTTPClient, streams.NewObjectStore())
}

func handleCreate(ctx context.Context, deps *Deps, username string, c streams.Create) error {
	obj, err := c.ObjectRef().Resolve(ctx, deps.HTTPClient, streams.NewObjectStore())
	if err != nil {
		return fmt.Errorf("inbound: resolving created object: %w", err)
	}
	inReplyTo, ok := obj.InReplyTo()
	if !ok {
		return nil
	}
	domainName, postUser, uniquePart, err := ids.ParsePostID(inReplyTo.ID())
	if err != nil || domainName != deps.Domain {
		return nil
	}
	if _, err := deps.Objects.ReadPost(ctx, postUser, uniquePart); err != nil {
		return nil
	}
	published, _ := obj.Published()
	if published.IsZero() {
		published = deps.now()
	}
	reply := domain.ReplyEdge{
		PostUsername: postUser, PostUniquePart: uniquePart,
		ReplyID: obj.ID(), Published: published,
	}
	if err := deps.Objects.AddReplyToPost(ctx, postUser, uniquePart, reply); err != nil {
		return fmt.Errorf("inbound: recording reply: %w", err)
	}
	return nil
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func actorField(o streams.Object) string {
	a := streams.Activity{Object: o}
	return a.Actor()
}

func classifyFetchError(err error) error {
	if errors.Is(err, streams.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}

func quarantineAndFail(deps *Deps, envelope []byte, cause error) error {
	if _, err := objstore.SaveQuarantine(deps.quarantineStore(), envelope); err != nil {
		log.Printf("inbound: failed to quarantine envelope: %v", err)
	}
	return cause
}
