// Package readview assembles the Activity Streams documents a federated
// server serves over GET: actor profiles, posts, and the
// OrderedCollection/OrderedCollectionPage pairs for outbox, followers,
// following, and replies, plus the NodeInfo discovery documents.
package readview

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftpub/driftpub/config"
	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/objects"
	"github.com/driftpub/driftpub/objstore"
	"github.com/driftpub/driftpub/streams"
	"github.com/driftpub/driftpub/users"
)

// UserStore is the narrow user-index surface read views need.
type UserStore interface {
	ReadUser(ctx context.Context, username string) (domain.User, error)
	EnumerateFollowers(ctx context.Context, username string, itemsPerQuery int, after, before string) (users.EdgePage, error)
	EnumerateFollowing(ctx context.Context, username string, itemsPerQuery int, after, before string) (users.EdgePage, error)
}

// ObjectStore is the narrow object-index surface read views need.
type ObjectStore interface {
	ReadPost(ctx context.Context, username, uniquePart string) (domain.PostRecord, error)
	EnumerateReplies(ctx context.Context, username, uniquePart string, itemsPerQuery int, after, before string) (objects.ReplyPage, error)
	EnumerateUserActivities(ctx context.Context, username string, itemsPerQuery int, after, before, lastActivityMonth string) (objects.ActivityPage, error)
}

// Deps bundles everything document assembly needs, so it can be swapped
// for fakes in tests.
type Deps struct {
	Users     UserStore
	Objects   ObjectStore
	Blobs     objstore.BlobStore
	Domain    string
	PageSizes config.PageSizes
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ActorDocument builds the Person document for username, generalizing
// the teacher's string-templated actor JSON into a typed builder.
func ActorDocument(ctx context.Context, deps *Deps, username string) (streams.Object, error) {
	u, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: reading user %s: %w", username, err)
	}

	displayName := u.DisplayName
	if displayName == "" {
		displayName = username
	}
	actorURI := ids.ActorURI(deps.Domain, username)

	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":        username,
		"name":                      displayName,
		"summary":                   u.Summary,
		"url":                       u.ProfileURL,
		"inbox":                     ids.InboxURI(deps.Domain, username),
		"outbox":                    ids.OutboxURI(deps.Domain, username),
		"followers":                 ids.FollowersURI(deps.Domain, username),
		"following":                 ids.FollowingURI(deps.Domain, username),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": ids.SharedInboxURI(deps.Domain),
		},
		"publicKey": map[string]any{
			"id":           ids.KeyID(deps.Domain, username),
			"owner":        actorURI,
			"publicKeyPem": u.PublicKeyPEM,
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: marshaling actor %s: %w", username, err)
	}
	return streams.Parse(body)
}

// PostDocument returns the stored Note document for a local post exactly
// as translateNote persisted it — it already carries the "replies"
// reference assigned at translation time.
func PostDocument(deps *Deps, username, uniquePart string) (streams.Object, error) {
	obj, err := objstore.LoadObject(deps.Blobs, objstore.PostObjectKey(username, uniquePart))
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: loading post %s/%s: %w", username, uniquePart, err)
	}
	return obj, nil
}

// RootCollection builds the OrderedCollection root document per spec
// §4.10: {id, totalItems, first}.
func RootCollection(collectionID string, totalItems int) (streams.Object, error) {
	doc := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionID,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
		"first":      collectionID + "?page=true",
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return streams.Object{}, err
	}
	return streams.Parse(body)
}

// Page is one page's worth of ordered items plus the cursors needed to
// step forward or backward from it.
type Page struct {
	Items      []string
	TotalItems int
	Next       string // raw (unencoded) cursor, or "" for no further page
	Prev       string // raw (unencoded) cursor, or "" for first page
}

// collectionPage builds an OrderedCollectionPage document from a
// pre-computed Page, URL-encoding next/prev into query parameters on
// collectionID. next/prev are omitted exactly when Page leaves them "".
func collectionPage(collectionID string, page Page) (streams.Object, error) {
	pageID := collectionID + "?page=true"
	doc := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           pageID,
		"type":         "OrderedCollectionPage",
		"partOf":       collectionID,
		"orderedItems": nonNilStrings(page.Items),
		"totalItems":   page.TotalItems,
	}
	if page.Next != "" {
		doc["next"] = collectionID + "?page=true&after=" + ids.EncodeCursorForQuery(page.Next)
	}
	if page.Prev != "" {
		doc["prev"] = collectionID + "?page=true&before=" + ids.EncodeCursorForQuery(page.Prev)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return streams.Object{}, err
	}
	return streams.Parse(body)
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// FollowersPage assembles one page of username's followers collection.
func FollowersPage(ctx context.Context, deps *Deps, username string, after, before string) (streams.Object, error) {
	u, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: reading user %s: %w", username, err)
	}
	edges, err := deps.Users.EnumerateFollowers(ctx, username, deps.PageSizes.Followers, after, before)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: enumerating followers of %s: %w", username, err)
	}
	page := edgePage(edges.ActorIDs, edges.Next, after, before, int(u.FollowerCount))
	return collectionPage(ids.FollowersURI(deps.Domain, username), page)
}

// FollowingPage assembles one page of username's following collection.
func FollowingPage(ctx context.Context, deps *Deps, username string, after, before string) (streams.Object, error) {
	u, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: reading user %s: %w", username, err)
	}
	edges, err := deps.Users.EnumerateFollowing(ctx, username, deps.PageSizes.Following, after, before)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: enumerating following of %s: %w", username, err)
	}
	page := edgePage(edges.ActorIDs, edges.Next, after, before, int(u.FollowingCount))
	return collectionPage(ids.FollowingURI(deps.Domain, username), page)
}

// edgePage turns a raw EdgePage into the generic Page shape, applying the
// first-page and empty-before-query boundary rules from spec §4.10. An
// edge's own actor-id string doubles as its cursor, since the underlying
// store's sort key is the actor id itself.
func edgePage(actorIDs []string, storeNext, after, before string, totalItems int) Page {
	isFirstPage := after == "" && before == ""
	page := Page{Items: actorIDs, TotalItems: totalItems}

	switch {
	case before != "":
		// Walking backward: the store's Next, set when it filled the page,
		// is the page's last (highest-sorting) id, so the next link steps
		// forward from this page.
		if storeNext != "" {
			page.Next = storeNext
		}
		if len(actorIDs) == 0 {
			page.Prev = ids.OldestCursor
		} else {
			page.Prev = actorIDs[0]
		}
	default:
		// Forward walk (after set, or the unanchored first page).
		if storeNext != "" {
			page.Next = storeNext
		}
		if !isFirstPage && len(actorIDs) > 0 {
			page.Prev = actorIDs[0]
		}
	}
	return page
}

// RepliesPage assembles one page of a post's replies collection.
func RepliesPage(ctx context.Context, deps *Deps, username, uniquePart string, after, before string) (streams.Object, error) {
	post, err := deps.Objects.ReadPost(ctx, username, uniquePart)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: reading post %s/%s: %w", username, uniquePart, err)
	}
	replies, err := deps.Objects.EnumerateReplies(ctx, username, uniquePart, deps.PageSizes.Replies, after, before)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: enumerating replies of %s/%s: %w", username, uniquePart, err)
	}

	isFirstPage := after == "" && before == ""
	page := Page{Items: replies.ReplyIDs, TotalItems: int(post.ReplyCount)}
	switch {
	case before != "":
		if replies.Next != "" {
			page.Next = replies.Next
		}
		if len(replies.ReplyIDs) == 0 {
			page.Prev = ids.OldestCursor
		} else {
			page.Prev = firstReplyCursor(replies.ReplyIDs[0])
		}
	default:
		if replies.Next != "" {
			page.Next = replies.Next
		}
		if !isFirstPage && len(replies.ReplyIDs) > 0 {
			page.Prev = firstReplyCursor(replies.ReplyIDs[0])
		}
	}

	postURI := ids.PostURI(deps.Domain, username, uniquePart)
	return collectionPage(ids.RepliesURI(postURI), page)
}

// firstReplyCursor is a best-effort cursor for a bare reply id: the
// store's own Next cursor already carries the precise
// published-time:replyID form, so a synthetic prev cursor here only
// needs to be lexically before the original query position, which the
// reply id alone safely achieves appended to the zero time.
func firstReplyCursor(replyID string) string {
	return ids.SerializeReplyCursor(time.Time{}, replyID)
}

// OutboxPage assembles one page of username's outbox activity history.
func OutboxPage(ctx context.Context, deps *Deps, username string, after, before string) (streams.Object, error) {
	u, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: reading user %s: %w", username, err)
	}
	lastActivityMonth := ids.ActivityCursorPartition(u.LastActivityAt)
	result, err := deps.Objects.EnumerateUserActivities(ctx, username, deps.PageSizes.Outbox, after, before, lastActivityMonth)
	if err != nil {
		return streams.Object{}, fmt.Errorf("readview: enumerating activities of %s: %w", username, err)
	}

	items := make([]string, len(result.Items))
	for i, rec := range result.Items {
		items[i] = rec.ActivityID
	}

	isFirstPage := after == "" && before == ""
	page := Page{Items: items, TotalItems: outboxTotal(ctx, deps, username, lastActivityMonth)}
	switch {
	case before != "":
		if result.Next != "" {
			page.Next = result.Next
		}
		if len(result.Items) == 0 {
			page.Prev = ids.OldestCursor
		} else {
			first := result.Items[0]
			page.Prev = ids.SerializeActivityCursor(first.CreatedAt, first.UniquePart)
		}
	default:
		if result.Next != "" {
			page.Next = result.Next
		}
		if !isFirstPage && len(result.Items) > 0 {
			first := result.Items[0]
			page.Prev = ids.SerializeActivityCursor(first.CreatedAt, first.UniquePart)
		}
	}

	return collectionPage(ids.OutboxURI(deps.Domain, username), page)
}

// OutboxTotal reports username's exact outbox activity count, for a
// caller assembling the root OrderedCollection document without also
// needing a page of items.
func OutboxTotal(ctx context.Context, deps *Deps, username string) (int, error) {
	u, err := deps.Users.ReadUser(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("readview: reading user %s: %w", username, err)
	}
	return outboxTotal(ctx, deps, username, ids.ActivityCursorPartition(u.LastActivityAt)), nil
}

// outboxTotal walks every page of username's activity history to report
// an exact OrderedCollection totalItems. This is a read path, not a
// hot one, so the extra round trips are an acceptable trade for
// accuracy over a second cached counter.
func outboxTotal(ctx context.Context, deps *Deps, username, lastActivityMonth string) int {
	total := 0
	after := ""
	for {
		result, err := deps.Objects.EnumerateUserActivities(ctx, username, 100, after, "", lastActivityMonth)
		if err != nil {
			return total
		}
		total += len(result.Items)
		if result.Next == "" {
			return total
		}
		after = result.Next
	}
}
