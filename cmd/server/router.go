package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/driftpub/driftpub/config"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/inbound"
	"github.com/driftpub/driftpub/objects"
	"github.com/driftpub/driftpub/readview"
	"github.com/driftpub/driftpub/streams"
	"github.com/driftpub/driftpub/users"
	"github.com/driftpub/driftpub/webfinger"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const activityContentType = "application/activity+json; charset=utf-8"

// maxInboxBodyBytes matches the teacher's 1MB ceiling on delivered
// activities, applied before any JSON parsing happens.
const maxInboxBodyBytes = 1 * 1024 * 1024

// newRouter wires every endpoint spec §5 names: per-actor documents and
// collections, the inbox (per-actor and shared), and the two discovery
// endpoints, following the teacher's gin wiring in web/router.go trimmed to
// this federation core's surface — no SSH TUI, no RSS/HTML rendering.
func newRouter(conf *config.AppConfig, inboundDeps *inbound.Deps, readDeps *readview.Deps, userDB *users.DB, objectDB *objects.DB) *gin.Engine {
	gin.DefaultWriter = config.GetLogWriter(conf.Conf.WithJournald)
	gin.DefaultErrorWriter = config.GetLogWriter(conf.Conf.WithJournald)

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(withTimeout())

	globalLimiter := newIPRateLimiter(rate.Limit(10), 20)
	g.Use(rateLimitMiddleware(globalLimiter))

	apLimiter := newIPRateLimiter(rate.Limit(5), 10)
	apMiddleware := func() []gin.HandlerFunc {
		return []gin.HandlerFunc{rateLimitMiddleware(apLimiter), maxBodySizeMiddleware(maxInboxBodyBytes)}
	}

	g.GET("/users/:actor", actorHandler(readDeps))
	g.GET("/users/:actor/outbox", collectionHandler(func(ctx *gin.Context, after, before string) (streams.Object, error) {
		return readview.OutboxPage(ctx.Request.Context(), readDeps, ctx.Param("actor"), after, before)
	}, rootOutboxHandler(readDeps)))
	g.GET("/users/:actor/followers", collectionHandler(func(ctx *gin.Context, after, before string) (streams.Object, error) {
		return readview.FollowersPage(ctx.Request.Context(), readDeps, ctx.Param("actor"), after, before)
	}, rootCollectionHandler(func(ctx *gin.Context) (string, int, error) {
		u, err := readDeps.Users.ReadUser(ctx.Request.Context(), ctx.Param("actor"))
		return ids.FollowersURI(conf.Conf.Domain, ctx.Param("actor")), int(u.FollowerCount), err
	})))
	g.GET("/users/:actor/following", collectionHandler(func(ctx *gin.Context, after, before string) (streams.Object, error) {
		return readview.FollowingPage(ctx.Request.Context(), readDeps, ctx.Param("actor"), after, before)
	}, rootCollectionHandler(func(ctx *gin.Context) (string, int, error) {
		u, err := readDeps.Users.ReadUser(ctx.Request.Context(), ctx.Param("actor"))
		return ids.FollowingURI(conf.Conf.Domain, ctx.Param("actor")), int(u.FollowingCount), err
	})))
	g.GET("/users/:actor/posts/:uniquePart", postHandler(readDeps))
	g.GET("/users/:actor/posts/:uniquePart/replies", collectionHandler(func(ctx *gin.Context, after, before string) (streams.Object, error) {
		return readview.RepliesPage(ctx.Request.Context(), readDeps, ctx.Param("actor"), ctx.Param("uniquePart"), after, before)
	}, repliesRootHandler(readDeps)))

	g.POST("/users/:actor/inbox", append(apMiddleware(), perActorInboxHandler(inboundDeps))...)
	g.POST("/inbox", append(apMiddleware(), sharedInboxHandler(inboundDeps, conf.Conf.Domain))...)

	g.GET("/.well-known/webfinger", webfingerHandler(userDB, conf.Conf.Domain))
	g.GET("/.well-known/nodeinfo", wellKnownNodeInfoHandler(conf.Conf.Domain))
	g.GET("/nodeinfo/2.0", nodeInfoHandler(userDB, objectDB, conf.Conf.NodeName, conf.Conf.NodeDesc))

	return g
}

func actorHandler(deps *readview.Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		obj, err := readview.ActorDocument(c.Request.Context(), deps, c.Param("actor"))
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

func postHandler(deps *readview.Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		obj, err := readview.PostDocument(deps, c.Param("actor"), c.Param("uniquePart"))
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

// collectionHandler serves an OrderedCollectionPage when ?page=true is
// present, and the OrderedCollection root document otherwise, matching
// spec §4.10's two-document shape for every paginated collection.
func collectionHandler(page func(c *gin.Context, after, before string) (streams.Object, error), root gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("page") == "" {
			root(c)
			return
		}
		after, _ := ids.DecodeCursorFromQuery(c.Query("after"))
		before, _ := ids.DecodeCursorFromQuery(c.Query("before"))
		obj, err := page(c, after, before)
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

func rootCollectionHandler(lookup func(c *gin.Context) (collectionID string, totalItems int, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		collectionID, total, err := lookup(c)
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		obj, err := readview.RootCollection(collectionID, total)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

func rootOutboxHandler(deps *readview.Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.Param("actor")
		total, err := readview.OutboxTotal(c.Request.Context(), deps, actor)
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		obj, err := readview.RootCollection(ids.OutboxURI(deps.Domain, actor), total)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

func repliesRootHandler(deps *readview.Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, uniquePart := c.Param("actor"), c.Param("uniquePart")
		post, err := deps.Objects.ReadPost(c.Request.Context(), actor, uniquePart)
		if err != nil {
			c.Data(http.StatusNotFound, activityContentType, []byte(`{"error":"not found"}`))
			return
		}
		postURI := ids.PostURI(deps.Domain, actor, uniquePart)
		obj, err := readview.RootCollection(ids.RepliesURI(postURI), int(post.ReplyCount))
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, activityContentType, obj.Raw())
	}
}

func perActorInboxHandler(deps *inbound.Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		handleInbox(c, deps, c.Param("actor"))
	}
}

func handleInbox(c *gin.Context, deps *inbound.Deps, username string) {
	err := inbound.HandleInbox(c.Request.Context(), deps, c.Request, username)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, inbound.ErrBadFormat):
		c.Status(http.StatusBadRequest)
	case errors.Is(err, inbound.ErrUnauthorized):
		c.Status(http.StatusUnauthorized)
	case errors.Is(err, inbound.ErrNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, inbound.ErrTransient):
		c.Status(http.StatusServiceUnavailable)
	default:
		log.Printf("inbox: unclassified error for %s: %v", username, err)
		c.Status(http.StatusInternalServerError)
	}
}

// sharedInboxHandler extracts the local recipient from the activity's
// own addressing (to/cc/object) and dispatches to the same pipeline a
// per-actor inbox POST would use, mirroring the teacher's shared-inbox
// routing in web/router.go.
func sharedInboxHandler(deps *inbound.Deps, domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		username := extractSharedInboxTarget(body, domain)
		if username == "" {
			log.Println("shared inbox: could not determine a local recipient, accepting anyway")
			c.Status(http.StatusAccepted)
			return
		}
		handleInbox(c, deps, username)
	}
}

func extractSharedInboxTarget(body []byte, domain string) string {
	var activity struct {
		To     json.RawMessage `json:"to"`
		Cc     json.RawMessage `json:"cc"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &activity); err != nil {
		return ""
	}
	if u := firstLocalUser(activity.To, domain); u != "" {
		return u
	}
	if u := firstLocalUser(activity.Cc, domain); u != "" {
		return u
	}
	var objectURI string
	if err := json.Unmarshal(activity.Object, &objectURI); err == nil && objectURI != "" {
		if u := localUserFromURI(objectURI, domain); u != "" {
			return u
		}
	}
	return ""
}

// firstLocalUser scans a to/cc field (a bare string or an array of
// strings, per Activity Streams addressing) for the first URI that names
// a local actor or their followers collection.
func firstLocalUser(raw json.RawMessage, domain string) string {
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		for _, uri := range multi {
			if u := localUserFromURI(uri, domain); u != "" {
				return u
			}
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return localUserFromURI(single, domain)
	}
	return ""
}

func localUserFromURI(uri, domain string) string {
	d, username, _, err := ids.ParseUserID(uri)
	if err != nil || d != domain {
		return ""
	}
	return username
}

func webfingerHandler(userDB *users.DB, domain string) gin.HandlerFunc {
	exists := webfinger.UserExists(func(ctx context.Context, username string) (bool, error) {
		_, err := userDB.ReadUser(ctx, username)
		if err != nil {
			return false, nil
		}
		return true, nil
	})
	return func(c *gin.Context) {
		resource := c.Query("resource")
		resp, err := webfinger.Lookup(c.Request.Context(), resource, domain, exists)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func wellKnownNodeInfoHandler(domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readview.WellKnownNodeInfoDoc(domain)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

func nodeInfoHandler(userDB *users.DB, objectDB *objects.DB, nodeName, nodeDesc string) gin.HandlerFunc {
	counter := nodeCounter{users: userDB, objects: objectDB}
	return func(c *gin.Context) {
		body, err := readview.NodeInfoDoc(c.Request.Context(), counter, nodeName, nodeDesc, time.Now())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

type nodeCounter struct {
	users   *users.DB
	objects *objects.DB
}

func (n nodeCounter) CountUsers(ctx context.Context, now time.Time) (users.UserCounts, error) {
	return n.users.CountUsers(ctx, now)
}

func (n nodeCounter) CountLocalPosts(ctx context.Context) (int64, error) {
	return n.objects.CountLocalPosts(ctx)
}
