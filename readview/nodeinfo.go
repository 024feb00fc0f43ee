package readview

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftpub/driftpub/users"
)

// NodeCounter is the narrow surface the NodeInfo documents need from the
// user and object indexes: how many accounts exist, how many were recently
// active, and how many local posts have been published.
type NodeCounter interface {
	CountUsers(ctx context.Context, now time.Time) (users.UserCounts, error)
	CountLocalPosts(ctx context.Context) (int64, error)
}

// NodeInfoDoc builds the nodeinfo/2.0 document, generalizing the teacher's
// fmt.Sprintf-built NodeInfo20 into a typed builder over this server's own
// counters.
func NodeInfoDoc(ctx context.Context, counter NodeCounter, nodeName, nodeDesc string, now time.Time) ([]byte, error) {
	userCounts, err := counter.CountUsers(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("readview: counting users: %w", err)
	}
	localPosts, err := counter.CountLocalPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("readview: counting local posts: %w", err)
	}

	doc := map[string]any{
		"version": "2.0",
		"software": map[string]any{
			"name":    "driftpub",
			"version": "1.0.0",
		},
		"protocols": []string{"activitypub"},
		"services": map[string]any{
			"inbound":  []string{},
			"outbound": []string{},
		},
		"openRegistrations": false,
		"usage": map[string]any{
			"users": map[string]any{
				"total":          userCounts.Total,
				"activeMonth":    userCounts.ActiveMonth,
				"activeHalfyear": userCounts.ActiveHalfyear,
			},
			"localPosts": localPosts,
		},
		"metadata": map[string]any{
			"nodeName":        nodeName,
			"nodeDescription": nodeDesc,
		},
	}
	return json.Marshal(doc)
}

// WellKnownNodeInfoDoc builds the /.well-known/nodeinfo discovery document
// that points at NodeInfoDoc's own location.
func WellKnownNodeInfoDoc(domain string) ([]byte, error) {
	doc := map[string]any{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", domain),
			},
		},
	}
	return json.Marshal(doc)
}
