package readview

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/driftpub/driftpub/users"
)

type fakeNodeCounter struct {
	counts     users.UserCounts
	localPosts int64
}

func (f fakeNodeCounter) CountUsers(ctx context.Context, now time.Time) (users.UserCounts, error) {
	return f.counts, nil
}

func (f fakeNodeCounter) CountLocalPosts(ctx context.Context) (int64, error) {
	return f.localPosts, nil
}

func TestNodeInfoDocReportsCounts(t *testing.T) {
	counter := fakeNodeCounter{
		counts:     users.UserCounts{Total: 10, ActiveMonth: 4, ActiveHalfyear: 7},
		localPosts: 42,
	}
	body, err := NodeInfoDoc(context.Background(), counter, "driftpub", "a friendly instance", time.Now())
	if err != nil {
		t.Fatalf("NodeInfoDoc: %v", err)
	}
	raw := string(body)
	for _, want := range []string{`"total":10`, `"activeMonth":4`, `"activeHalfyear":7`, `"localPosts":42`, `"version":"2.0"`} {
		if !strings.Contains(raw, want) {
			t.Errorf("expected %s in %s", want, raw)
		}
	}
}

func TestWellKnownNodeInfoDocLinksToNodeInfo20(t *testing.T) {
	body, err := WellKnownNodeInfoDoc("example.social")
	if err != nil {
		t.Fatalf("WellKnownNodeInfoDoc: %v", err)
	}
	if !strings.Contains(string(body), "https://example.social/nodeinfo/2.0") {
		t.Errorf("expected nodeinfo link, got %s", body)
	}
}
