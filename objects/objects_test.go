package objects

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/ids"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func activityAt(username string, createdAt time.Time) domain.ActivityRecord {
	unique := ids.NewUniquePart()
	return domain.ActivityRecord{
		Username: username, Month: ids.ActivityCursorPartition(createdAt),
		CreatedAt: createdAt, UniquePart: unique,
		ActivityID:   "https://example.social/users/" + username + "/activities/" + unique,
		ActivityType: "Create", Published: createdAt, IsPublic: true,
	}
}

func TestPutActivityRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := activityAt("alice", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err := db.PutActivity(ctx, rec); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}
	if err := db.PutActivity(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestPutAndReadPost(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	unique := ids.NewUniquePart()
	rec := domain.PostRecord{
		Username: "alice", UniquePart: unique,
		PostID: "https://example.social/users/alice/posts/" + unique,
		Type:   "Note", Published: time.Now().UTC(), IsPublic: true,
	}
	if err := db.PutPost(ctx, rec); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if err := db.PutPost(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
	got, err := db.ReadPost(ctx, "alice", unique)
	if err != nil {
		t.Fatalf("ReadPost: %v", err)
	}
	if got.PostID != rec.PostID {
		t.Fatalf("got %+v", got)
	}
}

func TestCountLocalPosts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		unique := ids.NewUniquePart()
		rec := domain.PostRecord{
			Username: "alice", UniquePart: unique,
			PostID: "https://example.social/users/alice/posts/" + unique,
			Type:   "Note", Published: time.Now().UTC(), IsPublic: true,
		}
		if err := db.PutPost(ctx, rec); err != nil {
			t.Fatalf("PutPost: %v", err)
		}
	}
	if err := db.PutActivity(ctx, activityAt("alice", time.Now())); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}

	total, err := db.CountLocalPosts(ctx)
	if err != nil {
		t.Fatalf("CountLocalPosts: %v", err)
	}
	if total != 3 {
		t.Errorf("got %d, want 3 (activity rows must not be counted)", total)
	}
}

func TestAddReplyAndEnumerate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	postUnique := ids.NewUniquePart()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	replies := []string{"https://remote.example/notes/1", "https://remote.example/notes/2", "https://remote.example/notes/3"}
	for i, r := range replies {
		edge := domain.ReplyEdge{
			PostUsername: "alice", PostUniquePart: postUnique,
			ReplyID: r, Published: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.AddReplyToPost(ctx, "alice", postUnique, edge); err != nil {
			t.Fatalf("AddReplyToPost: %v", err)
		}
	}
	// Duplicate sort key (same published + id) must fail Duplicate.
	dup := domain.ReplyEdge{PostUsername: "alice", PostUniquePart: postUnique, ReplyID: replies[0], Published: base}
	if err := db.AddReplyToPost(ctx, "alice", postUnique, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}

	page, err := db.EnumerateReplies(ctx, "alice", postUnique, 10, "", "")
	if err != nil {
		t.Fatalf("EnumerateReplies: %v", err)
	}
	if len(page.ReplyIDs) != 3 {
		t.Fatalf("got %v", page.ReplyIDs)
	}
	// Default order is reverse-chronological: newest reply first.
	if page.ReplyIDs[0] != replies[2] {
		t.Fatalf("got %v", page.ReplyIDs)
	}

	events, err := db.DrainChangeEvents(ctx, 10)
	if err != nil {
		t.Fatalf("DrainChangeEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (one per accepted reply, none for the duplicate): %v", len(events), events)
	}
	for _, ev := range events {
		if ev.EventName != "INSERT" || ev.PK != "object:alice:post:"+postUnique {
			t.Fatalf("got %+v", ev)
		}
	}
}

func TestEnumerateUserActivitiesDefaultsToReverseChronological(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	var last domain.ActivityRecord
	for i := 0; i < 5; i++ {
		rec := activityAt("alice", base.Add(time.Duration(i)*time.Hour))
		if err := db.PutActivity(ctx, rec); err != nil {
			t.Fatalf("PutActivity: %v", err)
		}
		last = rec
	}

	page, err := db.EnumerateUserActivities(ctx, "alice", 10, "", "", "2026-06")
	if err != nil {
		t.Fatalf("EnumerateUserActivities: %v", err)
	}
	if len(page.Items) != 5 {
		t.Fatalf("got %d items", len(page.Items))
	}
	if page.Items[0].ActivityID != last.ActivityID {
		t.Fatalf("expected newest first, got %+v", page.Items[0])
	}
}

func TestEnumerateUserActivitiesExcludesNonPublic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	pub := activityAt("alice", base)
	priv := activityAt("alice", base.Add(time.Hour))
	priv.IsPublic = false
	if err := db.PutActivity(ctx, pub); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}
	if err := db.PutActivity(ctx, priv); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}

	page, err := db.EnumerateUserActivities(ctx, "alice", 10, "", "", "2026-06")
	if err != nil {
		t.Fatalf("EnumerateUserActivities: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ActivityID != pub.ActivityID {
		t.Fatalf("got %+v", page.Items)
	}
}

func TestEnumerateUserActivitiesCrossesMonthBoundary(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	may := activityAt("alice", time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC))
	june := activityAt("alice", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC))
	if err := db.PutActivity(ctx, may); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}
	if err := db.PutActivity(ctx, june); err != nil {
		t.Fatalf("PutActivity: %v", err)
	}

	page, err := db.EnumerateUserActivities(ctx, "alice", 10, "", "", "2026-06")
	if err != nil {
		t.Fatalf("EnumerateUserActivities: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d items, want 2 across both months", len(page.Items))
	}
	if page.Items[0].ActivityID != june.ActivityID || page.Items[1].ActivityID != may.ActivityID {
		t.Fatalf("got %+v", page.Items)
	}
}

func TestEnumerateUserActivitiesRejectsBothCursors(t *testing.T) {
	db := openTestDB(t)
	_, err := db.EnumerateUserActivities(context.Background(), "alice", 10, "a", "b", "2026-06")
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("got %v, want ErrBadRequest", err)
	}
}
