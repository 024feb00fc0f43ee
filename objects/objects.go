// Package objects persists activity history, post metadata, and reply
// edges, emulating the wide-table pk/sk layout of the original key-value
// design on top of SQLite, partitioned by (user, month) for activities and
// by post for replies.
package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/ids"
)

var (
	ErrDuplicate  = errors.New("objects: record already exists")
	ErrBadRequest = errors.New("objects: both after and before were set")
)

const schema = `
CREATE TABLE IF NOT EXISTS object_index (
	pk      TEXT NOT NULL,
	sk      TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (pk, sk)
);
CREATE TABLE IF NOT EXISTS object_change_log (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	pk    TEXT NOT NULL,
	sk    TEXT NOT NULL
);
`

// DB wraps a SQLite connection holding the object index table.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the object index schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("objects: opening %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("objects: creating schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("objects: beginning transaction: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("objects: committing transaction: %w", err)
	}
	return nil
}

func activityPK(username, month string) string { return fmt.Sprintf("activity:%s:%s", username, month) }
func postPK(username, uniquePart string) string { return fmt.Sprintf("object:%s:post:%s", username, uniquePart) }

const postMetadataSK = "metadata"

func replySK(publishedZ, replyID string) string { return fmt.Sprintf("reply:%s:%s", publishedZ, replyID) }

// PutActivity inserts an immutable activity history record, failing
// ErrDuplicate if the (user, month, sortKey) slot is already occupied.
func (d *DB) PutActivity(ctx context.Context, rec domain.ActivityRecord) error {
	sk := rec.CreatedAt.UTC().Format("02T15:04:05.000000") + ":" + rec.UniquePart
	payload, err := marshalActivity(rec)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `INSERT INTO object_index(pk, sk, payload) VALUES (?, ?, ?)`,
		activityPK(rec.Username, rec.Month), sk, payload)
	if isUniqueConstraint(err) {
		return fmt.Errorf("%w: activity %s", ErrDuplicate, rec.ActivityID)
	}
	return err
}

// PutPost inserts a post's metadata record, failing ErrDuplicate if the
// (user, uniquePart) slot is already occupied.
func (d *DB) PutPost(ctx context.Context, rec domain.PostRecord) error {
	payload, err := marshalPost(rec)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `INSERT INTO object_index(pk, sk, payload) VALUES (?, ?, ?)`,
		postPK(rec.Username, rec.UniquePart), postMetadataSK, payload)
	if isUniqueConstraint(err) {
		return fmt.Errorf("%w: post %s", ErrDuplicate, rec.PostID)
	}
	return err
}

// ReadPost returns a post's metadata record.
func (d *DB) ReadPost(ctx context.Context, username, uniquePart string) (domain.PostRecord, error) {
	var raw string
	err := d.conn.QueryRowContext(ctx, `SELECT payload FROM object_index WHERE pk = ? AND sk = ?`,
		postPK(username, uniquePart), postMetadataSK).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PostRecord{}, fmt.Errorf("objects: post %s/%s not found", username, uniquePart)
	}
	if err != nil {
		return domain.PostRecord{}, err
	}
	return unmarshalPost(username, uniquePart, raw)
}

// AddReplyToPost inserts a reply edge under a post's partition, failing
// ErrDuplicate on a clashing sort key.
func (d *DB) AddReplyToPost(ctx context.Context, username, uniquePart string, reply domain.ReplyEdge) error {
	publishedZ := reply.Published.UTC().Format("2006-01-02T15:04:05") + "Z"
	payload := reply.ReplyID
	pk := postPK(username, uniquePart)
	sk := replySK(publishedZ, reply.ReplyID)
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO object_index(pk, sk, payload) VALUES (?, ?, ?)`,
			pk, sk, payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO object_change_log(event, pk, sk) VALUES (?, ?, ?)`, "INSERT", pk, sk)
		return err
	})
	if isUniqueConstraint(err) {
		return fmt.Errorf("%w: reply %s", ErrDuplicate, reply.ReplyID)
	}
	return err
}

// DrainChangeEvents returns up to limit pending reply-edge change events
// in recorded order and removes them from the log, the object-index
// counterpart of users.DB.DrainChangeEvents.
func (d *DB) DrainChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	var events []domain.ChangeEvent
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT seq, event, pk, sk FROM object_change_log ORDER BY seq ASC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		var seqs []int64
		for rows.Next() {
			var seq int64
			var ev domain.ChangeEvent
			if err := rows.Scan(&seq, &ev.EventName, &ev.PK, &ev.SK); err != nil {
				rows.Close()
				return err
			}
			seqs = append(seqs, seq)
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM object_change_log WHERE seq = ?`, seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// AdjustReplyCount applies delta to a post's cached reply count. Called
// only by the statistics maintainer.
func (d *DB) AdjustReplyCount(ctx context.Context, username, postUniquePart string, delta int64) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("objects: beginning transaction: %w", err)
	}
	if err := adjustReplyCountTx(ctx, tx, username, postUniquePart, delta); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("objects: committing transaction: %w", err)
	}
	return nil
}

func adjustReplyCountTx(ctx context.Context, tx *sql.Tx, username, uniquePart string, delta int64) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT payload FROM object_index WHERE pk = ? AND sk = ?`,
		postPK(username, uniquePart), postMetadataSK).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("objects: post %s/%s not found", username, uniquePart)
	}
	if err != nil {
		return err
	}
	rec, err := unmarshalPost(username, uniquePart, raw)
	if err != nil {
		return err
	}
	rec.ReplyCount += delta
	payload, err := marshalPost(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE object_index SET payload = ? WHERE pk = ? AND sk = ?`,
		payload, postPK(username, uniquePart), postMetadataSK)
	return err
}

// CountLocalPosts returns how many local Note records exist, for NodeInfo's
// usage.localPosts figure.
func (d *DB) CountLocalPosts(ctx context.Context) (int64, error) {
	var total int64
	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM object_index WHERE sk = ? AND pk LIKE 'object:%:post:%'`,
		postMetadataSK).Scan(&total)
	return total, err
}

// ReplyPage is one page of a replies enumeration.
type ReplyPage struct {
	ReplyIDs []string
	Next     string
}

// EnumerateReplies ranges over a post's reply edges, restricted to sort
// keys beginning with "reply:". Results are reverse-chronological; using
// after reverses the underlying ascending scan back to that order.
func (d *DB) EnumerateReplies(ctx context.Context, username, uniquePart string, itemsPerQuery int, after, before string) (ReplyPage, error) {
	if after != "" && before != "" {
		return ReplyPage{}, ErrBadRequest
	}
	pk := postPK(username, uniquePart)
	prefix := "reply:"

	var rows *sql.Rows
	var err error
	reverseResult := false
	switch {
	case after != "":
		// Page forward chronologically from the cursor, then reverse the
		// batch so the caller still sees reverse-chronological order.
		reverseResult = true
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk, payload FROM object_index WHERE pk = ? AND sk LIKE ? AND sk > ? ORDER BY sk ASC LIMIT ?`,
			pk, prefix+"%", prefix+after, itemsPerQuery)
	case before != "":
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk, payload FROM object_index WHERE pk = ? AND sk LIKE ? AND sk < ? ORDER BY sk DESC LIMIT ?`,
			pk, prefix+"%", prefix+before, itemsPerQuery)
	default:
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk, payload FROM object_index WHERE pk = ? AND sk LIKE ? ORDER BY sk DESC LIMIT ?`,
			pk, prefix+"%", itemsPerQuery)
	}
	if err != nil {
		return ReplyPage{}, err
	}
	defer rows.Close()

	var replyIDs []string
	var lastSK string
	for rows.Next() {
		var sk, payload string
		if err := rows.Scan(&sk, &payload); err != nil {
			return ReplyPage{}, err
		}
		replyIDs = append(replyIDs, payload)
		lastSK = sk
	}
	if err := rows.Err(); err != nil {
		return ReplyPage{}, err
	}
	if reverseResult {
		for i, j := 0, len(replyIDs)-1; i < j; i, j = i+1, j-1 {
			replyIDs[i], replyIDs[j] = replyIDs[j], replyIDs[i]
		}
	}
	next := ""
	if len(replyIDs) == itemsPerQuery {
		next = strings.TrimPrefix(lastSK, prefix)
	}
	return ReplyPage{ReplyIDs: replyIDs, Next: next}, nil
}

// ActivityPage is one page of an activity-history enumeration.
type ActivityPage struct {
	Items []domain.ActivityRecord
	Next  string // empty when the walk crossed the earliest/latest month
}

// EnumerateUserActivities walks a user's monthly activity partitions,
// returning only public activities. If after is set the walk is
// chronological starting just past it; if before is set (or neither is
// set) the walk is reverse-chronological, anchored at before or at
// lastActivityMonth (the user's current activity month) respectively.
// Direction is fixed for the whole walk, including across month
// boundaries.
func (d *DB) EnumerateUserActivities(ctx context.Context, username string, itemsPerQuery int, after, before, lastActivityMonth string) (ActivityPage, error) {
	if after != "" && before != "" {
		return ActivityPage{}, ErrBadRequest
	}

	months, err := d.monthsWithActivity(ctx, username)
	if err != nil {
		return ActivityPage{}, err
	}

	forward := after != ""
	var anchorMonth, anchorSK string
	switch {
	case after != "":
		createdAt, unique, perr := ids.DeserializeActivityCursor(after)
		if perr != nil {
			return ActivityPage{}, fmt.Errorf("%w: %v", ErrBadRequest, perr)
		}
		anchorMonth = ids.ActivityCursorPartition(createdAt)
		anchorSK = createdAt.UTC().Format("02T15:04:05.000000") + ":" + unique
	case before != "":
		createdAt, unique, perr := ids.DeserializeActivityCursor(before)
		if perr != nil {
			return ActivityPage{}, fmt.Errorf("%w: %v", ErrBadRequest, perr)
		}
		anchorMonth = ids.ActivityCursorPartition(createdAt)
		anchorSK = createdAt.UTC().Format("02T15:04:05.000000") + ":" + unique
	default:
		anchorMonth = lastActivityMonth
	}

	months = insertSorted(months, anchorMonth)
	startIdx := sort.SearchStrings(months, anchorMonth)

	var out []domain.ActivityRecord
	lastCursor := ""

	idx := startIdx
	for len(out) < itemsPerQuery {
		if idx < 0 || idx >= len(months) {
			break
		}
		month := months[idx]
		useAnchor := month == anchorMonth
		remaining := itemsPerQuery - len(out)

		var rows *sql.Rows
		switch {
		case forward:
			if useAnchor && anchorSK != "" {
				rows, err = d.conn.QueryContext(ctx,
					`SELECT sk, payload FROM object_index WHERE pk = ? AND sk > ? AND json_extract(payload, '$.isPublic') = 1 ORDER BY sk ASC LIMIT ?`,
					activityPK(username, month), anchorSK, remaining)
			} else {
				rows, err = d.conn.QueryContext(ctx,
					`SELECT sk, payload FROM object_index WHERE pk = ? AND json_extract(payload, '$.isPublic') = 1 ORDER BY sk ASC LIMIT ?`,
					activityPK(username, month), remaining)
			}
		default:
			if useAnchor && anchorSK != "" {
				rows, err = d.conn.QueryContext(ctx,
					`SELECT sk, payload FROM object_index WHERE pk = ? AND sk < ? AND json_extract(payload, '$.isPublic') = 1 ORDER BY sk DESC LIMIT ?`,
					activityPK(username, month), anchorSK, remaining)
			} else {
				rows, err = d.conn.QueryContext(ctx,
					`SELECT sk, payload FROM object_index WHERE pk = ? AND json_extract(payload, '$.isPublic') = 1 ORDER BY sk DESC LIMIT ?`,
					activityPK(username, month), remaining)
			}
		}
		if err != nil {
			return ActivityPage{}, err
		}

		for rows.Next() {
			var payload string
			if err := rows.Scan(new(string), &payload); err != nil {
				rows.Close()
				return ActivityPage{}, err
			}
			rec, err := unmarshalActivity(username, month, payload)
			if err != nil {
				rows.Close()
				return ActivityPage{}, err
			}
			if !rec.IsPublic {
				continue
			}
			out = append(out, rec)
			lastCursor = ids.SerializeActivityCursor(rec.CreatedAt, rec.UniquePart)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ActivityPage{}, err
		}

		// The queries filter on isPublic, so a short result means this
		// month is exhausted: move on to the next one from its extreme end.
		if forward {
			idx++
		} else {
			idx--
		}
	}

	next := ""
	if len(out) == itemsPerQuery {
		next = lastCursor
	}
	return ActivityPage{Items: out, Next: next}, nil
}

func (d *DB) monthsWithActivity(ctx context.Context, username string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT DISTINCT pk FROM object_index WHERE pk LIKE ?`,
		"activity:"+username+":%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	prefix := "activity:" + username + ":"
	var months []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		months = append(months, strings.TrimPrefix(pk, prefix))
	}
	sort.Strings(months)
	return months, rows.Err()
}

func insertSorted(months []string, month string) []string {
	if month == "" {
		return months
	}
	idx := sort.SearchStrings(months, month)
	if idx < len(months) && months[idx] == month {
		return months
	}
	months = append(months, "")
	copy(months[idx+1:], months[idx:])
	months[idx] = month
	return months
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

type activityPayload struct {
	ActivityID   string    `json:"activityId"`
	ActivityType string    `json:"activityType"`
	UniquePart   string    `json:"uniquePart"`
	Published    time.Time `json:"published"`
	IsPublic     bool      `json:"isPublic"`
}

func marshalActivity(rec domain.ActivityRecord) ([]byte, error) {
	return json.Marshal(activityPayload{
		ActivityID: rec.ActivityID, ActivityType: rec.ActivityType,
		UniquePart: rec.UniquePart, Published: rec.Published, IsPublic: rec.IsPublic,
	})
}

func unmarshalActivity(username, month, raw string) (domain.ActivityRecord, error) {
	var p activityPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("objects: corrupt activity record: %w", err)
	}
	return domain.ActivityRecord{
		Username: username, Month: month, CreatedAt: p.Published,
		UniquePart: p.UniquePart, ActivityID: p.ActivityID,
		ActivityType: p.ActivityType, Published: p.Published, IsPublic: p.IsPublic,
	}, nil
}

type postPayload struct {
	PostID     string    `json:"postId"`
	Type       string    `json:"type"`
	Published  time.Time `json:"published"`
	IsPublic   bool      `json:"isPublic"`
	ReplyCount int64     `json:"replyCount"`
}

func marshalPost(rec domain.PostRecord) ([]byte, error) {
	return json.Marshal(postPayload{
		PostID: rec.PostID, Type: rec.Type, Published: rec.Published,
		IsPublic: rec.IsPublic, ReplyCount: rec.ReplyCount,
	})
}

func unmarshalPost(username, uniquePart, raw string) (domain.PostRecord, error) {
	var p postPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.PostRecord{}, fmt.Errorf("objects: corrupt post record: %w", err)
	}
	return domain.PostRecord{
		Username: username, UniquePart: uniquePart, PostID: p.PostID, Type: p.Type,
		Published: p.Published, IsPublic: p.IsPublic, ReplyCount: p.ReplyCount,
	}, nil
}
