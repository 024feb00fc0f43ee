// Package users persists local user records and the follower/followee
// edges between them and remote actors, emulating the wide-table pk/sk
// layout of the original key-value design on top of SQLite.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftpub/driftpub/domain"
)

// Error kinds mirroring the key-value store's conditional-write failures.
var (
	ErrNotFound  = errors.New("users: record not found")
	ErrDuplicate = errors.New("users: record already exists")
	ErrBadRequest = errors.New("users: both after and before were set")
)

const schema = `
CREATE TABLE IF NOT EXISTS user_index (
	pk      TEXT NOT NULL,
	sk      TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (pk, sk)
);
CREATE TABLE IF NOT EXISTS user_change_log (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	pk    TEXT NOT NULL,
	sk    TEXT NOT NULL
);
`

// DB wraps a SQLite connection holding the user index table.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the user index schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("users: opening %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("users: creating schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("users: beginning transaction: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("users: committing transaction: %w", err)
	}
	return nil
}

func userPK(username string) string     { return "user:" + username }
func followerPK(username string) string { return "follower:" + username }
func followeePK(username string) string { return "followee:" + username }

const reservedSK = "reserved"

type userPayload struct {
	DisplayName    string    `json:"displayName"`
	Summary        string    `json:"summary"`
	ProfileURL     string    `json:"profileUrl"`
	PublicKeyPEM   string    `json:"publicKeyPem"`
	PrivateKeyRef  string    `json:"privateKeyRef"`
	FollowerCount  int64     `json:"followerCount"`
	FollowingCount int64     `json:"followingCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// CreateUser inserts a new user record, failing ErrDuplicate if the
// username already exists.
func (d *DB) CreateUser(ctx context.Context, u domain.User) error {
	payload, err := json.Marshal(userPayload{
		DisplayName: u.DisplayName, Summary: u.Summary, ProfileURL: u.ProfileURL,
		PublicKeyPEM: u.PublicKeyPEM, PrivateKeyRef: u.PrivateKeyRef,
		FollowerCount: u.FollowerCount, FollowingCount: u.FollowingCount,
		CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt, LastActivityAt: u.LastActivityAt,
	})
	if err != nil {
		return fmt.Errorf("users: marshaling user %s: %w", u.Username, err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO user_index(pk, sk, payload) VALUES (?, ?, ?)`,
		userPK(u.Username), reservedSK, payload)
	if isUniqueConstraint(err) {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.Username)
	}
	return err
}

// ReadUser returns the user record for username, or ErrNotFound.
func (d *DB) ReadUser(ctx context.Context, username string) (domain.User, error) {
	var raw string
	err := d.conn.QueryRowContext(ctx,
		`SELECT payload FROM user_index WHERE pk = ? AND sk = ?`,
		userPK(username), reservedSK).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return domain.User{}, err
	}
	var p userPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.User{}, fmt.Errorf("users: corrupt user record %s: %w", username, err)
	}
	return domain.User{
		Username: username, DisplayName: p.DisplayName, Summary: p.Summary,
		ProfileURL: p.ProfileURL, PublicKeyPEM: p.PublicKeyPEM, PrivateKeyRef: p.PrivateKeyRef,
		FollowerCount: p.FollowerCount, FollowingCount: p.FollowingCount,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, LastActivityAt: p.LastActivityAt,
	}, nil
}

// UpdateLastActivity bumps username's last_activity_at to now, failing
// ErrNotFound if the user does not exist.
func (d *DB) UpdateLastActivity(ctx context.Context, username string, now time.Time) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM user_index WHERE pk = ? AND sk = ?`,
			userPK(username), reservedSK).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s", ErrNotFound, username)
		}
		if err != nil {
			return err
		}
		var p userPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("users: corrupt user record %s: %w", username, err)
		}
		p.LastActivityAt = now
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE user_index SET payload = ? WHERE pk = ? AND sk = ?`,
			updated, userPK(username), reservedSK)
		return err
	})
}

type edgePayload struct {
	FollowActivityID string    `json:"followActivityId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AddUserFollower records that followerActorID follows username, keyed on
// the follow activity that established it. Insertion is conditional on the
// edge not already existing; a duplicate is logged and treated as success,
// matching the source's idempotent re-delivery semantics. Counters are not
// touched here — the statistics maintainer is the sole authority on them.
func (d *DB) AddUserFollower(ctx context.Context, username, followerActorID, followActivityID string, now time.Time) error {
	payload, err := json.Marshal(edgePayload{FollowActivityID: followActivityID, CreatedAt: now})
	if err != nil {
		return err
	}
	err = d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO user_index(pk, sk, payload) VALUES (?, ?, ?)`,
			followerPK(username), followerActorID, payload)
		if err != nil {
			return err
		}
		return logChange(ctx, tx, "INSERT", followerPK(username), followerActorID)
	})
	if isUniqueConstraint(err) {
		log.Printf("users: follower edge %s -> %s already exists, ignoring", followerActorID, username)
		return nil
	}
	return err
}

// RemoveUserFollower deletes the edge recording that followerActorID
// follows username. A missing edge is logged and treated as success.
func (d *DB) RemoveUserFollower(ctx context.Context, username, followerActorID string) error {
	var affected int64
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM user_index WHERE pk = ? AND sk = ?`,
			followerPK(username), followerActorID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		if affected == 0 {
			return nil
		}
		return logChange(ctx, tx, "REMOVE", followerPK(username), followerActorID)
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		log.Printf("users: follower edge %s -> %s does not exist, ignoring", followerActorID, username)
	}
	return nil
}

// AddUserFollowee records that username follows followeeActorID.
func (d *DB) AddUserFollowee(ctx context.Context, username, followeeActorID, followActivityID string, now time.Time) error {
	payload, err := json.Marshal(edgePayload{FollowActivityID: followActivityID, CreatedAt: now})
	if err != nil {
		return err
	}
	err = d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO user_index(pk, sk, payload) VALUES (?, ?, ?)`,
			followeePK(username), followeeActorID, payload)
		if err != nil {
			return err
		}
		return logChange(ctx, tx, "INSERT", followeePK(username), followeeActorID)
	})
	if isUniqueConstraint(err) {
		log.Printf("users: followee edge %s -> %s already exists, ignoring", username, followeeActorID)
		return nil
	}
	return err
}

// RemoveUserFollowee deletes the edge recording that username follows
// followeeActorID.
func (d *DB) RemoveUserFollowee(ctx context.Context, username, followeeActorID string) error {
	var affected int64
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM user_index WHERE pk = ? AND sk = ?`,
			followeePK(username), followeeActorID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		if affected == 0 {
			return nil
		}
		return logChange(ctx, tx, "REMOVE", followeePK(username), followeeActorID)
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		log.Printf("users: followee edge %s -> %s does not exist, ignoring", username, followeeActorID)
	}
	return nil
}

func logChange(ctx context.Context, tx *sql.Tx, event, pk, sk string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_change_log(event, pk, sk) VALUES (?, ?, ?)`, event, pk, sk)
	return err
}

// DrainChangeEvents returns up to limit pending change events in the order
// they were recorded and removes them from the log in the same
// transaction, so each event is returned by at most one call; an event
// whose processing fails after the drain is not handed out again. Stands
// in for a change stream's in-order consumption on top of a plain SQLite
// table.
func (d *DB) DrainChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	var events []domain.ChangeEvent
	err := d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT seq, event, pk, sk FROM user_change_log ORDER BY seq ASC LIMIT ?`, limit)
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
			if _, err := tx.ExecContext(ctx, `DELETE FROM user_change_log WHERE seq = ?`, seq); err != nil {
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

// AdjustFollowerCount applies delta to username's cached follower count.
// Called only by the statistics maintainer.
func (d *DB) AdjustFollowerCount(ctx context.Context, username string, delta int64) error {
	return d.adjustCounter(ctx, username, func(p *userPayload) { p.FollowerCount += delta })
}

// AdjustFollowingCount applies delta to username's cached following count.
// Called only by the statistics maintainer.
func (d *DB) AdjustFollowingCount(ctx context.Context, username string, delta int64) error {
	return d.adjustCounter(ctx, username, func(p *userPayload) { p.FollowingCount += delta })
}

func (d *DB) adjustCounter(ctx context.Context, username string, apply func(*userPayload)) error {
	return d.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM user_index WHERE pk = ? AND sk = ?`,
			userPK(username), reservedSK).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s", ErrNotFound, username)
		}
		if err != nil {
			return err
		}
		var p userPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("users: corrupt user record %s: %w", username, err)
		}
		apply(&p)
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE user_index SET payload = ? WHERE pk = ? AND sk = ?`,
			updated, userPK(username), reservedSK)
		return err
	})
}

// UserCounts summarizes the local account population for NodeInfo
// reporting: the total account count and how many were active within the
// last month / last six months, per last_activity_at.
type UserCounts struct {
	Total          int64
	ActiveMonth    int64
	ActiveHalfyear int64
}

// CountUsers scans every local account once and tallies UserCounts relative
// to now. The scan is a single pass over the (typically small) account
// table rather than a SQL aggregate, since last_activity_at lives inside
// the JSON payload rather than its own column.
func (d *DB) CountUsers(ctx context.Context, now time.Time) (UserCounts, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT payload FROM user_index WHERE sk = ?`, reservedSK)
	if err != nil {
		return UserCounts{}, err
	}
	defer rows.Close()

	monthAgo := now.AddDate(0, -1, 0)
	halfYearAgo := now.AddDate(0, -6, 0)
	var counts UserCounts
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return UserCounts{}, err
		}
		var p userPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return UserCounts{}, fmt.Errorf("users: corrupt user record: %w", err)
		}
		counts.Total++
		if p.LastActivityAt.After(monthAgo) {
			counts.ActiveMonth++
		}
		if p.LastActivityAt.After(halfYearAgo) {
			counts.ActiveHalfyear++
		}
	}
	return counts, rows.Err()
}

// EdgePage is one page of a followers or following enumeration.
type EdgePage struct {
	ActorIDs []string
	Next     string // empty when there is no further page
}

// EnumerateFollowers yields up to itemsPerQuery follower ids in sort-key
// (i.e. follower-id) order. At most one of after/before may be set; before
// walks backward and the result is reversed so the caller always receives
// an ascending run.
func (d *DB) EnumerateFollowers(ctx context.Context, username string, itemsPerQuery int, after, before string) (EdgePage, error) {
	return d.enumerateEdges(ctx, followerPK(username), itemsPerQuery, after, before)
}

// EnumerateFollowing is the followee-edge counterpart of EnumerateFollowers.
func (d *DB) EnumerateFollowing(ctx context.Context, username string, itemsPerQuery int, after, before string) (EdgePage, error) {
	return d.enumerateEdges(ctx, followeePK(username), itemsPerQuery, after, before)
}

func (d *DB) enumerateEdges(ctx context.Context, pk string, itemsPerQuery int, after, before string) (EdgePage, error) {
	if after != "" && before != "" {
		return EdgePage{}, ErrBadRequest
	}

	var rows *sql.Rows
	var err error
	reverse := false
	switch {
	case after != "":
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk FROM user_index WHERE pk = ? AND sk > ? ORDER BY sk ASC LIMIT ?`,
			pk, after, itemsPerQuery)
	case before != "":
		reverse = true
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk FROM user_index WHERE pk = ? AND sk < ? ORDER BY sk DESC LIMIT ?`,
			pk, before, itemsPerQuery)
	default:
		rows, err = d.conn.QueryContext(ctx,
			`SELECT sk FROM user_index WHERE pk = ? ORDER BY sk ASC LIMIT ?`,
			pk, itemsPerQuery)
	}
	if err != nil {
		return EdgePage{}, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return EdgePage{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return EdgePage{}, err
	}

	if reverse {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}

	next := ""
	if len(ids) == itemsPerQuery {
		next = ids[len(ids)-1]
	}
	return EdgePage{ActorIDs: ids, Next: next}, nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
