// Package domain holds the core record types shared across the user
// index, object index, and blob store adapter.
package domain

import "time"

// User is a local account, keyed by username within the configured domain.
type User struct {
	Username       string
	DisplayName    string
	Summary        string
	ProfileURL     string
	PublicKeyPEM   string
	PrivateKeyRef  string // opaque reference into the key store, never the raw key
	FollowerCount  int64
	FollowingCount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// FollowerEdge records that a remote actor follows a local user.
type FollowerEdge struct {
	Username         string
	FollowerActorID  string
	FollowActivityID string
	CreatedAt        time.Time
}

// FolloweeEdge records that a local user follows a remote actor.
type FolloweeEdge struct {
	Username         string
	FolloweeActorID  string
	FollowActivityID string
	CreatedAt        time.Time
}

// ActivityRecord is one entry in a user's monthly activity history.
type ActivityRecord struct {
	Username     string
	Month        string // YYYY-MM
	CreatedAt    time.Time
	UniquePart   string
	ActivityID   string
	ActivityType string
	Published    time.Time
	IsPublic     bool
}

// PostRecord is the metadata row for a local Note.
type PostRecord struct {
	Username   string
	UniquePart string
	PostID     string
	Type       string
	Published  time.Time
	IsPublic   bool
	ReplyCount int64
}

// ReplyEdge links a reply object to its parent post.
type ReplyEdge struct {
	PostUsername   string
	PostUniquePart string
	ReplyID        string
	Published      time.Time
}

// ChangeEvent is one row of the change stream C7 consumes from C5/C6.
type ChangeEvent struct {
	EventName string // INSERT or REMOVE
	PK        string
	SK        string
}
