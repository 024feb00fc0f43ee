// Package webfinger implements the single discovery endpoint a remote
// server uses to resolve an acct: handle to an actor URI, per spec §6:
// GET /.well-known/webfinger?resource=acct:{user}@{domain}.
package webfinger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/driftpub/driftpub/ids"
)

// FailureKind distinguishes the three ways a lookup can fail, matching
// the three outcomes spec §6 names.
type FailureKind int

const (
	// BadRequest means the resource parameter wasn't acct:user@domain.
	BadRequest FailureKind = iota
	// UnexpectedDomain means the domain half didn't match the configured
	// domain this server answers for.
	UnexpectedDomain
	// NotFound means the domain matched but no such user exists.
	NotFound
)

// Error reports a WebFinger lookup failure and which of the three kinds
// it is, so an HTTP layer can map it to the right status code.
type Error struct {
	Kind     FailureKind
	Resource string
}

func (e *Error) Error() string {
	switch e.Kind {
	case BadRequest:
		return fmt.Sprintf("webfinger: malformed resource %q", e.Resource)
	case UnexpectedDomain:
		return fmt.Sprintf("webfinger: unexpected domain in %q", e.Resource)
	default:
		return fmt.Sprintf("webfinger: no such user for %q", e.Resource)
	}
}

// UserExists is the narrow lookup webfinger needs from the user index: does
// a local account with this username exist.
type UserExists func(ctx context.Context, username string) (bool, error)

// Link is one entry of a JRD response's links array.
type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// Response is the JRD document returned for a successful lookup.
type Response struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// ParseAcct splits an acct:user@domain resource parameter into its two
// halves. It rejects any other resource form (e.g. the https://.../users/x
// variant some implementations also accept) since spec §6 only specifies
// the acct: form.
func ParseAcct(resource string) (user, domain string, ok bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(rest, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Lookup resolves a WebFinger resource parameter against the configured
// domain and a local-user existence check, returning the JRD document on
// success or a typed *Error on failure.
func Lookup(ctx context.Context, resource, configuredDomain string, exists UserExists) (*Response, error) {
	user, domain, ok := ParseAcct(resource)
	if !ok {
		return nil, &Error{Kind: BadRequest, Resource: resource}
	}
	if domain != configuredDomain {
		return nil, &Error{Kind: UnexpectedDomain, Resource: resource}
	}
	found, err := exists(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("webfinger: checking user %q: %w", user, err)
	}
	if !found {
		return nil, &Error{Kind: NotFound, Resource: resource}
	}

	actor := ids.ActorURI(configuredDomain, user)
	return &Response{
		Subject: fmt.Sprintf("acct:%s@%s", user, domain),
		Links: []Link{
			{Rel: "self", Type: "application/activity+json", Href: actor},
		},
	}, nil
}

// ResolveMention resolves a "@user@domain" mention token to the mentioned
// actor's URI via a remote WebFinger lookup, the way outbound tagging needs
// to turn a hashtag-style mention into an addressable actor. Internal
// mentions (domain == configuredDomain) are resolved locally without a
// network round trip.
func ResolveMention(ctx context.Context, mention, configuredDomain string, fetch func(ctx context.Context, url string) (*Response, error)) (string, error) {
	mention = strings.TrimPrefix(mention, "@")
	parts := strings.SplitN(mention, "@", 2)
	if len(parts) != 2 {
		return "", errors.New("webfinger: malformed mention " + mention)
	}
	user, domain := parts[0], parts[1]
	if domain == configuredDomain {
		return ids.ActorURI(configuredDomain, user), nil
	}

	url := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", domain, user, domain)
	resp, err := fetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("webfinger: resolving mention %s: %w", mention, err)
	}
	for _, l := range resp.Links {
		if l.Rel == "self" {
			return l.Href, nil
		}
	}
	return "", fmt.Errorf("webfinger: no self link for mention %s", mention)
}
