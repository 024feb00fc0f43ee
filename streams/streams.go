// Package streams provides lazily-typed, allocation-light views over
// Activity Streams JSON documents: actors, notes, links, and the activity
// variants the inbound and outbound pipelines dispatch on.
package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// PublicAddress is the reserved "anyone" recipient.
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// UserAgent identifies this service to remote servers dereferencing a
// Reference.
const UserAgent = "driftpub/1.0 (+https://github.com/driftpub/driftpub)"

// AcceptHeader is the media-type list advertised on every AS fetch.
const AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

var (
	ErrMissingType    = errors.New("streams: document has no type")
	ErrWrongType      = errors.New("streams: document type does not match refinement")
	ErrInvalidField   = errors.New("streams: field has an unexpected shape")
	ErrNotFound       = errors.New("streams: referenced object not found")
	ErrTimeout        = errors.New("streams: timed out dereferencing a reference")
)

// Object is the polymorphic base view over any Activity Streams document.
type Object struct {
	raw  []byte
	json gjson.Result
}

// Parse validates that raw is a JSON object carrying a "type" field and
// returns the base Object view.
func Parse(raw []byte) (Object, error) {
	if !gjson.ValidBytes(raw) {
		return Object{}, fmt.Errorf("%w: invalid JSON", ErrInvalidField)
	}
	result := gjson.ParseBytes(raw)
	if !result.Get("type").Exists() {
		return Object{}, ErrMissingType
	}
	if result.Get("type").Type != gjson.String {
		return Object{}, fmt.Errorf("%w: type is not a string", ErrInvalidField)
	}
	return Object{raw: raw, json: result}, nil
}

// Raw returns the backing JSON bytes.
func (o Object) Raw() []byte { return o.raw }

// Pretty returns the document reformatted for diagnostic output.
func (o Object) Pretty() []byte { return pretty.Pretty(o.raw) }

// ID returns the document's "id" field, or "" if absent or non-string.
func (o Object) ID() string {
	v := o.json.Get("id")
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

// Type returns the document's "type" field.
func (o Object) Type() string {
	return o.json.Get("type").String()
}

// To returns the "to" field as a list of strings, accepting either a single
// string or an array.
func (o Object) To() []string { return stringOrArray(o.json.Get("to")) }

// Cc returns the "cc" field as a list of strings.
func (o Object) Cc() []string { return stringOrArray(o.json.Get("cc")) }

// Bcc returns the "bcc" field as a list of strings.
func (o Object) Bcc() []string { return stringOrArray(o.json.Get("bcc")) }

// Published returns the "published" field parsed as RFC3339, and whether it
// was present and well-formed.
func (o Object) Published() (time.Time, bool) {
	v := o.json.Get("published")
	if v.Type != gjson.String {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v.String())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InReplyTo returns a Reference to the object's "inReplyTo", if present.
func (o Object) InReplyTo() (Reference, bool) {
	v := o.json.Get("inReplyTo")
	if !v.Exists() {
		return Reference{}, false
	}
	return newReference(v), true
}

// IsPublic reports whether the reserved Public address appears in to or cc.
func (o Object) IsPublic() bool {
	for _, addr := range o.To() {
		if addr == PublicAddress {
			return true
		}
	}
	for _, addr := range o.Cc() {
		if addr == PublicAddress {
			return true
		}
	}
	return false
}

func stringOrArray(v gjson.Result) []string {
	if !v.Exists() {
		return nil
	}
	if v.IsArray() {
		out := make([]string, 0, len(v.Array()))
		for _, item := range v.Array() {
			if item.Type == gjson.String {
				out = append(out, item.String())
			}
		}
		return out
	}
	if v.Type == gjson.String {
		return []string{v.String()}
	}
	return nil
}

// Reference is a URI, an inline Link, or an inline object — the three
// shapes an Activity Streams field may take when it names another object.
type Reference struct {
	uri    string
	inline *Object
}

func newReference(v gjson.Result) Reference {
	if v.Type == gjson.String {
		return Reference{uri: v.String()}
	}
	obj := Object{raw: []byte(v.Raw), json: v}
	return Reference{uri: obj.ID(), inline: &obj}
}

// ID returns the reference's identifier regardless of its shape.
func (r Reference) ID() string {
	if r.inline != nil {
		return r.inline.ID()
	}
	return r.uri
}

// IsInline reports whether the reference already carries its object body.
func (r Reference) IsInline() bool { return r.inline != nil }

// Resolve returns the referenced Object, fetching it over HTTP if the
// reference is a bare URI not already present in store.
func (r Reference) Resolve(ctx context.Context, client *http.Client, store *ObjectStore) (Object, error) {
	if r.inline != nil {
		return *r.inline, nil
	}
	if store != nil {
		if obj, ok := store.Get(r.uri); ok {
			return obj, nil
		}
	}
	obj, err := Fetch(ctx, client, r.uri)
	if err != nil {
		return Object{}, err
	}
	if store != nil {
		store.Put(obj)
	}
	return obj, nil
}

// Fetch performs an AS-typed GET against uri.
func Fetch(ctx context.Context, client *http.Client, uri string) (Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Object{}, ErrTimeout
		}
		return Object{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return Object{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Object{}, fmt.Errorf("streams: GET %s: HTTP %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Object{}, err
	}
	return Parse(body)
}

// ObjectStore deduplicates fetches during recipient expansion and activity
// walks. It is not safe for concurrent use; callers own one per invocation.
type ObjectStore struct {
	byID map[string]Object
}

// NewObjectStore returns an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{byID: make(map[string]Object)}
}

// Get returns the stored object for id, if any.
func (s *ObjectStore) Get(id string) (Object, bool) {
	obj, ok := s.byID[id]
	return obj, ok
}

// Put records obj under its own id, replacing anything already stored.
func (s *ObjectStore) Put(obj Object) {
	if id := obj.ID(); id != "" {
		s.byID[id] = obj
	}
}
