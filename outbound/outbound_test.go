package outbound

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/ids"
	"github.com/driftpub/driftpub/streams"
	"github.com/driftpub/driftpub/users"
)

type fakeUsers struct {
	byUsername     map[string]domain.User
	followers      map[string][]string
	lastActivityAt map[string]time.Time
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byUsername: make(map[string]domain.User), followers: make(map[string][]string), lastActivityAt: make(map[string]time.Time)}
}

func (f *fakeUsers) ReadUser(ctx context.Context, username string) (domain.User, error) {
	u, ok := f.byUsername[username]
	if !ok {
		return domain.User{}, fmt.Errorf("no such user %s", username)
	}
	return u, nil
}

func (f *fakeUsers) EnumerateFollowers(ctx context.Context, username string, itemsPerQuery int, after, before string) (users.EdgePage, error) {
	return users.EdgePage{ActorIDs: f.followers[username]}, nil
}

func (f *fakeUsers) UpdateLastActivity(ctx context.Context, username string, now time.Time) error {
	f.lastActivityAt[username] = now
	return nil
}

type fakeObjects struct {
	posts []domain.PostRecord
}

func (f *fakeObjects) PutPost(ctx context.Context, rec domain.PostRecord) error {
	f.posts = append(f.posts, rec)
	return nil
}

type fakeBlobs struct {
	byKey map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{byKey: make(map[string][]byte)} }

func (f *fakeBlobs) Get(key string) ([]byte, error) {
	body, ok := f.byKey[key]
	if !ok {
		return nil, fmt.Errorf("missing key %s", key)
	}
	return body, nil
}
func (f *fakeBlobs) Put(key string, body []byte) error {
	f.byKey[key] = append([]byte(nil), body...)
	return nil
}
func (f *fakeBlobs) Delete(key string) error {
	delete(f.byKey, key)
	return nil
}

func genKeyPair(t *testing.T) (privatePEM, publicPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return string(privPEM), string(pubPEM)
}

func testDeps(t *testing.T, fu *fakeUsers, fo *fakeObjects, fb *fakeBlobs, privatePEM string) *Deps {
	t.Helper()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Deps{
		Users:      fu,
		Objects:    fo,
		Blobs:      fb,
		HTTPClient: http.DefaultClient,
		Domain:     "example.social",
		PrivateKey: func(ctx context.Context, ref string) (string, error) { return privatePEM, nil },
		Now:        func() time.Time { return fixedNow },
	}
}

func TestTranslateAcceptAssignsFreshID(t *testing.T) {
	fu, fo, fb := newFakeUsers(), &fakeObjects{}, newFakeBlobs()
	deps := testDeps(t, fu, fo, fb, "")

	followID := "https://remote.example/users/bob/follows/1"
	staged, err := streams.Parse([]byte(fmt.Sprintf(`{
		"@context":"https://www.w3.org/ns/activitystreams",
		"id":"https://example.social/users/alice/activities/staged",
		"type":"Accept",
		"actor":"https://example.social/users/alice",
		"object":{"id":%q,"type":"Follow","actor":"https://remote.example/users/bob","object":"https://example.social/users/alice"}
	}`, followID)))
	if err != nil {
		t.Fatalf("parsing staged Accept: %v", err)
	}

	translated, err := Translate(context.Background(), deps, "alice", staged)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if translated.Type() != "Accept" {
		t.Errorf("Type() = %q", translated.Type())
	}
	if translated.ID() == "" || translated.ID() == "https://example.social/users/alice/activities/staged" {
		t.Errorf("expected a fresh activity id, got %q", translated.ID())
	}
	if !strings.Contains(string(translated.Raw()), followID) {
		t.Errorf("translated Accept lost its embedded Follow: %s", translated.Raw())
	}
}

func TestTranslateNotePersistsPostAndWrapsCreate(t *testing.T) {
	fu, fo, fb := newFakeUsers(), &fakeObjects{}, newFakeBlobs()
	deps := testDeps(t, fu, fo, fb, "")

	staged, err := streams.Parse([]byte(`{
		"type":"Note",
		"content":"hello world",
		"to":["https://www.w3.org/ns/activitystreams#Public"]
	}`))
	if err != nil {
		t.Fatalf("parsing staged Note: %v", err)
	}

	translated, err := Translate(context.Background(), deps, "alice", staged)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if translated.Type() != "Create" {
		t.Fatalf("Type() = %q, want Create", translated.Type())
	}
	if len(fo.posts) != 1 {
		t.Fatalf("expected one post record, got %d", len(fo.posts))
	}
	if fo.posts[0].Username != "alice" || fo.posts[0].Type != "Note" {
		t.Errorf("post record = %+v", fo.posts[0])
	}
	if len(fb.byKey) != 1 {
		t.Errorf("expected one blob written, got %d", len(fb.byKey))
	}
}

func TestTranslateNoteTagsHashtagsAndMentions(t *testing.T) {
	remote := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"subject":"acct:bob@%s","links":[{"rel":"self","type":"application/activity+json","href":"https://%s/users/bob"}]}`, r.Host, r.Host)
	}))
	defer remote.Close()
	remoteHost := strings.TrimPrefix(remote.URL, "https://")

	fu, fo, fb := newFakeUsers(), &fakeObjects{}, newFakeBlobs()
	deps := testDeps(t, fu, fo, fb, "")
	deps.HTTPClient = remote.Client()

	content := fmt.Sprintf("hello #gophers, cc @bob@%s", remoteHost)
	staged, err := streams.Parse([]byte(fmt.Sprintf(`{
		"type":"Note",
		"content":%q,
		"to":["https://www.w3.org/ns/activitystreams#Public"]
	}`, content)))
	if err != nil {
		t.Fatalf("parsing staged Note: %v", err)
	}

	translated, err := Translate(context.Background(), deps, "alice", staged)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	raw := string(translated.Raw())
	if !strings.Contains(raw, `"type":"Hashtag"`) || !strings.Contains(raw, `"#gophers"`) {
		t.Errorf("expected a Hashtag tag for #gophers, got %s", raw)
	}
	if !strings.Contains(raw, `"type":"Mention"`) {
		t.Errorf("expected a Mention tag for @bob, got %s", raw)
	}
	if !strings.Contains(raw, "https://"+remoteHost+"/users/bob") {
		t.Errorf("expected resolved mention actor uri in cc, got %s", raw)
	}
}

func TestTranslateUnsupportedType(t *testing.T) {
	fu, fo, fb := newFakeUsers(), &fakeObjects{}, newFakeBlobs()
	deps := testDeps(t, fu, fo, fb, "")
	staged, _ := streams.Parse([]byte(`{"type":"Like"}`))
	if _, err := Translate(context.Background(), deps, "alice", staged); err == nil {
		t.Fatal("expected an error for an unsupported staged type")
	}
}

func TestExpandRecipientsResolvesFollowersCollection(t *testing.T) {
	remoteInbox := "http://remote.example/users/bob/inbox"
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{"id":"http://remote.example/users/bob","type":"Person","inbox":%q}`, remoteInbox)
	}))
	defer remote.Close()

	fu := newFakeUsers()
	fu.followers["alice"] = []string{remote.URL + "/users/bob"}
	deps := testDeps(t, fu, &fakeObjects{}, newFakeBlobs(), "")

	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{
		"type":"Create",
		"actor":"https://example.social/users/alice",
		"to":["https://example.social/users/alice/followers"],
		"cc":["https://www.w3.org/ns/activitystreams#Public"]
	}`)))

	inboxes, err := ExpandRecipients(context.Background(), deps, "alice", activity)
	if err != nil {
		t.Fatalf("ExpandRecipients: %v", err)
	}
	if len(inboxes) != 1 || inboxes[0] != remoteInbox {
		t.Errorf("inboxes = %v, want [%s]", inboxes, remoteInbox)
	}
}

func TestExpandRecipientsSkipsMissingActor(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer remote.Close()

	deps := testDeps(t, newFakeUsers(), &fakeObjects{}, newFakeBlobs(), "")
	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{
		"type":"Create",
		"actor":"https://example.social/users/alice",
		"to":[%q]
	}`, remote.URL+"/users/gone")))

	inboxes, err := ExpandRecipients(context.Background(), deps, "alice", activity)
	if err != nil {
		t.Fatalf("ExpandRecipients: %v", err)
	}
	if len(inboxes) != 0 {
		t.Errorf("expected no inboxes for a missing actor, got %v", inboxes)
	}
}

func TestExpandRecipientsInvalidInternalPath(t *testing.T) {
	deps := testDeps(t, newFakeUsers(), &fakeObjects{}, newFakeBlobs(), "")
	activity, _ := streams.Parse([]byte(`{
		"type":"Create",
		"actor":"https://example.social/users/alice",
		"to":["https://example.social/users/alice/liked"]
	}`))
	if _, err := ExpandRecipients(context.Background(), deps, "alice", activity); err == nil {
		t.Fatal("expected an error for an unrecognized internal path")
	}
}

func TestDeliverSuccessUpdatesLastActivity(t *testing.T) {
	privatePEM, publicPEM := genKeyPair(t)
	_ = publicPEM

	var gotSignature, gotDigest string
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("Signature")
		gotDigest = r.Header.Get("Digest")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer remote.Close()

	fu := newFakeUsers()
	fu.byUsername["alice"] = domain.User{Username: "alice", PrivateKeyRef: "alice-key"}
	deps := testDeps(t, fu, &fakeObjects{}, newFakeBlobs(), privatePEM)

	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{"id":%q,"type":"Create","actor":"https://example.social/users/alice"}`,
		ids.ActivityURI("example.social", "alice", "1"))))

	if err := Deliver(context.Background(), deps, "alice", activity, remote.URL+"/inbox"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotSignature == "" {
		t.Error("expected a Signature header on the delivered request")
	}
	if gotDigest == "" {
		t.Error("expected a Digest header on the delivered request")
	}
	if fu.lastActivityAt["alice"].IsZero() {
		t.Error("expected last_activity_at to be updated on success")
	}
}

func TestDeliverClassifiesRateLimited(t *testing.T) {
	privatePEM, _ := genKeyPair(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer remote.Close()

	fu := newFakeUsers()
	fu.byUsername["alice"] = domain.User{Username: "alice", PrivateKeyRef: "alice-key"}
	deps := testDeps(t, fu, &fakeObjects{}, newFakeBlobs(), privatePEM)

	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{"id":%q,"type":"Create","actor":"https://example.social/users/alice"}`,
		ids.ActivityURI("example.social", "alice", "1"))))

	err := Deliver(context.Background(), deps, "alice", activity, remote.URL+"/inbox")
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	if !strings.Contains(err.Error(), "outbound: transient") {
		t.Errorf("error = %v, want a transient-kind error", err)
	}
}

func TestDeliverClassifiesCommunicationFailure(t *testing.T) {
	privatePEM, _ := genKeyPair(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer remote.Close()

	fu := newFakeUsers()
	fu.byUsername["alice"] = domain.User{Username: "alice", PrivateKeyRef: "alice-key"}
	deps := testDeps(t, fu, &fakeObjects{}, newFakeBlobs(), privatePEM)

	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{"id":%q,"type":"Create","actor":"https://example.social/users/alice"}`,
		ids.ActivityURI("example.social", "alice", "1"))))

	err := Deliver(context.Background(), deps, "alice", activity, remote.URL+"/inbox")
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if !strings.Contains(err.Error(), "non-transient") {
		t.Errorf("error = %v, want a communication-kind error", err)
	}
}

func TestDeliverSkipsGoneRecipient(t *testing.T) {
	privatePEM, _ := genKeyPair(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer remote.Close()

	fu := newFakeUsers()
	fu.byUsername["alice"] = domain.User{Username: "alice", PrivateKeyRef: "alice-key"}
	deps := testDeps(t, fu, &fakeObjects{}, newFakeBlobs(), privatePEM)

	activity, _ := streams.Parse([]byte(fmt.Sprintf(`{"id":%q,"type":"Create","actor":"https://example.social/users/alice"}`,
		ids.ActivityURI("example.social", "alice", "1"))))

	if err := Deliver(context.Background(), deps, "alice", activity, remote.URL+"/inbox"); err != nil {
		t.Fatalf("Deliver: expected nil error on 410, got %v", err)
	}
}

func TestHostLimiterWaitSeparatesHosts(t *testing.T) {
	l := NewHostLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Wait(ctx, "https://a.example/inbox"); err != nil {
		t.Fatalf("Wait a.example: %v", err)
	}
	if err := l.Wait(ctx, "https://b.example/inbox"); err != nil {
		t.Fatalf("Wait b.example: %v", err)
	}
	if len(l.byHost) != 2 {
		t.Errorf("expected two distinct host buckets, got %d", len(l.byHost))
	}
}
