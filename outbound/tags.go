package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/driftpub/driftpub/streams"
	"github.com/driftpub/driftpub/webfinger"
)

// hashtagPattern and mentionPattern scan a Note's content the way the
// teacher's util.ParseHashtags/util.ParseMentions do: a run of word
// characters after the sigil, optionally followed by "@domain" for a
// remote mention.
var (
	hashtagPattern = regexp.MustCompile(`#(\w+)`)
	mentionPattern = regexp.MustCompile(`@(\w[\w.\-]*)(?:@([\w.\-]+(?::\d+)?))?`)
)

// noteTags holds the hashtag and mention tokens parsed from a Note's
// content, and the actor URIs those mentions resolve to.
type noteTags struct {
	Hashtags []string // bare tag text, no leading '#'
	Mentions []resolvedMention
}

type resolvedMention struct {
	Token    string // the "@user" or "@user@domain" text as written
	ActorURI string
}

// parseContentTags extracts hashtag and mention tokens from content and
// resolves each mention to an actor URI, mirroring the teacher's
// mention-resolution step in outbox.go's note-sending path. A mention that
// fails to resolve (unknown user, unreachable remote) is silently dropped
// rather than failing the whole translation — a dangling mention is
// cosmetic, not fatal to delivery.
func parseContentTags(ctx context.Context, deps *Deps, content string) noteTags {
	var tags noteTags
	for _, m := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		tags.Hashtags = append(tags.Hashtags, m[1])
	}

	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		full, domain := m[0], m[2]
		if domain == "" {
			domain = deps.Domain
		}
		mentionAcct := "@" + m[1] + "@" + domain
		if seen[mentionAcct] {
			continue
		}
		seen[mentionAcct] = true

		actorURI, err := webfinger.ResolveMention(ctx, mentionAcct, deps.Domain, deps.fetchWebfinger)
		if err != nil {
			continue
		}
		tags.Mentions = append(tags.Mentions, resolvedMention{Token: full, ActorURI: actorURI})
	}
	return tags
}

// tagEntries builds the Activity Streams "tag" array for a translated
// Note: one Hashtag entry per parsed tag, one Mention entry per resolved
// mention.
func (t noteTags) tagEntries(domain string) []map[string]any {
	entries := make([]map[string]any, 0, len(t.Hashtags)+len(t.Mentions))
	for _, tag := range t.Hashtags {
		entries = append(entries, map[string]any{
			"type": "Hashtag",
			"name": "#" + tag,
			"href": fmt.Sprintf("https://%s/tags/%s", domain, tag),
		})
	}
	for _, m := range t.Mentions {
		entries = append(entries, map[string]any{
			"type": "Mention",
			"name": m.Token,
			"href": m.ActorURI,
		})
	}
	return entries
}

// mentionCcs returns the resolved mention actor URIs, for folding into a
// Note's cc addressing alongside whatever the caller already staged.
func (t noteTags) mentionCcs() []string {
	ccs := make([]string, 0, len(t.Mentions))
	for _, m := range t.Mentions {
		ccs = append(ccs, m.ActorURI)
	}
	return ccs
}

// fetchWebfinger performs the unsigned GET a remote WebFinger lookup needs
// and parses the JRD response body. It satisfies the fetch callback
// webfinger.ResolveMention expects for non-local mentions.
func (d *Deps) fetchWebfinger(ctx context.Context, url string) (*webfinger.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", streams.UserAgent)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("outbound: webfinger GET %s: HTTP %d", url, resp.StatusCode)
	}

	var out webfinger.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("outbound: decoding webfinger response from %s: %w", url, err)
	}
	return &out, nil
}
