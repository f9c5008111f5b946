// Package feed fetches and parses the registry's syndication feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ctwatch/ctwatch/internal/utils"
	"github.com/ctwatch/ctwatch/pkg/retry"
	"github.com/ctwatch/ctwatch/pkg/whttp"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// ErrParse indicates the whole feed document was unusable. A single bad
// item never produces this; it is dropped with a warning instead.
var ErrParse = errors.New("feed document could not be parsed")

// isNewTolerance is the slack allowed between update and creation
// timestamps when deciding that a record was just published. The registry
// stamps both fields in the same write, but not atomically.
const isNewTolerance = time.Second

// Entry is one feed item, immutable for the duration of an invocation.
type Entry struct {
	Title     string
	Link      string
	Updated   *time.Time
	Published *time.Time
	IsNew     bool
}

// Reader fetches and parses one feed URL per call.
type Reader struct {
	Client            *http.Client
	Attempts          int           // retry budget for the fetch; defaults to 3
	BaseDelay         time.Duration // backoff base; defaults to 2s
	PerAttemptTimeout time.Duration // hard deadline per fetch attempt; defaults to 20s
}

const outerDeadlineBuffer = 10 * time.Second

// Fetch downloads and parses the feed, newest first. The registry's own
// ordering is trusted; entries are never re-sorted. The whole retry loop
// runs under an absolute deadline of attempts*perAttemptTimeout plus a
// fixed buffer, so a hung retry cycle cannot outlive one invocation.
func (r *Reader) Fetch(ctx context.Context, feedURL string) ([]Entry, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := r.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	perAttempt := r.PerAttemptTimeout
	if perAttempt <= 0 {
		perAttempt = 20 * time.Second
	}

	outer := time.Duration(attempts)*perAttempt + outerDeadlineBuffer
	ctx, cancelOuter := context.WithTimeout(ctx, outer)
	defer cancelOuter()

	res, err := retry.Do(ctx, attempts, baseDelay, func(ctx context.Context) (*whttp.Response, error) {
		return whttp.Fetch(ctx, &whttp.Request{URL: feedURL}, perAttempt, r.Client)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}

	return Parse(res.Body)
}

// Parse detects the syndication dialect and converts the document into
// entries. Unknown dialects fall back to a permissive element scan with a
// logged warning rather than failing outright.
func Parse(body string) ([]Entry, error) {
	switch gofeed.DetectFeedType(strings.NewReader(body)) {
	case gofeed.FeedTypeRSS, gofeed.FeedTypeAtom:
		parsed, err := gofeed.NewParser().ParseString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		entries := make([]Entry, 0, len(parsed.Items))
		for _, item := range parsed.Items {
			entries = append(entries, buildEntry(item.Title, item.Link, item.UpdatedParsed, item.PublishedParsed))
		}
		return entries, nil
	default:
		utils.Log.Warnf("Feed dialect not recognized, attempting permissive parse")
		return parsePermissive(body)
	}
}

// parsePermissive scans for item/entry elements without caring about the
// surrounding dialect. Used when neither RSS nor Atom signatures match.
func parsePermissive(body string) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var entries []Entry
	doc.Find("item, entry").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("title").First().Text())

		link := extractLink(s.Find("link").First())

		updated := parseTimestamp(firstText(s, "updated", "pubdate", "lastbuilddate"))
		published := parseTimestamp(firstText(s, "published", "pubdate"))

		entries = append(entries, buildEntry(title, link, updated, published))
	})

	if len(entries) == 0 {
		return nil, ErrParse
	}
	return entries, nil
}

// extractLink pulls the URL out of a link element in any of the shapes
// the dialects use. The underlying HTML parser treats <link> as a void
// element, so RSS-style <link>url</link> content ends up in the text
// nodes following the element rather than inside it.
func extractLink(sel *goquery.Selection) string {
	if link := strings.TrimSpace(sel.Text()); link != "" {
		return link
	}
	// Atom-style <link href="..."/>
	if href, ok := sel.Attr("href"); ok && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	if len(sel.Nodes) == 0 {
		return ""
	}
	for sib := sel.Nodes[0].NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode {
			break
		}
		if sib.Type == html.TextNode {
			if text := strings.TrimSpace(sib.Data); text != "" {
				return text
			}
		}
	}
	return ""
}

func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(s.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02",
}

// parseTimestamp returns nil for anything it cannot make sense of; one bad
// entry must not invalidate the feed.
func parseTimestamp(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	utils.Log.Warnf("Dropping malformed feed timestamp %q", raw)
	return nil
}

func buildEntry(title, link string, updated, published *time.Time) Entry {
	e := Entry{
		Title:     strings.TrimSpace(title),
		Link:      strings.TrimSpace(link),
		Updated:   updated,
		Published: published,
	}
	// Equal update/creation stamps are the registry's signal that the
	// record was just published rather than revised. Dialects that carry
	// only one of the two stamps give no such signal.
	if updated != nil && published != nil {
		delta := updated.Sub(*published)
		if delta < 0 {
			delta = -delta
		}
		e.IsNew = delta <= isNewTolerance
	}
	if e.Updated == nil {
		e.Updated = published
	}
	return e
}
