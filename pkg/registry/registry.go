// Package registry knows the URL and API conventions of ClinicalTrials.gov.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ctwatch/ctwatch/pkg/versions"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const (
	siteBase    = "https://clinicaltrials.gov"
	classicBase = "https://classic.clinicaltrials.gov"
	apiBase     = "https://clinicaltrials.gov/api/v2"
)

var nctPattern = regexp.MustCompile(`NCT\d{8}`)

// IDFromLink extracts the NCT identifier from a study link, or "" when the
// link carries none.
func IDFromLink(link string) string {
	return nctPattern.FindString(link)
}

// StudyURL returns the public study page for an NCT identifier.
func StudyURL(nctID string) string {
	return siteBase + "/study/" + nctID
}

// HistoryURL returns the version-history page, which requires client-side
// rendering before its text is usable.
func HistoryURL(nctID string) string {
	return classicBase + "/ct2/history/" + nctID
}

// ComparisonURL returns the side-by-side comparison of two record versions.
// A carries the older version, B the newer, C=merged collapses unchanged
// rows the way the archive site does.
func ComparisonURL(nctID string, pair versions.Pair) string {
	return fmt.Sprintf("%s/ct2/history/%s?A=%d&B=%d&C=merged", classicBase, nctID, pair.Previous, pair.Latest)
}

// ParseComparisonURL recovers the version pair from a comparison URL's
// query parameters. Round-trips with ComparisonURL.
func ParseComparisonURL(raw string) (versions.Pair, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return versions.Pair{}, err
	}
	q := u.Query()
	prev, err := strconv.Atoi(q.Get("A"))
	if err != nil {
		return versions.Pair{}, fmt.Errorf("comparison URL missing version A: %s", raw)
	}
	latest, err := strconv.Atoi(q.Get("B"))
	if err != nil {
		return versions.Pair{}, fmt.Errorf("comparison URL missing version B: %s", raw)
	}
	return versions.Pair{Previous: prev, Latest: latest}, nil
}

// SearchParams mirror the feed endpoint's query parameters.
type SearchParams struct {
	Term      string
	Location  string
	Country   string
	DateField string // which date orders the feed, e.g. LastUpdatePostDate
	Count     int
}

// FeedURL builds the RSS endpoint for a saved search.
func FeedURL(p SearchParams) string {
	q := url.Values{}
	if p.Term != "" {
		q.Set("term", p.Term)
	}
	if p.Location != "" {
		q.Set("locStr", p.Location)
	}
	if p.Country != "" {
		q.Set("country", p.Country)
	}
	if p.DateField != "" {
		q.Set("dateField", p.DateField)
	}
	if p.Count > 0 {
		q.Set("count", strconv.Itoa(p.Count))
	}
	return siteBase + "/api/rss?" + q.Encode()
}

// SponsorClient looks up a record's lead sponsor through the registry's
// JSON records API. Lookups get their own small retry budget and are never
// fatal to record processing.
type SponsorClient struct {
	base   string
	client *retryablehttp.Client
}

// NewSponsorClient builds a client with the given retry budget.
func NewSponsorClient(retries int) *SponsorClient {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.Logger = nil
	return &SponsorClient{base: apiBase, client: c}
}

// LeadSponsor returns the lead sponsor name, or "" when the record has none.
func (s *SponsorClient) LeadSponsor(ctx context.Context, nctID string) (string, error) {
	u := fmt.Sprintf("%s/studies/%s?fields=protocolSection.sponsorCollaboratorsModule", s.base, nctID)
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("sponsor lookup for %s failed with status %d", nctID, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	name := gjson.GetBytes(body, "protocolSection.sponsorCollaboratorsModule.leadSponsor.name").Str
	return strings.TrimSpace(name), nil
}
