// Package feed defines the feed source contract and the RSS adapter that
// turns announcement feed items into candidates.
package feed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"tenderwatch/internal/model"
)

// Batch is one fetch result: the candidates observed since the cursor and
// the cursor to persist once they have been evaluated.
type Batch struct {
	Candidates []model.Candidate
	Cursor     string
}

// Source is the feed acquisition collaborator.
type Source interface {
	FetchSince(ctx context.Context, cursor string) (*Batch, error)
}

// FetchError marks a transient acquisition failure eligible for retry.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch: %v", e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is a transient fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RSS fetches procurement announcements from an RSS/Atom feed.
type RSS struct {
	client HTTPClient
	url    string
}

// NewRSS creates an RSS source for the given feed URL.
func NewRSS(client HTTPClient, url string) *RSS {
	return &RSS{client: client, url: url}
}

const cursorLayout = time.RFC3339

// FetchSince downloads the feed and returns items published after the
// cursor timestamp. The new cursor is the newest publication time seen.
// Items without a publication date are always included; the delivery ledger
// deduplicates re-observations.
func (r *RSS) FetchSince(ctx context.Context, cursor string) (*Batch, error) {
	parsed, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if cursor != "" {
		since, err = time.Parse(cursorLayout, cursor)
		if err != nil {
			return nil, fmt.Errorf("parse cursor %q: %w", cursor, err)
		}
	}

	batch := &Batch{Cursor: cursor}
	newest := since
	for _, item := range parsed.Items {
		if item.PublishedParsed != nil {
			if !item.PublishedParsed.After(since) {
				continue
			}
			if item.PublishedParsed.After(newest) {
				newest = *item.PublishedParsed
			}
		}
		batch.Candidates = append(batch.Candidates, itemToCandidate(item))
	}
	if !newest.IsZero() {
		batch.Cursor = newest.UTC().Format(cursorLayout)
	}
	return batch, nil
}

func (r *RSS) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "TenderWatch/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("read body: %w", err)}
	}

	parser := gofeed.NewParser()
	parsed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("parse feed: %w", err)}
	}
	return parsed, nil
}

// AnnouncementNumber returns the stable identity for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func AnnouncementNumber(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// itemToCandidate maps one feed item to a candidate. Procurement feeds
// carry price, region and customer in non-standard item tags, which gofeed
// surfaces through the Custom map.
func itemToCandidate(item *gofeed.Item) model.Candidate {
	c := model.Candidate{
		Number:      AnnouncementNumber(item),
		Title:       item.Title,
		Description: item.Description,
		Link:        item.Link,
	}
	if len(item.Categories) > 0 {
		c.Category = item.Categories[0]
	}
	if v := customField(item, "price", "amount"); v != "" {
		if p, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err == nil {
			c.Price = &p
		}
	}
	c.Region = customField(item, "region")
	c.Counterparty = customField(item, "customer", "counterparty")
	return c
}

func customField(item *gofeed.Item, names ...string) string {
	for key, value := range item.Custom {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}
