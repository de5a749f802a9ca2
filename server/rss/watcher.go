package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	retry "github.com/codeGROOVE-dev/retry-go"
	"github.com/mmcdole/gofeed"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// Item is our internal, minimalist representation of a blog post
type Item struct {
	ID        string
	Title     string
	Summary   string
	Published time.Time
	Updated   time.Time // zero when the feed doesn't say
	Content   string
	URL       string
	Hashtags  []string
}

// ItemHandler is an interface that defines what to do when new RSS items are discovered
type ItemHandler interface {
	StatusCode(code int)   // called after any fetch, normally either 200 (OK) or 304 (NotModified)
	NewItem(item Item)     // a new feed item is discovered
	UpdatedItem(item Item) // a known item has a later updated time than before
}

const feedAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"

// FeedWatcher implements a small service to watch an RSS feed and discover new activity
type FeedWatcher struct {
	URL        string
	Client     http.Client
	Handler    ItemHandler
	Attempts   uint          // fetch attempts per check, at least 1
	RetryDelay time.Duration // base delay between attempts

	itemParser   ItemParser
	etag         string
	lastModified string
	known        map[string]time.Time // known guids to track new and updated items
}

type ItemParser interface {
	Parse(r io.Reader) ([]Item, error)
}

type gofeedParser struct {
	parser *gofeed.Parser // helper to parse rss, atom, json
}

// Parse an HTTP body as an RSS feed (or Atom or JSON, it turns out)
func (p gofeedParser) Parse(reader io.Reader) ([]Item, error) {
	feed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0)
	for _, item := range feed.Items {
		parsedItem := Item{
			ID:       item.GUID,
			Title:    item.Title,
			Summary:  item.Description,
			Content:  item.Content,
			URL:      item.Link,
			Hashtags: item.Categories,
		}
		if parsedItem.ID == "" {
			parsedItem.ID = item.Link
		}
		if parsedItem.Content == "" {
			parsedItem.Content = item.Description
		}
		if item.PublishedParsed != nil {
			parsedItem.Published = *item.PublishedParsed
		} else {
			// Some feeds have mangled dates
			// e.g. CNN "Sat, 26 Nov 2022 11:04:03 GMT"
			parsedItem.Published = time.Now().UTC()
		}
		if item.UpdatedParsed != nil {
			parsedItem.Updated = *item.UpdatedParsed
		}
		items = append(items, parsedItem)
	}
	return items, nil
}

// fetchError is a failed fetch worth trying again: a network error or a 5xx
type fetchError struct {
	status int
	err    error
}

func (e *fetchError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("response code %d", e.status)
}

func (e *fetchError) Unwrap() error {
	return e.err
}

// fetch gets the feed, retrying transient failures. The caller closes the body.
func (c *FeedWatcher) fetch(ctx context.Context) (*http.Response, error) {
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 1
	}
	var resp *http.Response
	var last error
	err := retry.Do(
		func() error {
			r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			r.Header.Set("Accept", feedAccept)
			if c.etag != "" {
				r.Header.Set("If-None-Match", c.etag)
			}
			if c.lastModified != "" {
				r.Header.Set("If-Modified-Since", c.lastModified)
			}
			res, err := c.Client.Do(r)
			if err != nil {
				last = &fetchError{err: err}
				return last
			}
			if res.StatusCode >= http.StatusInternalServerError {
				res.Body.Close()
				last = &fetchError{status: res.StatusCode}
				return last
			}
			resp = res
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(c.RetryDelay),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			telemetry.Trace("retrying feed %s after attempt %d: %v", c.URL, n+1, err)
		}),
	)
	if err != nil {
		var fe *fetchError
		if errors.As(last, &fe) && fe.status != 0 {
			c.Handler.StatusCode(fe.status)
		}
		if last == nil {
			last = err
		}
		return nil, fmt.Errorf("fetching feed %s: %w", c.URL, last)
	}
	return resp, nil
}

// Check remote RSS feed for changes
func (c *FeedWatcher) Check(ctx context.Context) error {
	resp, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.Handler.StatusCode(resp.StatusCode)
	if resp.StatusCode == http.StatusNotModified {
		// Feed not modified, nothing to do
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("response code %d", resp.StatusCode)
	}

	newItems, updatedItems, err := c.parseItems(resp.Body)
	if err != nil {
		return err
	}

	for _, item := range newItems {
		c.Handler.NewItem(item)
	}
	for _, item := range updatedItems {
		c.Handler.UpdatedItem(item)
	}

	c.etag = resp.Header.Get("ETag")
	c.lastModified = resp.Header.Get("Last-Modified")
	return nil
}

// AddKnown marks an item as already seen, e.g. when loaded from storage
func (c *FeedWatcher) AddKnown(item Item) {
	c.known[item.ID] = item.Updated
}

func (c *FeedWatcher) parseItems(body io.Reader) (newItems []Item, updatedItems []Item, err error) {
	allItems, err := c.itemParser.Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing feed %s: %w", c.URL, err)
	}

	newItems = make([]Item, 0)
	updatedItems = make([]Item, 0)
	for _, item := range allItems {
		known, ok := c.known[item.ID]
		if !ok {
			newItems = append(newItems, item)
		} else if !item.Updated.IsZero() && item.Updated.After(known) {
			updatedItems = append(updatedItems, item)
		} else {
			continue
		}
		c.known[item.ID] = item.Updated
	}

	// sort from oldest to newest
	sort.Slice(newItems, func(i int, j int) bool {
		return newItems[i].Published.Before(newItems[j].Published)
	})
	sort.Slice(updatedItems, func(i int, j int) bool {
		return updatedItems[i].Updated.Before(updatedItems[j].Updated)
	})

	return newItems, updatedItems, nil
}

// Watch checks the feed every period until ctx is done
func (c *FeedWatcher) Watch(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	if err := c.Check(ctx); err != nil {
		telemetry.Error(err, "checking feed %s", c.URL)
	}
	for {
		select {
		case <-ctx.Done():
			telemetry.Log("stopped watching %s: %v", c.URL, ctx.Err())
			return
		case <-ticker.C:
			if err := c.Check(ctx); err != nil {
				telemetry.Error(err, "checking feed %s", c.URL)
			}
		}
	}
}

func NewFeedWatcher(url string, handler ItemHandler) *FeedWatcher {
	return &FeedWatcher{
		URL:     url,
		Client:     http.Client{Timeout: 30 * time.Second},
		Handler:    handler,
		Attempts:   3,
		RetryDelay: 5 * time.Second,
		itemParser: gofeedParser{
			parser: gofeed.NewParser(),
		},
		known: make(map[string]time.Time),
	}
}
