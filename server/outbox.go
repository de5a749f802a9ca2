package server

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/remote"
	"github.com/tkrehbiel/activitypress/server/rss"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

const outboxSize = 10

// PostDispatcher federates local post events.
type PostDispatcher interface {
	PublishPost(ctx context.Context, post activity.PostSnapshot) error
	UpdatePost(ctx context.Context, post activity.PostSnapshot) error
}

// ActivityOutbox turns a user's blog feed into posts, and serves the user's outbox.
type ActivityOutbox struct {
	id       string
	username string
	meta     page.UserMetaData
	rssURL   string
	notes    storage.Notes
	posts    PostDispatcher
	interval time.Duration

	ctx      context.Context
	announce bool // false while the first fetch of an empty store backfills silently
}

func (ao *ActivityOutbox) context() context.Context {
	if ao.ctx == nil {
		return context.Background()
	}
	return ao.ctx
}

// snapshot describes a stored note as a post by the outbox owner.
// Actors mentioned in the feed item are carried into the published content.
func (ao *ActivityOutbox) snapshot(n storage.Note) activity.PostSnapshot {
	mentions := remote.ExtractMentions(n.Content)
	return activity.PostSnapshot{
		ID:           n.ID,
		Type:         activity.NoteType,
		URL:          n.URL,
		Author:       ao.username,
		AuthorURI:    ao.meta.UserID,
		FollowersURI: ao.meta.FollowersURL(),
		Title:        n.Title,
		Content:      noteContent(n, mentions),
		Mentions:     mentions,
		Published:    n.Published,
		Updated:      n.Updated,
	}
}

// noteContent is the title of the post, a link to it, and links to the actors it mentions
func noteContent(n storage.Note, mentions []string) string {
	link := n.URL
	if link == "" {
		link = n.ID
	}
	content := fmt.Sprintf(`<p>%s</p><p><a href="%s">%s</a></p>`,
		html.EscapeString(n.Title), html.EscapeString(link), html.EscapeString(link))
	if len(mentions) == 0 {
		return content
	}
	links := make([]string, 0, len(mentions))
	for _, m := range mentions {
		links = append(links, fmt.Sprintf(`<a class="mention" href="%s">@%s</a>`,
			html.EscapeString(m), html.EscapeString(mentionName(m))))
	}
	return content + "<p>" + strings.Join(links, " ") + "</p>"
}

// mentionName guesses a display name from the last path segment of an actor id.
func mentionName(actorID string) string {
	u, err := url.Parse(actorID)
	if err != nil || u.Path == "" || u.Path == "/" {
		return actorID
	}
	return strings.TrimPrefix(path.Base(u.Path), "@")
}

func itemNote(owner string, item rss.Item) storage.Note {
	return storage.Note{
		ID:        item.ID,
		Owner:     owner,
		Title:     item.Title,
		Content:   item.Content,
		URL:       item.URL,
		Published: item.Published,
		Updated:   item.Updated,
	}
}

func (ao *ActivityOutbox) save(item rss.Item) (storage.Note, bool) {
	note := itemNote(ao.username, item)
	if err := ao.notes.SaveNote(ao.context(), &note); err != nil {
		telemetry.Error(err, "updating database")
		return note, false
	}
	return note, true
}

// NewItem is called when a new RSS item is detected by the watcher
func (ao *ActivityOutbox) NewItem(item rss.Item) {
	telemetry.Trace("new item [%s]", item.Title)
	telemetry.Increment("rss_newitems", 1)
	note, ok := ao.save(item)
	if !ok || !ao.announce {
		return
	}
	if err := ao.posts.PublishPost(ao.context(), ao.snapshot(note)); err != nil {
		telemetry.Error(err, "publishing %s", note.ID)
	}
}

// UpdatedItem is called when a known RSS item has a later update time
func (ao *ActivityOutbox) UpdatedItem(item rss.Item) {
	telemetry.Trace("updated item [%s]", item.Title)
	telemetry.Increment("rss_updateditems", 1)
	note, ok := ao.save(item)
	if !ok || !ao.announce {
		return
	}
	if err := ao.posts.UpdatePost(ao.context(), ao.snapshot(note)); err != nil {
		telemetry.Error(err, "updating %s", note.ID)
	}
}

// StatusCode is called by the RSS watcher to report the latest fetch status code
func (ao *ActivityOutbox) StatusCode(code int) {
	telemetry.Trace("rss feed return code [%d]", code)
	telemetry.Increment("rss_fetches", 1)
}

// WatchRSS watches the user's feed for new and updated posts until ctx is done.
// When nothing is stored yet, the feed's current items are recorded without
// being federated so a new server doesn't flood followers with old posts.
func (ao *ActivityOutbox) WatchRSS(ctx context.Context) {
	ao.ctx = ctx
	watcher := rss.NewFeedWatcher(ao.rssURL, ao)

	// Load previously-stored items
	notes, err := ao.notes.GetLatestNotes(ctx, ao.username, 0)
	if err != nil {
		telemetry.Error(err, "loading notes for %s", ao.username)
	}
	for _, n := range notes {
		watcher.AddKnown(rss.Item{ID: n.ID, Published: n.Published, Updated: n.Updated})
	}

	ao.announce = len(notes) > 0
	if !ao.announce {
		telemetry.Log("backfilling %s", ao.rssURL)
		if err := watcher.Check(ctx); err != nil {
			telemetry.Error(err, "checking feed %s", ao.rssURL)
		}
		ao.announce = true
	}

	interval := ao.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	telemetry.Log("watching %s", ao.rssURL)
	watcher.Watch(ctx, interval)
}

// ServeHTTP serves the latest posts as Create activities
func (ao *ActivityOutbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "ActivityOutbox.ServeHTTP %s", ao.username)
	telemetry.Increment("get_requests", 1)

	notes, err := ao.notes.GetLatestNotes(r.Context(), ao.username, outboxSize)
	if err != nil {
		telemetry.Error(err, "selecting from database")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	items := make([]interface{}, 0, len(notes))
	for _, n := range notes {
		act, err := activity.Build(activity.CreateType, ao.snapshot(n))
		if err != nil {
			telemetry.Error(err, "building activity for %s", n.ID)
			continue
		}
		items = append(items, act)
	}

	writeCollection(w, activity.OrderedCollection{
		Context:  activity.Context,
		Type:     activity.OrderedCollectionType,
		ID:       ao.id,
		NumItems: len(items),
		Items:    items,
	})
}

// FollowersCollection publishes how many followers a user has, but not who they are.
type FollowersCollection struct {
	id        string
	username  string
	followers storage.Followers
}

func (fc *FollowersCollection) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.Request(r, "FollowersCollection.ServeHTTP %s", fc.username)
	telemetry.Increment("get_requests", 1)

	followers, err := fc.followers.GetFollowers(r.Context(), fc.username)
	if err != nil {
		telemetry.Error(err, "selecting from database")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	accepted := 0
	for _, f := range followers {
		if f.Accepted() {
			accepted++
		}
	}
	writeCollection(w, activity.OrderedCollection{
		Context:  activity.Context,
		Type:     activity.OrderedCollectionType,
		ID:       fc.id,
		NumItems: accepted,
	})
}
