package rss

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const firstRSS = `
<?xml version="1.0" encoding="utf-8" ?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Endgame Viable</title>
    <link>https://endgameviable.com/</link>
    <item>
      <title>ActivityPub And Me, Part 1 of ?</title>
      <link>https://endgameviable.com/dev/2022/11/activitypub-and-me-part-1/</link>
      <pubDate>Fri, 18 Nov 2022 13:25:34 -0500</pubDate>
      <guid>https://endgameviable.com/dev/2022/11/activitypub-and-me-part-1/</guid>
      <enclosure url="https://media.endgameviable.com/img/2019/08/html-header-image.jpg" length="0" type="image/jpeg" />
      <description>&lt;p&gt;I&amp;rsquo;ve been on a learning rampage on the topic of &lt;a href=&#34;https://en.wikipedia.org/wiki/Fediverse&#34;&gt;the fediverse&lt;/a&gt; lately, and there&amp;rsquo;s plenty of material for writing blog posts.&lt;/p&gt;
&lt;p&gt;With everyone &lt;a href=&#34;https://twitterisgoinggreat.com/#just-setting-up-their-quitters&#34;&gt;freaking out about Twitter again today&lt;/a&gt;, it seems like I good time to publish this draft. However, I&amp;rsquo;m specifically &lt;em&gt;not&lt;/em&gt; going to:&lt;/p&gt;
&lt;p&gt;Anyhoo, those are some of my ActivityPub interests and the obstacles I need to overcome to make it happen.&lt;/p&gt;</description>
    </item>
	<item>
	  <title>PC Gaming Wasteland</title>
	  <link>https://endgameviable.com/gaming/2022/10/pc-gaming-wasteland/</link>
	  <pubDate>Sun, 16 Oct 2022 10:11:36 -0400</pubDate>
	  <guid>https://endgameviable.com/gaming/2022/10/pc-gaming-wasteland/</guid>
	  <description>&lt;p&gt;I guess this is the inevitable effect of the pandemic.&lt;/p&gt;</description>
    </item>
  </channel>
</rss>`

const secondRSS = `<?xml version="1.0" encoding="utf-8" ?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Endgame Viable</title>
    <link>https://endgameviable.com/</link>
    <item>
      <title>Twitter Firestorm, Part 2</title>
      <link>https://endgameviable.com/post/2022/11/twitter-firestorm-part-2/</link>
      <pubDate>Sun, 20 Nov 2022 16:43:30 -0500</pubDate>
      <guid>https://endgameviable.com/post/2022/11/twitter-firestorm-part-2/</guid>
      <description>twitter firestorm body</description>
    </item>
    <item>
      <title>ActivityPub And Me, Part 1 of ?</title>
      <link>https://endgameviable.com/dev/2022/11/activitypub-and-me-part-1/</link>
      <pubDate>Fri, 18 Nov 2022 13:25:34 -0500</pubDate>
      <guid>https://endgameviable.com/dev/2022/11/activitypub-and-me-part-1/</guid>
      <description>&lt;p&gt;&lt;img src=&#34;https://media.endgameviable.com/img/2019/08/html-header-image.jpg&#34; /&gt;&lt;/p&gt;&lt;p&gt;I&amp;rsquo;ve been on a learning rampage on the topic of &lt;a href=&#34;https://en.wikipedia.org/wiki/Fediverse&#34;&gt;the fediverse&lt;/a&gt; lately, and there&amp;rsquo;s plenty of material for writing blog posts.&lt;/p&gt;
&lt;p&gt;With everyone &lt;a href=&#34;https://twitterisgoinggreat.com/#just-setting-up-their-quitters&#34;&gt;freaking out about Twitter again today&lt;/a&gt;, it seems like I good time to publish this draft. However, I&amp;rsquo;m specifically &lt;em&gt;not&lt;/em&gt; going to:&lt;/p&gt;
&lt;p&gt;Anyhoo, those are some of my ActivityPub interests and the obstacles I need to overcome to make it happen.&lt;/p&gt;</description>
    </item>
	<item>
	  <title>PC Gaming Wasteland</title>
	  <link>https://endgameviable.com/gaming/2022/10/pc-gaming-wasteland/</link>
	  <pubDate>Sun, 16 Oct 2022 10:11:36 -0400</pubDate>
	  <guid>https://endgameviable.com/gaming/2022/10/pc-gaming-wasteland/</guid>
	  <description>&lt;p&gt;I guess this is the inevitable effect of the pandemic.&lt;/p&gt;</description>
    </item>
  </channel>
</rss>`

func newTestWatcher(url string, handler ItemHandler) FeedWatcher {
	return FeedWatcher{
		URL:     url,
		Client:  http.Client{},
		Handler: handler,
		itemParser: gofeedParser{
			parser: gofeed.NewParser(),
		},
		known: make(map[string]time.Time),
	}
}

func TestRSSWatcher_ParseItems(t *testing.T) {
	w := newTestWatcher("", nil)
	r := bytes.NewBufferString(firstRSS)
	newItems, updatedItems, err := w.parseItems(r)
	require.NoError(t, err)
	require.Equal(t, 2, len(newItems))
	assert.Empty(t, updatedItems)

	// sorted oldest first
	assert.Equal(t, "PC Gaming Wasteland", newItems[0].Title)
	assert.Equal(t, "https://endgameviable.com/dev/2022/11/activitypub-and-me-part-1/", newItems[1].ID)
	assert.True(t, newItems[1].Updated.IsZero())
}

type mockNewItem struct {
	mock.Mock
}

func (m *mockNewItem) NewItem(item Item) {
	m.Called(item)
}

func (m *mockNewItem) UpdatedItem(item Item) {
	m.Called(item)
}

func (m *mockNewItem) StatusCode(code int) {
	m.Called(code)
}

func TestRSSWatcher_CheckModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Primitive Last-Modified handling
		if r.Header.Get("If-None-Match") == "ABC" && r.Header.Get("If-Modified-Since") == "123" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Add("ETag", "ABC")
		w.Header().Add("Last-Modified", "123")
		fmt.Fprint(w, firstRSS)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", 200).Once()
	mockHandler.On("NewItem", mock.Anything).Times(2) // 2 items in the first rss feed
	mockHandler.On("StatusCode", 304).Once()

	w := newTestWatcher(srv.URL, mockHandler)

	assert.NoError(t, w.Check(context.Background()))

	// Second time should get unmodified
	assert.NoError(t, w.Check(context.Background()))

	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_CheckNewItem(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, firstRSS)
	}))
	defer srv1.Close()

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, secondRSS)
	}))
	defer srv2.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", 200).Twice()
	mockHandler.On("NewItem", mock.Anything).Times(3) // 2 items in the first feed, 1 new in the second

	w := newTestWatcher(srv1.URL, mockHandler)

	assert.NoError(t, w.Check(context.Background()))

	w.URL = srv2.URL

	// Second time should get only 1 new item
	assert.NoError(t, w.Check(context.Background()))

	mockHandler.AssertExpectations(t)
	mockHandler.AssertNotCalled(t, "UpdatedItem", mock.Anything)
}

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example</title>
  <id>https://blog.example/</id>
  <updated>%s</updated>
  <entry>
    <title>First</title>
    <id>https://blog.example/first/</id>
    <link href="https://blog.example/first/"/>
    <published>2022-11-20T10:00:00Z</published>
    <updated>%s</updated>
    <content type="html">first body</content>
    <category term="golang"/>
  </entry>
</feed>`

func TestRSSWatcher_UpdatedItem(t *testing.T) {
	updated := "2022-11-20T10:00:00Z"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, atomFeed, updated, updated)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", 200).Times(3)
	mockHandler.On("NewItem", mock.MatchedBy(func(item Item) bool {
		return item.ID == "https://blog.example/first/" && item.Content == "first body" && item.Hashtags[0] == "golang"
	})).Once()
	mockHandler.On("UpdatedItem", mock.MatchedBy(func(item Item) bool {
		return item.Updated.Equal(time.Date(2022, 11, 21, 8, 0, 0, 0, time.UTC))
	})).Once()

	w := newTestWatcher(srv.URL, mockHandler)
	require.NoError(t, w.Check(context.Background()))

	// unchanged feed, nothing to report
	require.NoError(t, w.Check(context.Background()))

	updated = "2022-11-21T08:00:00Z"
	require.NoError(t, w.Check(context.Background()))

	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_AddKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, firstRSS)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", 200).Once()
	mockHandler.On("NewItem", mock.Anything).Once()

	w := newTestWatcher(srv.URL, mockHandler)
	w.AddKnown(Item{ID: "https://endgameviable.com/gaming/2022/10/pc-gaming-wasteland/"})
	require.NoError(t, w.Check(context.Background()))
	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", http.StatusBadGateway).Once()
	w := newTestWatcher(srv.URL, mockHandler)
	assert.Error(t, w.Check(context.Background()))
	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, firstRSS)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", 200).Once()
	mockHandler.On("NewItem", mock.Anything).Times(2)

	w := newTestWatcher(srv.URL, mockHandler)
	w.Attempts = 3
	w.RetryDelay = time.Millisecond
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", http.StatusNotFound).Once()

	w := newTestWatcher(srv.URL, mockHandler)
	w.Attempts = 3
	w.RetryDelay = time.Millisecond
	assert.Error(t, w.Check(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	mockHandler.AssertExpectations(t)
}

func TestRSSWatcher_ServerErrorsExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mockHandler := &mockNewItem{}
	mockHandler.On("StatusCode", http.StatusBadGateway).Once()

	w := newTestWatcher(srv.URL, mockHandler)
	w.Attempts = 2
	w.RetryDelay = time.Millisecond
	err := w.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response code 502")
	assert.Equal(t, int32(2), calls.Load())
	mockHandler.AssertExpectations(t)
}

func TestFeedWatcher_JSONFeed(t *testing.T) {
	// Test JSON parsing doesn't crash
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/feed+json")
		fmt.Fprint(w, `{"version":"https://jsonfeed.org/version/1.1","title":"Example","items":[{"id":"1","url":"https://blog.example/1/","content_html":"<p>hi</p>","date_published":"2022-11-20T10:00:00Z"}]}`)
	}))
	defer srv.Close()

	w := newTestWatcher(srv.URL, nil)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	items, _, err := w.parseItems(resp.Body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://blog.example/1/", items[0].URL)
	assert.Equal(t, "1", items[0].ID)
}
