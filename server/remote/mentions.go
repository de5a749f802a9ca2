package remote

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tkrehbiel/activitypress/server/delivery"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// ExtractMentions returns the hrefs of mention links in an HTML fragment, in document order.
// Mastodon marks them with class "mention", others with rel="mention".
func ExtractMentions(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var mentions []string
	doc.Find("a.mention, a[rel~=mention]").Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || seen[href] {
			return
		}
		// hashtags are also class "mention" in Mastodon markup
		if s.HasClass("hashtag") {
			return
		}
		seen[href] = true
		mentions = append(mentions, href)
	})
	return mentions
}

// MentionedInboxes resolves each mentioned actor to a delivery target addressed to that actor.
// Actors that can't be resolved are logged and skipped.
func (r *Resolver) MentionedInboxes(ctx context.Context, mentions []string) []delivery.Target {
	targets := make([]delivery.Target, 0, len(mentions))
	for _, m := range mentions {
		actor, err := r.LookupActor(ctx, m)
		if err != nil {
			telemetry.Error(err, "resolving mention %s", m)
			continue
		}
		if actor.DeliveryInbox() == "" {
			telemetry.Log("mentioned actor %s has no inbox", m)
			continue
		}
		targets = append(targets, delivery.Target{
			Inbox:     actor.DeliveryInbox(),
			Addressee: actor.ID,
		})
	}
	return targets
}
