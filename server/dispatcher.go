package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tkrehbiel/activitypress/server/activity"
	"github.com/tkrehbiel/activitypress/server/delivery"
	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/remote"
	"github.com/tkrehbiel/activitypress/server/storage"
	"github.com/tkrehbiel/activitypress/server/tasks"
	"github.com/tkrehbiel/activitypress/server/telemetry"
)

// Task names
const (
	PostTask           = "send_post_activity"
	CommentTask        = "send_comment_activity"
	FollowResponseTask = "send_follow_response"
	ForwardTask        = "inbox_forward_activity"
)

type postMessage struct {
	Verb string                `json:"verb"`
	Post activity.PostSnapshot `json:"post"`
}

type commentMessage struct {
	Verb    string                   `json:"verb"`
	Comment activity.CommentSnapshot `json:"comment"`
}

// MentionResolver finds the inboxes of mentioned actors.
type MentionResolver interface {
	MentionedInboxes(ctx context.Context, mentions []string) []delivery.Target
}

// followerDirectory lists accepted followers as delivery targets
type followerDirectory struct {
	followers storage.Followers
}

func (d followerDirectory) FollowerTargets(ctx context.Context, owner string) ([]delivery.Target, error) {
	followers, err := d.followers.GetFollowers(ctx, owner)
	if err != nil {
		return nil, err
	}
	targets := make([]delivery.Target, 0, len(followers))
	for _, f := range followers {
		if !f.Accepted() {
			continue
		}
		targets = append(targets, delivery.Target{
			Inbox:     f.DeliveryInbox(),
			Addressee: f.ActorID,
		})
	}
	return targets, nil
}

// contentStore records what was federated so replies can be threaded
type contentStore interface {
	storage.Notes
	storage.Comments
}

// Dispatcher turns local content events into activities delivered to followers
// and mentioned actors. Events are queued with a snapshot of the content, and
// built and delivered by the task worker.
type Dispatcher struct {
	queue     tasks.Scheduler
	store     contentStore
	followers delivery.FollowerTargets
	mentions  MentionResolver
	fanout    *delivery.Fanout
	meta      page.MetaData
	now       func() time.Time
}

func NewDispatcher(queue tasks.Scheduler, store contentStore, followers delivery.FollowerTargets, mentions MentionResolver, fanout *delivery.Fanout, meta page.MetaData) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		store:     store,
		followers: followers,
		mentions:  mentions,
		fanout:    fanout,
		meta:      meta,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) authorURIs(author string, authorURI, followersURI *string) {
	if *authorURI == "" && author != "" {
		*authorURI = d.meta.ActorURL(author)
	}
	if *followersURI == "" && *authorURI != "" {
		*followersURI = *authorURI + "/followers"
	}
}

func (d *Dispatcher) enqueuePost(ctx context.Context, verb string, post activity.PostSnapshot) error {
	if post.Author == "" {
		return fmt.Errorf("post %s has no local author", post.ID)
	}
	d.authorURIs(post.Author, &post.AuthorURI, &post.FollowersURI)
	if verb != activity.DeleteType {
		if err := d.recordPost(ctx, post); err != nil {
			return fmt.Errorf("recording post %s: %w", post.ID, err)
		}
	}
	if err := d.queue.Enqueue(ctx, PostTask, postMessage{Verb: verb, Post: post}); err != nil {
		return fmt.Errorf("queuing %s of %s: %w", verb, post.ID, err)
	}
	return nil
}

func (d *Dispatcher) PublishPost(ctx context.Context, post activity.PostSnapshot) error {
	return d.enqueuePost(ctx, activity.CreateType, post)
}

func (d *Dispatcher) UpdatePost(ctx context.Context, post activity.PostSnapshot) error {
	return d.enqueuePost(ctx, activity.UpdateType, post)
}

// DeletePost federates the deletion of a post. The post's id is replaced by
// permalink when given, since a deleted post's own id may no longer be its public one.
func (d *Dispatcher) DeletePost(ctx context.Context, post activity.PostSnapshot, permalink string) error {
	if permalink != "" {
		post.ID = permalink
	}
	post.Deleted = d.now()
	return d.enqueuePost(ctx, activity.DeleteType, post)
}

func (d *Dispatcher) enqueueComment(ctx context.Context, verb string, comment activity.CommentSnapshot) error {
	if comment.Author == "" {
		// received or anonymous comments belong to nobody here
		telemetry.Trace("not federating %s of comment %s without a local author", verb, comment.ID)
		return nil
	}
	d.authorURIs(comment.Author, &comment.AuthorURI, &comment.FollowersURI)
	if err := d.recordComment(ctx, verb, comment); err != nil {
		return fmt.Errorf("recording comment %s: %w", comment.ID, err)
	}
	if err := d.queue.Enqueue(ctx, CommentTask, commentMessage{Verb: verb, Comment: comment}); err != nil {
		return fmt.Errorf("queuing %s of %s: %w", verb, comment.ID, err)
	}
	return nil
}

// recordPost keeps a note for a post published outside the feed watcher.
// Notes the watcher already saved are left alone.
func (d *Dispatcher) recordPost(ctx context.Context, post activity.PostSnapshot) error {
	note, err := d.store.FindNote(ctx, post.ID)
	if err != nil || note != nil {
		return err
	}
	return d.store.SaveNote(ctx, &storage.Note{
		ID:        post.ID,
		Owner:     post.Author,
		Title:     post.Title,
		Content:   post.Content,
		URL:       post.URL,
		Published: post.Published,
		Updated:   post.Updated,
	})
}

func (d *Dispatcher) recordComment(ctx context.Context, verb string, comment activity.CommentSnapshot) error {
	if verb == activity.DeleteType {
		return d.store.DeleteComment(ctx, comment.ID)
	}
	inReplyTo := comment.InReplyTo
	if inReplyTo == "" {
		inReplyTo = comment.PostID
	}
	return d.store.SaveComment(ctx, &storage.Comment{
		ID:        comment.ID,
		Owner:     comment.Author,
		PostID:    comment.PostID,
		InReplyTo: inReplyTo,
		Published: comment.Published,
	})
}

func (d *Dispatcher) PublishComment(ctx context.Context, comment activity.CommentSnapshot) error {
	return d.enqueueComment(ctx, activity.CreateType, comment)
}

func (d *Dispatcher) UpdateComment(ctx context.Context, comment activity.CommentSnapshot) error {
	return d.enqueueComment(ctx, activity.UpdateType, comment)
}

func (d *Dispatcher) DeleteComment(ctx context.Context, comment activity.CommentSnapshot) error {
	comment.Deleted = d.now()
	return d.enqueueComment(ctx, activity.DeleteType, comment)
}

// HandlePost is the PostTask handler.
func (d *Dispatcher) HandlePost(ctx context.Context, payload json.RawMessage) error {
	var msg postMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", PostTask, err)
	}
	act, err := activity.Build(msg.Verb, msg.Post)
	if err != nil {
		return err
	}
	mentions := append(msg.Post.Mentions, remote.ExtractMentions(msg.Post.Content)...)
	_, err = d.deliver(ctx, msg.Post.Author, act, mentions)
	return err
}

// HandleComment is the CommentTask handler.
func (d *Dispatcher) HandleComment(ctx context.Context, payload json.RawMessage) error {
	var msg commentMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", CommentTask, err)
	}
	act, err := activity.Build(msg.Verb, msg.Comment)
	if err != nil {
		return err
	}
	mentions := append(msg.Comment.Mentions, remote.ExtractMentions(msg.Comment.Content)...)
	_, err = d.deliver(ctx, msg.Comment.Author, act, mentions)
	return err
}

// deliver sends act to mentioned actors first, addressed "to" them, then to
// followers addressed "cc", skipping inboxes the first pass reached.
func (d *Dispatcher) deliver(ctx context.Context, owner string, act activity.Activity, mentions []string) (delivery.Report, error) {
	opts := delivery.Options{Strength: delivery.Normal, Signer: owner}

	var mentioned []delivery.Target
	if len(mentions) > 0 {
		mentioned = d.mentions.MentionedInboxes(ctx, mentions)
	}
	first := d.fanout.Deliver(ctx, act, mentioned, activity.To, opts)

	followers, err := d.followers.FollowerTargets(ctx, owner)
	if err != nil {
		return first, fmt.Errorf("listing followers of %s: %w", owner, err)
	}
	opts.Exclude = first.Excluded(nil)
	second := d.fanout.Deliver(ctx, act, followers, activity.Cc, opts)

	report := delivery.Report{
		Delivered: append(first.Delivered, second.Delivered...),
		Failed:    first.Failed,
	}
	for inbox, err := range second.Failed {
		report.Failed[inbox] = err
	}
	telemetry.Log("%s %s delivered to %d inboxes, %d failed (%d permanently)", act.Type, act.ObjectID(), len(report.Delivered), len(report.Failed), countPermanent(report.Failed))
	return report, nil
}
