package storage

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// Follower is a remote actor following a local user
type Follower struct {
	ID          uint   `gorm:"primaryKey"`
	Owner       string `gorm:"uniqueIndex:idx_owner_actor"` // local username
	ActorID     string `gorm:"uniqueIndex:idx_owner_actor;index"`
	Inbox       string
	SharedInbox string
	RequestID   string // id of the Follow activity
	Status      string // pending, accepted
	CreatedAt   time.Time
}

const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
)

// Accepted reports whether the follow was answered with an Accept.
func (f Follower) Accepted() bool {
	return f.Status == FollowAccepted
}

// DeliveryInbox prefers the shared inbox when the follower's server has one.
func (f Follower) DeliveryInbox() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}

type Followers interface {
	GetFollowers(ctx context.Context, owner string) ([]Follower, error)
	FindFollower(ctx context.Context, owner, actorID string) (*Follower, error)
	FindFollowersByActor(ctx context.Context, actorID string) ([]Follower, error)
	SaveFollower(ctx context.Context, f *Follower) error
	DeleteFollower(ctx context.Context, owner, actorID string) error
}

// GetFollowers lists a user's followers ordered by actor id.
func (s *sqliteDatabase) GetFollowers(ctx context.Context, owner string) ([]Follower, error) {
	var followers []Follower
	tx := s.db.WithContext(ctx).Where(&Follower{Owner: owner}).Order("actor_id").Find(&followers)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return followers, nil
}

func (s *sqliteDatabase) FindFollower(ctx context.Context, owner, actorID string) (*Follower, error) {
	var follower Follower
	tx := s.db.WithContext(ctx).Where(&Follower{Owner: owner, ActorID: actorID}).First(&follower)
	if notFound(tx.Error) {
		return nil, nil
	} else if tx.Error != nil {
		return nil, tx.Error
	}
	return &follower, nil
}

func (s *sqliteDatabase) FindFollowersByActor(ctx context.Context, actorID string) ([]Follower, error) {
	var followers []Follower
	tx := s.db.WithContext(ctx).Where(&Follower{ActorID: actorID}).Order("owner").Find(&followers)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return followers, nil
}

// SaveFollower inserts a follower or replaces the existing row for the same owner and actor.
func (s *sqliteDatabase) SaveFollower(ctx context.Context, f *Follower) error {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"inbox", "shared_inbox", "request_id", "status"}),
	}).Create(f)
	return tx.Error
}

func (s *sqliteDatabase) DeleteFollower(ctx context.Context, owner, actorID string) error {
	tx := s.db.WithContext(ctx).Where("owner = ? AND actor_id = ?", owner, actorID).Delete(&Follower{})
	return tx.Error
}
