package storage

import (
	"context"
	"time"
)

// Comment is a local comment that was federated, kept so remote replies to it
// can be threaded back to its author
type Comment struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index"` // local username of the author
	PostID    string
	InReplyTo string
	Published time.Time
}

type Comments interface {
	FindComment(ctx context.Context, id string) (*Comment, error)
	SaveComment(ctx context.Context, c *Comment) error
	DeleteComment(ctx context.Context, id string) error
}

func (s *sqliteDatabase) FindComment(ctx context.Context, id string) (*Comment, error) {
	var comment Comment
	tx := s.db.WithContext(ctx).Where(&Comment{ID: id}).First(&comment)
	if notFound(tx.Error) {
		return nil, nil
	} else if tx.Error != nil {
		return nil, tx.Error
	}
	return &comment, nil
}

func (s *sqliteDatabase) SaveComment(ctx context.Context, c *Comment) error {
	tx := s.db.WithContext(ctx).Save(c)
	return tx.Error
}

func (s *sqliteDatabase) DeleteComment(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Comment{})
	return tx.Error
}
