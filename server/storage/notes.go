package storage

import (
	"context"
	"time"
)

// Note is a local post seen in a user's feed
type Note struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Owner     string    `json:"-" gorm:"index"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	URL       string    `json:"url"`
	Published time.Time `json:"published"`
	Updated   time.Time `json:"updated"`
	Source    string    `json:"-"` // json source
}

type Notes interface {
	GetLatestNotes(ctx context.Context, owner string, n int) ([]Note, error)
	FindNote(ctx context.Context, id string) (*Note, error)
	SaveNote(ctx context.Context, n *Note) error
}

// GetLatestNotes lists a user's notes, newest first. n <= 0 lists them all.
func (s *sqliteDatabase) GetLatestNotes(ctx context.Context, owner string, n int) (notes []Note, err error) {
	if n <= 0 {
		n = -1 // no limit
	}
	tx := s.db.WithContext(ctx).Where(&Note{Owner: owner}).Order("published desc").Limit(n).Find(&notes)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return notes, nil
}

func (s *sqliteDatabase) FindNote(ctx context.Context, id string) (*Note, error) {
	var note Note
	tx := s.db.WithContext(ctx).Where(&Note{ID: id}).First(&note)
	if notFound(tx.Error) {
		return nil, nil
	} else if tx.Error != nil {
		return nil, tx.Error
	}
	return &note, nil
}

func (s *sqliteDatabase) SaveNote(ctx context.Context, n *Note) error {
	tx := s.db.WithContext(ctx).Save(n)
	return tx.Error
}
