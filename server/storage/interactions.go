package storage

import (
	"context"
	"time"
)

// Interaction is a remote reply to local content
type Interaction struct {
	ObjectID  string `gorm:"primaryKey"`
	ActorID   string `gorm:"index"`
	Owner     string // local user whose thread this belongs to
	InReplyTo string
	Content   string
	Source    string // json source
	Published time.Time
}

type Interactions interface {
	FindInteraction(ctx context.Context, objectID string) (*Interaction, error)
	SaveInteraction(ctx context.Context, i *Interaction) error
	DeleteInteraction(ctx context.Context, objectID string) error
	DeleteInteractionsByActor(ctx context.Context, actorID string) (int64, error)
}

func (s *sqliteDatabase) FindInteraction(ctx context.Context, objectID string) (*Interaction, error) {
	var interaction Interaction
	tx := s.db.WithContext(ctx).Where(&Interaction{ObjectID: objectID}).First(&interaction)
	if notFound(tx.Error) {
		return nil, nil
	} else if tx.Error != nil {
		return nil, tx.Error
	}
	return &interaction, nil
}

func (s *sqliteDatabase) SaveInteraction(ctx context.Context, i *Interaction) error {
	tx := s.db.WithContext(ctx).Save(i)
	return tx.Error
}

func (s *sqliteDatabase) DeleteInteraction(ctx context.Context, objectID string) error {
	tx := s.db.WithContext(ctx).Where("object_id = ?", objectID).Delete(&Interaction{})
	return tx.Error
}

// DeleteInteractionsByActor removes everything an actor wrote and reports how many rows went.
func (s *sqliteDatabase) DeleteInteractionsByActor(ctx context.Context, actorID string) (int64, error) {
	tx := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&Interaction{})
	return tx.RowsAffected, tx.Error
}
