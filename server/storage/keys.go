package storage

import (
	"context"
	"fmt"

	"github.com/tkrehbiel/activitypress/server/signature"
)

// KeyPair is the RSA key pair a local actor signs with
type KeyPair struct {
	Owner      string `gorm:"primaryKey"`
	PublicPEM  string
	PrivatePEM string
}

type Keys interface {
	KeyPair(ctx context.Context, owner string) (*KeyPair, error)
}

// KeyPair returns the owner's key pair, generating and storing one on first use.
func (s *sqliteDatabase) KeyPair(ctx context.Context, owner string) (*KeyPair, error) {
	var pair KeyPair
	tx := s.db.WithContext(ctx).Where(&KeyPair{Owner: owner}).First(&pair)
	if tx.Error == nil {
		return &pair, nil
	} else if !notFound(tx.Error) {
		return nil, tx.Error
	}

	pub, priv, err := signature.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pair = KeyPair{Owner: owner, PublicPEM: pub, PrivatePEM: priv}
	// another caller may have generated first; keep theirs
	if tx := s.db.WithContext(ctx).Where(&KeyPair{Owner: owner}).FirstOrCreate(&pair); tx.Error != nil {
		return nil, fmt.Errorf("storing key pair for %s: %w", owner, tx.Error)
	}
	return &pair, nil
}
