package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/tkrehbiel/activitypress/server/page"
	"github.com/tkrehbiel/activitypress/server/signature"
	"github.com/tkrehbiel/activitypress/server/storage"
)

type keyFiles struct {
	public  string
	private string
}

// Keyring hands out the signing keys of local users and the application actor.
// Keys come from PEM files named in the config or, failing that, from storage.
type Keyring struct {
	keys  storage.Keys
	meta  page.MetaData
	files map[string]keyFiles

	lock    sync.Mutex
	signers map[string]*signature.Signer
	publics map[string]string
}

func NewKeyring(keys storage.Keys, meta page.MetaData, users []userConfig) *Keyring {
	k := &Keyring{
		keys:    keys,
		meta:    meta,
		files:   make(map[string]keyFiles),
		signers: make(map[string]*signature.Signer),
		publics: make(map[string]string),
	}
	for _, u := range users {
		if u.PubKeyFile != "" && u.PrivKeyFile != "" {
			k.files[u.Name] = keyFiles{public: u.PubKeyFile, private: u.PrivKeyFile}
		}
	}
	return k
}

func (k *Keyring) keyID(owner string) string {
	if owner == page.ApplicationName {
		return k.meta.ApplicationURL() + "#main-key"
	}
	return k.meta.ActorURL(owner) + "#main-key"
}

func (k *Keyring) load(ctx context.Context, owner string) (publicPEM string, privatePEM string, err error) {
	if f, ok := k.files[owner]; ok {
		pub, err := os.ReadFile(f.public)
		if err != nil {
			return "", "", fmt.Errorf("reading public key for %s: %w", owner, err)
		}
		priv, err := os.ReadFile(f.private)
		if err != nil {
			return "", "", fmt.Errorf("reading private key for %s: %w", owner, err)
		}
		return string(pub), string(priv), nil
	}
	pair, err := k.keys.KeyPair(ctx, owner)
	if err != nil {
		return "", "", fmt.Errorf("loading key pair for %s: %w", owner, err)
	}
	return pair.PublicPEM, pair.PrivatePEM, nil
}

// Signer returns the signer for a local user, or for the application actor.
func (k *Keyring) Signer(ctx context.Context, owner string) (*signature.Signer, error) {
	k.lock.Lock()
	defer k.lock.Unlock()
	if s, ok := k.signers[owner]; ok {
		return s, nil
	}
	pub, priv, err := k.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	s, err := signature.NewSigner(k.keyID(owner), priv)
	if err != nil {
		return nil, fmt.Errorf("key for %s: %w", owner, err)
	}
	k.signers[owner] = s
	k.publics[owner] = pub
	return s, nil
}

// PublicPEM returns the public key published in an actor document.
func (k *Keyring) PublicPEM(ctx context.Context, owner string) (string, error) {
	if _, err := k.Signer(ctx, owner); err != nil {
		return "", err
	}
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.publics[owner], nil
}

// Application returns the application actor's signer.
func (k *Keyring) Application(ctx context.Context) (*signature.Signer, error) {
	return k.Signer(ctx, page.ApplicationName)
}

// applicationSigner signs fetches made on behalf of the server
type applicationSigner struct {
	keys *Keyring
}

func (a applicationSigner) Sign(r *http.Request) error {
	s, err := a.keys.Application(r.Context())
	if err != nil {
		return err
	}
	return s.Sign(r)
}
