package keylocal

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sammck-go/logger"
)

// Store is a fingerprint-indexed set of key material shared by a process.
// It is populated exactly once, before traffic starts; a second Init is an
// error rather than a replace, so a misconfigured double-load surfaces
// loudly instead of silently swapping keys mid-run.
type Store struct {
	logger.Logger
	lock    sync.Mutex
	inited  bool
	entries map[string]*KeyMaterial
}

// NewStore creates an empty, uninitialized Store.
func NewStore(lg logger.Logger) *Store {
	return &Store{
		Logger:  lg.ForkLogStr("key-store"),
		entries: make(map[string]*KeyMaterial),
	}
}

// Init populates the store, computing each entry's public key digest. It may
// be called once; a second call fails regardless of contents.
func (s *Store) Init(kms []*KeyMaterial) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.inited {
		return fmt.Errorf("keylocal: key store already initialized")
	}
	for _, km := range kms {
		digest, err := PublicKeyDigest(km.PublicKey)
		if err != nil {
			return err
		}
		key := string(digest)
		if _, ok := s.entries[key]; ok {
			return fmt.Errorf("keylocal: duplicate key digest %s", hex.EncodeToString(digest))
		}
		s.entries[key] = km
		s.DLogf("key store: added %s (%s)", hex.EncodeToString(digest), km.Cert.Subject)
	}
	s.inited = true
	s.ILogf("key store initialized with %d key(s)", len(s.entries))
	return nil
}

// Get looks up key material by public key digest.
func (s *Store) Get(digest []byte) (*KeyMaterial, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	km, ok := s.entries[string(digest)]
	return km, ok
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.entries)
}
