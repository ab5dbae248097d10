package core

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrNoSquadKey is returned when the keyring holds no key for a squad.
var ErrNoSquadKey = errors.New("core: no key for squad")

// ErrDecryptFailed is returned when a sealed payload does not open with the
// squad's key.
var ErrDecryptFailed = errors.New("core: decrypt failed")

// Keyring holds the symmetric keys of the squads this device has joined.
// Payloads relayed across squad boundaries are sealed with the target
// squad's key so that forwarding devices cannot read them.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][32]byte
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][32]byte)}
}

// AddSquad derives and stores the key for a squad from its join code.
func (k *Keyring) AddSquad(squadID, joinCode string) error {
	if strings.TrimSpace(squadID) == "" {
		return errors.New("core: squad id must be provided")
	}
	if strings.TrimSpace(joinCode) == "" {
		return errors.New("core: join code must be provided")
	}

	key := DeriveSquadKey(squadID, joinCode)

	k.mu.Lock()
	k.keys[squadID] = key
	k.mu.Unlock()
	return nil
}

// Has reports whether the keyring holds a key for the squad.
func (k *Keyring) Has(squadID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[squadID]
	return ok
}

// Seal encrypts plaintext with the squad's key. The result carries the nonce
// as a prefix and is opaque to anyone without the key.
func (k *Keyring) Seal(squadID string, plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[squadID]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrNoSquadKey
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("core: nonce: %w", err)
	}

	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// Open decrypts a payload sealed with Seal using the squad's key.
func (k *Keyring) Open(squadID string, sealed []byte) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[squadID]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrNoSquadKey
	}

	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// DeriveSquadKey derives the squad's symmetric key from its id and join code.
func DeriveSquadKey(squadID, joinCode string) [32]byte {
	return sha256.Sum256([]byte(squadID + ":" + joinCode))
}
