package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"mawney.org/sentinel/internal/secerr"
)

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Key is symmetric key material with a stable identifier.
type Key struct {
	ID       string
	Material []byte
}

// Keyring holds one primary key used for new encryptions and any number of
// retired keys kept only to decrypt legacy blobs.
type Keyring struct {
	mu      sync.RWMutex
	primary string
	aeads   map[string]cipher.AEAD
	order   []string
}

// NewKeyring builds a keyring; keys[0] is primary.
func NewKeyring(keys ...Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: at least one encryption key is required", secerr.ErrInvalidInput)
	}
	kr := &Keyring{aeads: make(map[string]cipher.AEAD, len(keys))}
	for _, k := range keys {
		if err := kr.add(k); err != nil {
			return nil, err
		}
	}
	kr.primary = keys[0].ID
	return kr, nil
}

// ParseKeys decodes "kid:base64key,kid2:base64key". The first entry is primary.
func ParseKeys(list string) ([]Key, error) {
	var keys []Key
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, encoded, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: key entry must be kid:base64", secerr.ErrInvalidInput)
		}
		material, err := DecodeSecret(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", secerr.ErrInvalidInput, id, err)
		}
		keys = append(keys, Key{ID: strings.TrimSpace(id), Material: material})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no encryption keys configured", secerr.ErrInvalidInput)
	}
	return keys, nil
}

// DecodeSecret accepts standard or URL base64, padded or not.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}

func (kr *Keyring) add(k Key) error {
	if !keyIDPattern.MatchString(k.ID) {
		return fmt.Errorf("%w: invalid key id %q", secerr.ErrInvalidInput, k.ID)
	}
	if _, dup := kr.aeads[k.ID]; dup {
		return fmt.Errorf("%w: duplicate key id %q", secerr.ErrInvalidInput, k.ID)
	}
	switch len(k.Material) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: key %q must be 16, 24 or 32 bytes", secerr.ErrInvalidInput, k.ID)
	}
	block, err := aes.NewCipher(k.Material)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	kr.aeads[k.ID] = aead
	kr.order = append(kr.order, k.ID)
	return nil
}

// Rotate installs k as the new primary. The previous primary becomes
// decrypt-only.
func (kr *Keyring) Rotate(k Key) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if err := kr.add(k); err != nil {
		return err
	}
	kr.primary = k.ID
	return nil
}

// PrimaryID returns the id of the encrypting key.
func (kr *Keyring) PrimaryID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.primary
}

// IDs lists every key id in the order keys were added.
func (kr *Keyring) IDs() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return append([]string(nil), kr.order...)
}

func (kr *Keyring) primaryAEAD() (string, cipher.AEAD) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.primary, kr.aeads[kr.primary]
}

func (kr *Keyring) lookup(id string) (cipher.AEAD, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	a, ok := kr.aeads[id]
	return a, ok
}
