// Package fieldcrypt encrypts designated sensitive fields with AES-GCM.
//
// Blobs look like "fc1.<kid>.<base64url(nonce||ciphertext)>". The field name
// and key id are bound as additional data, so a blob copied into another
// field, or relabelled with another key id, fails to decrypt.
package fieldcrypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"mawney.org/sentinel/internal/secerr"
)

const (
	blobPrefix = "fc1."
	indexInfo  = "sentinel blind index v1"
)

// Codec is safe for concurrent use.
type Codec struct {
	ring     *Keyring
	indexKey []byte
	rand     io.Reader
}

// NewCodec builds a codec. indexSecret seeds the blind index key and must not
// rotate with the keyring.
func NewCodec(ring *Keyring, indexSecret []byte) (*Codec, error) {
	if ring == nil {
		return nil, fmt.Errorf("%w: keyring is required", secerr.ErrInvalidInput)
	}
	if len(indexSecret) < 16 {
		return nil, fmt.Errorf("%w: blind index secret must be at least 16 bytes", secerr.ErrInvalidInput)
	}
	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, indexSecret, nil, []byte(indexInfo)), derived); err != nil {
		return nil, err
	}
	return &Codec{ring: ring, indexKey: derived, rand: rand.Reader}, nil
}

// Keyring exposes the codec's keys for rotation.
func (c *Codec) Keyring() *Keyring { return c.ring }

// Encrypt seals plaintext for field under the primary key.
func (c *Codec) Encrypt(field Field, plaintext string) (string, error) {
	if !Allowed(field) {
		return "", fmt.Errorf("%w: %s", secerr.ErrUnknownField, field)
	}
	if IsBlob(plaintext) {
		return "", fmt.Errorf("%w: %s is already encrypted", secerr.ErrInvalidInput, field)
	}
	kid, aead := c.ring.primaryAEAD()
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), additionalData(field, kid))
	return blobPrefix + kid + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens blob for field. Any tampering, key mismatch or malformed input
// yields ErrDecryption and no plaintext.
func (c *Codec) Decrypt(field Field, blob string) (string, error) {
	if !Allowed(field) {
		return "", fmt.Errorf("%w: %s", secerr.ErrUnknownField, field)
	}
	kid, payload, err := parseBlob(blob)
	if err != nil {
		return "", err
	}
	aead, ok := c.ring.lookup(kid)
	if !ok {
		return "", fmt.Errorf("%w: unknown key", secerr.ErrDecryption)
	}
	ns := aead.NonceSize()
	if len(payload) < ns+aead.Overhead() {
		return "", fmt.Errorf("%w: blob too short", secerr.ErrDecryption)
	}
	plain, err := aead.Open(nil, payload[:ns], payload[ns:], additionalData(field, kid))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", secerr.ErrDecryption)
	}
	return string(plain), nil
}

// NeedsRotation reports whether blob was sealed by a key other than the primary.
func (c *Codec) NeedsRotation(blob string) bool {
	kid, _, err := parseBlob(blob)
	if err != nil {
		return false
	}
	return kid != c.ring.PrimaryID()
}

// Reencrypt moves blob to the primary key. It returns the input and false when
// no rotation is needed.
func (c *Codec) Reencrypt(field Field, blob string) (string, bool, error) {
	if !c.NeedsRotation(blob) {
		return blob, false, nil
	}
	plain, err := c.Decrypt(field, blob)
	if err != nil {
		return "", false, err
	}
	out, err := c.Encrypt(field, plain)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// EncryptMap seals the collection's designated fields present in values and
// leaves everything else untouched.
func (c *Codec) EncryptMap(collection string, values map[string]string) (map[string]string, error) {
	return c.transform(collection, values, c.Encrypt)
}

// DecryptMap is the inverse of EncryptMap. It fails as a whole on the first
// field that does not decrypt.
func (c *Codec) DecryptMap(collection string, values map[string]string) (map[string]string, error) {
	return c.transform(collection, values, c.Decrypt)
}

func (c *Codec) transform(collection string, values map[string]string, fn func(Field, string) (string, error)) (map[string]string, error) {
	designated := Collection(collection)
	if len(designated) == 0 {
		return nil, fmt.Errorf("%w: collection %s", secerr.ErrUnknownField, collection)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		f, ok := designated[k]
		if !ok || v == "" {
			out[k] = v
			continue
		}
		res, err := fn(f, v)
		if err != nil {
			return nil, err
		}
		out[k] = res
	}
	return out, nil
}

// BlindIndex yields a deterministic keyed digest for equality lookups on an
// encrypted value. Callers normalise value first.
func (c *Codec) BlindIndex(value string) string {
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsBlob reports whether s has the codec's blob shape.
func IsBlob(s string) bool {
	_, _, err := parseBlob(s)
	return err == nil
}

func parseBlob(blob string) (string, []byte, error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return "", nil, fmt.Errorf("%w: not a field blob", secerr.ErrDecryption)
	}
	kid, encoded, ok := strings.Cut(strings.TrimPrefix(blob, blobPrefix), ".")
	if !ok || !keyIDPattern.MatchString(kid) {
		return "", nil, fmt.Errorf("%w: malformed blob", secerr.ErrDecryption)
	}
	// Strict rejects non-zero trailing bits; line breaks are refused here because
	// every decoder skips them. Either would let two strings open to one value.
	if strings.ContainsAny(encoded, "\r\n") {
		return "", nil, fmt.Errorf("%w: malformed blob", secerr.ErrDecryption)
	}
	payload, err := base64.RawURLEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: malformed blob", secerr.ErrDecryption)
	}
	return kid, payload, nil
}

func additionalData(field Field, kid string) []byte {
	return []byte("fc1|" + string(field) + "|" + kid)
}
