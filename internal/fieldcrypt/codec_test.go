package fieldcrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mawney.org/sentinel/internal/secerr"
)

func testKey(id string, b byte) Key {
	return Key{ID: id, Material: bytes.Repeat([]byte{b}, 32)}
}

func newTestCodec(t *testing.T, keys ...Key) *Codec {
	t.Helper()
	if len(keys) == 0 {
		keys = []Key{testKey("k1", 1)}
	}
	ring, err := NewKeyring(keys...)
	require.NoError(t, err)
	c, err := NewCodec(ring, bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return c
}

func TestRoundTripAllowlisted(t *testing.T) {
	c := newTestCodec(t)
	for f := range allowlist {
		for _, v := range []string{"", "120000", "Ünïcødé transcript 🚀", strings.Repeat("x", 4096)} {
			blob, err := c.Encrypt(f, v)
			require.NoError(t, err)
			got, err := c.Decrypt(f, blob)
			require.NoError(t, err)
			require.Equal(t, v, got)
		}
	}
}

func TestEncryptRefusesUnknownField(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Encrypt(Field("compensation.title"), "x")
	require.ErrorIs(t, err, secerr.ErrUnknownField)
	_, err = c.Decrypt(Field("users.password"), "fc1.k1.AAAA")
	require.ErrorIs(t, err, secerr.ErrUnknownField)
}

func TestEncryptRefusesDoubleEncryption(t *testing.T) {
	c := newTestCodec(t)
	blob, err := c.Encrypt(CompensationBonus, "5000")
	require.NoError(t, err)
	_, err = c.Encrypt(CompensationBonus, blob)
	require.ErrorIs(t, err, secerr.ErrInvalidInput)
}

func TestSingleBitFlipFailsDecryption(t *testing.T) {
	c := newTestCodec(t)
	blob, err := c.Encrypt(CallNotesTranscript, "confidential call")
	require.NoError(t, err)

	prefix := blob[:strings.LastIndex(blob, ".")+1]
	raw, err := base64.RawURLEncoding.DecodeString(blob[len(prefix):])
	require.NoError(t, err)
	for i := 0; i < len(raw); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 1 << bit
			got, err := c.Decrypt(CallNotesTranscript, prefix+base64.RawURLEncoding.EncodeToString(tampered))
			if !errors.Is(err, secerr.ErrDecryption) {
				t.Fatalf("byte %d bit %d: expected ErrDecryption, got %v", i, bit, err)
			}
			if got != "" {
				t.Fatalf("plaintext leaked on tamper: %q", got)
			}
		}
	}
}

func TestEveryBitOfBlobStringIsAuthenticated(t *testing.T) {
	c := newTestCodec(t)
	for n := 0; n < 20; n++ {
		blob, err := c.Encrypt(CompensationBonus, strings.Repeat("9", n))
		require.NoError(t, err)
		for i := 0; i < len(blob); i++ {
			for bit := 0; bit < 8; bit++ {
				tampered := []byte(blob)
				tampered[i] ^= 1 << bit
				got, err := c.Decrypt(CompensationBonus, string(tampered))
				if !errors.Is(err, secerr.ErrDecryption) {
					t.Fatalf("plaintext len %d, flip byte %d bit %d of %d-byte blob: expected ErrDecryption, got %v",
						n, i, bit, len(blob), err)
				}
				if got != "" {
					t.Fatalf("plaintext leaked on tamper: %q", got)
				}
			}
		}
	}
}

func TestBlobWithLineBreakRejected(t *testing.T) {
	c := newTestCodec(t)
	blob, err := c.Encrypt(CompensationBonus, "1200")
	require.NoError(t, err)
	_, err = c.Decrypt(CompensationBonus, blob[:len(blob)-2]+"\n"+blob[len(blob)-2:])
	require.ErrorIs(t, err, secerr.ErrDecryption)
	require.False(t, IsBlob(blob+"\r"))
}

func TestBlobBoundToField(t *testing.T) {
	c := newTestCodec(t)
	blob, err := c.Encrypt(CompensationBaseSalary, "250000")
	require.NoError(t, err)
	_, err = c.Decrypt(CompensationBonus, blob)
	require.ErrorIs(t, err, secerr.ErrDecryption)
}

func TestKeyMismatchFails(t *testing.T) {
	a := newTestCodec(t, testKey("k1", 1))
	b := newTestCodec(t, testKey("k1", 2))
	blob, err := a.Encrypt(UserProfilePhone, "+44 20 7946 0000")
	require.NoError(t, err)
	_, err = b.Decrypt(UserProfilePhone, blob)
	require.ErrorIs(t, err, secerr.ErrDecryption)

	_, err = b.Decrypt(UserProfilePhone, "not-a-blob")
	require.ErrorIs(t, err, secerr.ErrDecryption)
}

func TestRotationKeepsLegacyReadable(t *testing.T) {
	c := newTestCodec(t, testKey("k1", 1))
	legacy, err := c.Encrypt(CompensationEquity, "0.5%")
	require.NoError(t, err)

	require.NoError(t, c.Keyring().Rotate(testKey("k2", 2)))
	require.Equal(t, "k2", c.Keyring().PrimaryID())
	require.True(t, c.NeedsRotation(legacy))

	got, err := c.Decrypt(CompensationEquity, legacy)
	require.NoError(t, err)
	require.Equal(t, "0.5%", got)

	fresh, err := c.Encrypt(CompensationEquity, "0.5%")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(fresh, "fc1.k2."))
	require.False(t, c.NeedsRotation(fresh))

	rotated, changed, err := c.Reencrypt(CompensationEquity, legacy)
	require.NoError(t, err)
	require.True(t, changed)
	got, err = c.Decrypt(CompensationEquity, rotated)
	require.NoError(t, err)
	require.Equal(t, "0.5%", got)
}

func TestParseKeys(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	k0 := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{2}, 16))
	keys, err := ParseKeys("k2:" + k1 + ", k1:" + k0)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "k2", keys[0].ID)

	_, err = ParseKeys("k1:" + base64.StdEncoding.EncodeToString([]byte("short")))
	require.NoError(t, err, "ParseKeys only decodes; length is checked by NewKeyring")
	_, err = NewKeyring(Key{ID: "k1", Material: []byte("short")})
	require.ErrorIs(t, err, secerr.ErrInvalidInput)
	_, err = ParseKeys("missing-separator")
	require.ErrorIs(t, err, secerr.ErrInvalidInput)
}

func TestMapHelpers(t *testing.T) {
	c := newTestCodec(t)
	in := map[string]string{"baseSalary": "100000", "bonus": "", "company": "Acme"}
	enc, err := c.EncryptMap("compensation", in)
	require.NoError(t, err)
	require.True(t, IsBlob(enc["baseSalary"]))
	require.Equal(t, "", enc["bonus"])
	require.Equal(t, "Acme", enc["company"])

	dec, err := c.DecryptMap("compensation", enc)
	require.NoError(t, err)
	require.Equal(t, in, dec)

	tampered := []byte(enc["baseSalary"])
	idx := len(tampered) - 10
	if tampered[idx] == 'A' {
		tampered[idx] = 'B'
	} else {
		tampered[idx] = 'A'
	}
	enc["baseSalary"] = string(tampered)
	_, err = c.DecryptMap("compensation", enc)
	require.ErrorIs(t, err, secerr.ErrDecryption)
}

func TestBlindIndexDeterministic(t *testing.T) {
	c := newTestCodec(t)
	require.Equal(t, c.BlindIndex("a@example.com"), c.BlindIndex("a@example.com"))
	require.NotEqual(t, c.BlindIndex("a@example.com"), c.BlindIndex("b@example.com"))
	require.NoError(t, c.Keyring().Rotate(testKey("k2", 2)))
	require.Equal(t, newTestCodec(t).BlindIndex("a@example.com"), c.BlindIndex("a@example.com"))
}

type memSource struct {
	rows map[string]map[Field]string
}

func (m *memSource) ScanEncrypted(ctx context.Context, fn func(Record) error) error {
	for id, f := range m.rows {
		copyFields := make(map[Field]string, len(f))
		for k, v := range f {
			copyFields[k] = v
		}
		if err := fn(Record{ID: id, Fields: copyFields}); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSource) RewriteEncrypted(ctx context.Context, id string, fields map[Field]string) error {
	for k, v := range fields {
		m.rows[id][k] = v
	}
	return nil
}

func TestReencryptorMovesLegacyBlobs(t *testing.T) {
	c := newTestCodec(t, testKey("k1", 1))
	src := &memSource{rows: map[string]map[Field]string{}}
	for _, id := range []string{"u1", "u2"} {
		phone, err := c.Encrypt(UserProfilePhone, "phone-"+id)
		require.NoError(t, err)
		src.rows[id] = map[Field]string{UserProfilePhone: phone, UserProfileAddress: ""}
	}
	require.NoError(t, c.Keyring().Rotate(testKey("k2", 2)))
	fresh, err := c.Encrypt(UserProfilePhone, "phone-u3")
	require.NoError(t, err)
	src.rows["u3"] = map[Field]string{UserProfilePhone: fresh}

	stats, err := Reencryptor{Codec: c}.Run(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Scanned)
	require.Equal(t, 2, stats.Rewritten)

	for id, row := range src.rows {
		require.False(t, c.NeedsRotation(row[UserProfilePhone]), id)
		got, err := c.Decrypt(UserProfilePhone, row[UserProfilePhone])
		require.NoError(t, err)
		require.Equal(t, "phone-"+id, got)
	}

	again, err := Reencryptor{Codec: c}.Run(context.Background(), src)
	require.NoError(t, err)
	require.Zero(t, again.Rewritten)
}
