package fieldcrypt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mawney.org/sentinel/internal/obs"
)

// Record is one stored row with its encrypted fields.
type Record struct {
	ID     string
	Fields map[Field]string
}

// Source enumerates records holding encrypted fields and accepts rewrites.
type Source interface {
	ScanEncrypted(ctx context.Context, fn func(Record) error) error
	RewriteEncrypted(ctx context.Context, id string, fields map[Field]string) error
}

// ReencryptStats summarises a pass.
type ReencryptStats struct {
	Scanned   int
	Rewritten int
	Fields    int
}

// Reencryptor moves legacy blobs onto the primary key. Retired keys can be
// dropped from configuration once a pass reports zero rewrites.
type Reencryptor struct {
	Codec *Codec
}

// Run performs one full pass over src.
func (r Reencryptor) Run(ctx context.Context, src Source) (ReencryptStats, error) {
	const op = "fieldcrypt.Reencryptor.Run"
	var stats ReencryptStats
	err := src.ScanEncrypted(ctx, func(rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		changed := make(map[Field]string)
		for field, blob := range rec.Fields {
			if blob == "" {
				continue
			}
			out, rotated, err := r.Codec.Reencrypt(field, blob)
			if err != nil {
				return fmt.Errorf("record %s field %s: %w", rec.ID, field, err)
			}
			if rotated {
				changed[field] = out
			}
		}
		if len(changed) == 0 {
			return nil
		}
		if err := src.RewriteEncrypted(ctx, rec.ID, changed); err != nil {
			return fmt.Errorf("rewrite %s: %w", rec.ID, err)
		}
		stats.Rewritten++
		stats.Fields += len(changed)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	obs.Named("fieldcrypt").Info("re-encryption pass complete",
		zap.String("primary_kid", r.Codec.Keyring().PrimaryID()),
		zap.Int("scanned", stats.Scanned),
		zap.Int("rewritten", stats.Rewritten),
		zap.Int("fields", stats.Fields))
	return stats, nil
}
