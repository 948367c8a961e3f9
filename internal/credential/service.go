package credential

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/ids"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/secerr"
)

// timingHashes holds one dummy hash per bcrypt cost. Authenticate compares
// unknown emails against the hash for the service's cost, so they take as
// long as a wrong password.
var timingHashes sync.Map

type timingHash struct {
	once sync.Once
	hash []byte
}

func dummyHash(cost int) []byte {
	v, _ := timingHashes.LoadOrStore(cost, &timingHash{})
	h := v.(*timingHash)
	h.once.Do(func() {
		h.hash, _ = bcrypt.GenerateFromPassword([]byte("sentinel-timing-equaliser"), cost)
	})
	return h.hash
}

// Service is the Credential Store's API. It is the only writer of subject
// records.
type Service struct {
	store      Store
	codec      *fieldcrypt.Codec
	recorder   audit.Recorder
	now        func() time.Time
	bcryptCost int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRecorder sets the audit recorder for profile mutations.
func WithRecorder(rec audit.Recorder) ServiceOption {
	return func(s *Service) error {
		if rec != nil {
			s.recorder = rec
		}
		return nil
	}
}

// WithBcryptCost overrides the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("credential: bcrypt cost %d out of range", cost)
		}
		s.bcryptCost = cost
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *fieldcrypt.Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("credential: store and codec are required")
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		recorder:   audit.Discard,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// NormalizeEmail trims and lowercases email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailIndex returns the blind index for email.
func (s *Service) EmailIndex(email string) string {
	return s.codec.BlindIndex(NormalizeEmail(email))
}

// Register creates an active subject. With no roles it grants RoleUser.
func (s *Service) Register(ctx context.Context, email, password string, roles ...access.Role) (*User, error) {
	const op = "credential.Service.Register"
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%s: %w: email is malformed", op, secerr.ErrInvalidInput)
	}
	if len(roles) == 0 {
		roles = []access.Role{access.RoleUser}
	}
	roles, err := access.ParseRoles(access.Strings(roles))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	emailBlob, err := s.codec.Encrypt(fieldcrypt.UserProfileEmail, email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now().UTC()
	u := &User{
		ID:           ids.New(),
		Email:        emailBlob,
		EmailIndex:   s.codec.BlindIndex(email),
		PasswordHash: hash,
		Roles:        roles,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeDataModification,
		SubjectID: u.ID,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"action": "register", "roles": access.Strings(roles)},
	})
	return cloneUser(u), nil
}

// Authenticate checks email and password. Every failure, including an unknown
// email or an unusable subject, is ErrAuthentication.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	const op = "credential.Service.Authenticate"
	u, err := s.store.GetByEmailIndex(ctx, s.EmailIndex(email))
	if err != nil {
		if !errors.Is(err, secerr.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash(s.bcryptCost), []byte(password))
		return nil, secerr.ErrAuthentication
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, secerr.ErrAuthentication
	}
	if !u.Usable() {
		return nil, secerr.ErrAuthentication
	}
	now := s.now().UTC()
	if err := s.store.TouchLogin(ctx, u.ID, now); err != nil {
		obs.From(ctx).Warn("touch login failed", obs.Subject(u.ID), obs.Err(err))
	} else {
		u.LastLoginAt = &now
	}
	return u, nil
}

// Get returns the stored record for id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("credential.Service.Get: %w", err)
	}
	return u, nil
}

// GetByEmail looks a subject up by its email address.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := s.store.GetByEmailIndex(ctx, s.EmailIndex(email))
	if err != nil {
		return nil, fmt.Errorf("credential.Service.GetByEmail: %w", err)
	}
	return u, nil
}

// Snapshot returns the decrypted profile of id. A blob that fails to decrypt
// fails the whole snapshot.
func (s *Service) Snapshot(ctx context.Context, id string) (*Profile, error) {
	const op = "credential.Service.Snapshot"
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if u.Deleted {
		return nil, fmt.Errorf("%s: %w", op, secerr.ErrNotFound)
	}
	p := &Profile{
		ID:          u.ID,
		Roles:       access.Strings(u.Roles),
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		LastLoginAt: u.LastLoginAt,
	}
	blobs := profileFields(u)
	for field, dst := range map[fieldcrypt.Field]*string{
		fieldcrypt.UserProfileEmail:   &p.Email,
		fieldcrypt.UserProfilePhone:   &p.Phone,
		fieldcrypt.UserProfileAddress: &p.Address,
	} {
		blob := blobs[field]
		if blob == "" {
			continue
		}
		plain, err := s.codec.Decrypt(field, blob)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		*dst = plain
	}
	return p, nil
}

// UpdateProfile encrypts and stores the given profile changes.
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) error {
	const op = "credential.Service.UpdateProfile"
	fields := make(map[fieldcrypt.Field]string)
	for field, val := range map[fieldcrypt.Field]*string{
		fieldcrypt.UserProfilePhone:   upd.Phone,
		fieldcrypt.UserProfileAddress: upd.Address,
	} {
		if val == nil {
			continue
		}
		if *val == "" {
			fields[field] = ""
			continue
		}
		blob, err := s.codec.Encrypt(field, *val)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		fields[field] = blob
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.store.UpdateProfile(ctx, id, fields, s.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.recordChange(ctx, id, "update_profile", nil)
	return nil
}

// ChangeRoles replaces the role set of id.
func (s *Service) ChangeRoles(ctx context.Context, id string, roles []access.Role) error {
	const op = "credential.Service.ChangeRoles"
	parsed, err := access.ParseRoles(access.Strings(roles))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.SetRoles(ctx, id, parsed, s.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.recordChange(ctx, id, "change_roles", map[string]any{"roles": access.Strings(parsed)})
	return nil
}

// Deactivate marks id inactive. Token issue is refused afterwards.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetActive(ctx, id, false, s.now().UTC()); err != nil {
		return fmt.Errorf("credential.Service.Deactivate: %w", err)
	}
	s.recordChange(ctx, id, "deactivate", nil)
	return nil
}

// SoftDelete flags id as deleted. The row stays until PurgeExpired removes it
// after the retention window. Repeated calls are no-ops.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	if err := s.store.SoftDelete(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("credential.Service.SoftDelete: %w", err)
	}
	s.recordChange(ctx, id, "soft_delete", nil)
	return nil
}

// PurgeExpired hard-deletes subjects soft-deleted more than retention ago.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("credential.Service.PurgeExpired: %w: retention must be positive", secerr.ErrInvalidInput)
	}
	n, err := s.store.PurgeDeleted(ctx, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("credential.Service.PurgeExpired: %w", err)
	}
	if n > 0 {
		obs.Named("credential").Info("purged deleted subjects", zap.Int64("count", n))
		s.recorder.Record(ctx, audit.Event{
			Type:    audit.TypeDataModification,
			Outcome: audit.OutcomeSuccess,
			Details: map[string]any{"action": "purge_deleted", "count": n},
		})
	}
	return n, nil
}

// Reencrypt moves every profile blob onto the primary key.
func (s *Service) Reencrypt(ctx context.Context) (fieldcrypt.ReencryptStats, error) {
	stats, err := fieldcrypt.Reencryptor{Codec: s.codec}.Run(ctx, profileSource{s})
	if err != nil {
		return stats, err
	}
	s.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeEncryptionKeyRotation,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{
			"primary_kid": s.codec.Keyring().PrimaryID(),
			"scanned":     stats.Scanned,
			"rewritten":   stats.Rewritten,
		},
	})
	return stats, nil
}

func (s *Service) recordChange(ctx context.Context, id, action string, details map[string]any) {
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["action"] = action
	s.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeDataModification,
		SubjectID: id,
		Outcome:   audit.OutcomeSuccess,
		Details:   details,
	})
}

// profileSource adapts the store to fieldcrypt.Source.
type profileSource struct{ s *Service }

func (p profileSource) ScanEncrypted(ctx context.Context, fn func(fieldcrypt.Record) error) error {
	return p.s.store.ScanProfiles(ctx, func(u *User) error {
		return fn(fieldcrypt.Record{ID: u.ID, Fields: profileFields(u)})
	})
}

func (p profileSource) RewriteEncrypted(ctx context.Context, id string, fields map[fieldcrypt.Field]string) error {
	return p.s.store.UpdateProfile(ctx, id, fields, p.s.now().UTC())
}
