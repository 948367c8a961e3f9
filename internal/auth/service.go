package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/secerr"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Subjects is the slice of the Credential Store the Token Service needs.
type Subjects interface {
	Get(ctx context.Context, id string) (*credential.User, error)
	Authenticate(ctx context.Context, email, password string) (*credential.User, error)
	EmailIndex(email string) string
}

// Service issues and validates tokens. It is the only component that mutates
// refresh-token state, the revocation set and lockouts.
type Service struct {
	subjects    Subjects
	refresh     RefreshStore
	revStore    RevocationStore
	revocations *revocationSet
	lockouts    Lockouts
	recorder    audit.Recorder
	now         func() time.Time

	signer     *signer
	keyID      string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHS256Secret signs access tokens with a shared secret.
func WithHS256Secret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		sg, err := hmacSigner(secret)
		if err != nil {
			return err
		}
		s.signer = sg
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs. It
// takes precedence over a shared secret.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		sg, err := rsaSigner(privatePEM, publicPEM)
		if err != nil {
			return err
		}
		s.signer = sg
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec audit.Recorder) ServiceOption {
	return func(s *Service) error {
		if rec != nil {
			s.recorder = rec
		}
		return nil
	}
}

// WithRefreshStore replaces the in-memory refresh token store.
func WithRefreshStore(store RefreshStore) ServiceOption {
	return func(s *Service) error {
		if store != nil {
			s.refresh = store
		}
		return nil
	}
}

// WithRevocationStore replaces the in-memory durable side of the revocation set.
func WithRevocationStore(store RevocationStore) ServiceOption {
	return func(s *Service) error {
		if store != nil {
			s.revStore = store
		}
		return nil
	}
}

// WithLockouts replaces the in-memory lockout table.
func WithLockouts(l Lockouts) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.lockouts = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration. A signing key is
// required.
func NewService(subjects Subjects, opts ...ServiceOption) (*Service, error) {
	if subjects == nil {
		return nil, errors.New("auth: subjects are required")
	}
	svc := &Service{
		subjects:   subjects,
		recorder:   audit.Discard,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.signer == nil {
		return nil, errors.New("auth: no signing key configured")
	}
	if svc.accessTTL >= svc.refreshTTL {
		return nil, errors.New("auth: access token lifetime must be shorter than refresh token lifetime")
	}
	svc.signer.keyID = svc.keyID
	if svc.refresh == nil {
		svc.refresh = NewMemoryRefreshStore()
	}
	if svc.revStore == nil {
		svc.revStore = NewMemoryRevocationStore()
	}
	if svc.lockouts == nil {
		svc.lockouts = NewMemoryLockouts(svc.clock)
	}
	svc.revocations = newRevocationSet(svc.revStore, svc.clock)
	return svc, nil
}

func (s *Service) clock() time.Time { return s.now() }

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Sync loads the durable revocation set into the in-process mirror. Call it
// once at startup before serving traffic.
func (s *Service) Sync(ctx context.Context) error {
	if _, err := s.revocations.sync(ctx); err != nil {
		return fmt.Errorf("auth.Service.Sync: %w", err)
	}
	return nil
}

// Issue starts a new session lineage for subjectID.
func (s *Service) Issue(ctx context.Context, subjectID string) (TokenPair, *Claims, error) {
	u, err := s.usableSubject(ctx, subjectID)
	if err != nil {
		s.count("issue", err)
		return TokenPair{}, nil, err
	}
	if s.Locked(ctx, LockSubjectPrefix+u.ID) {
		s.count("issue", secerr.ErrLockedOut)
		return TokenPair{}, nil, secerr.ErrLockedOut
	}
	pair, claims, err := s.mint(ctx, u, uuid.NewString(), "")
	s.count("issue", err)
	return pair, claims, err
}

// Login authenticates email and password from clientIP and issues tokens.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (TokenPair, *Claims, error) {
	index := s.subjects.EmailIndex(email)
	fail := func(subjectID, reason string, err error) (TokenPair, *Claims, error) {
		s.recorder.Record(ctx, audit.Event{
			Type:       audit.TypeAuthentication,
			SubjectID:  subjectID,
			EmailIndex: index,
			IP:         clientIP,
			Outcome:    audit.OutcomeFailure,
			Details:    map[string]any{"action": "login", "reason": reason},
		})
		s.count("login", err)
		return TokenPair{}, nil, err
	}

	if s.Locked(ctx, LockEmailPrefix+index) || (clientIP != "" && s.Locked(ctx, LockIPPrefix+clientIP)) {
		return fail("", "locked", secerr.ErrLockedOut)
	}
	u, err := s.subjects.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, secerr.ErrAuthentication) {
			return fail("", "invalid_credentials", secerr.ErrAuthentication)
		}
		s.count("login", err)
		return TokenPair{}, nil, fmt.Errorf("auth.Service.Login: %w", err)
	}
	pair, claims, err := s.Issue(ctx, u.ID)
	if err != nil {
		if errors.Is(err, secerr.ErrLockedOut) {
			return fail(u.ID, "locked", err)
		}
		return fail(u.ID, "issue_failed", err)
	}
	s.recorder.Record(ctx, audit.Event{
		Type:       audit.TypeAuthentication,
		SubjectID:  u.ID,
		EmailIndex: index,
		IP:         clientIP,
		Outcome:    audit.OutcomeSuccess,
		Details:    map[string]any{"action": "login", "sid": claims.LineageID},
	})
	s.count("login", nil)
	return pair, claims, nil
}

// Validate verifies an access token. It performs no I/O.
func (s *Service) Validate(_ context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, secerr.ErrTokenInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.signer.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, s.signer.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, secerr.ErrTokenExpired
		}
		return nil, secerr.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, secerr.ErrTokenInvalid
	}
	if claims.TokenType != accessTokenType || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, secerr.ErrTokenInvalid
	}
	if s.revocations.revoked(claims) {
		return nil, secerr.ErrTokenRevoked
	}
	return claims, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// consumed revokes its whole lineage and returns ErrRefreshReused, which
// callers must report to clients as ErrRefreshInvalid.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, *Claims, error) {
	const op = "auth.Service.Refresh"
	pair, claims, err := s.refreshOnce(ctx, raw)
	s.count("refresh", err)
	if err != nil && !errors.Is(err, secerr.ErrRefreshInvalid) && !errors.Is(err, secerr.ErrAuthentication) {
		return TokenPair{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	return pair, claims, err
}

func (s *Service) refreshOnce(ctx context.Context, raw string) (TokenPair, *Claims, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return TokenPair{}, nil, secerr.ErrRefreshInvalid
	}
	rec, err := s.refresh.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, secerr.ErrNotFound) {
			return TokenPair{}, nil, secerr.ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		return TokenPair{}, nil, secerr.ErrRefreshInvalid
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return TokenPair{}, nil, secerr.ErrRefreshInvalid
	}
	if rec.ConsumedAt != nil {
		return TokenPair{}, nil, s.reuseDetected(ctx, rec, "consumed")
	}
	if rec.RevokedAt != nil || s.revocations.lineageRevoked(rec.LineageID) {
		return TokenPair{}, nil, secerr.ErrRefreshInvalid
	}
	u, err := s.usableSubject(ctx, rec.SubjectID)
	if err != nil {
		return TokenPair{}, nil, secerr.ErrRefreshInvalid
	}
	if s.Locked(ctx, LockSubjectPrefix+u.ID) {
		return TokenPair{}, nil, secerr.ErrLockedOut
	}
	won, err := s.refresh.Consume(ctx, rec.ID, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !won {
		// The row changed under us. A revocation that got there first is not reuse.
		current, err := s.refresh.Get(ctx, rec.ID)
		if err != nil {
			return TokenPair{}, nil, err
		}
		if current.RevokedAt != nil && current.ConsumedAt == nil {
			return TokenPair{}, nil, secerr.ErrRefreshInvalid
		}
		return TokenPair{}, nil, s.reuseDetected(ctx, current, "lost_race")
	}
	return s.mint(ctx, u, rec.LineageID, rec.ID)
}

func (s *Service) reuseDetected(ctx context.Context, rec *RefreshToken, reason string) error {
	revoked, err := s.revokeLineage(ctx, rec.LineageID)
	logger := obs.From(ctx).With(obs.Component("auth"), obs.Subject(rec.SubjectID))
	if err != nil {
		logger.Error("lineage revocation failed after refresh reuse", obs.Err(err))
	}
	logger.Warn("refresh token reuse detected", zap.String("sid", rec.LineageID), zap.String("reason", reason))
	s.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeRefreshReuse,
		SubjectID: rec.SubjectID,
		Outcome:   audit.OutcomeBlocked,
		Details: map[string]any{
			"severity":        "critical",
			"sid":             rec.LineageID,
			"refresh_id":      rec.ID,
			"reason":          reason,
			"revoked_refresh": revoked,
		},
	})
	return secerr.ErrRefreshReused
}

// revokeLineage revokes every refresh token in the lineage and every access
// token carrying its sid, including ones minted concurrently.
func (s *Service) revokeLineage(ctx context.Context, lineageID string) (int64, error) {
	now := s.now()
	n, err := s.refresh.RevokeLineage(ctx, lineageID, now)
	if err != nil {
		return 0, err
	}
	err = s.revocations.add(ctx, Revocation{
		Kind:      RevokeLineage,
		Value:     lineageID,
		NotBefore: now,
		ExpiresAt: now.Add(s.refreshTTL),
	})
	return n, err
}

// RevokeToken revokes one access token by jti. exp bounds how long the entry
// is kept; zero means one access lifetime from now. Idempotent.
func (s *Service) RevokeToken(ctx context.Context, jti string, exp time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("auth.Service.RevokeToken: %w: jti is required", secerr.ErrInvalidInput)
	}
	now := s.now()
	if exp.IsZero() || exp.Before(now) {
		exp = now.Add(s.accessTTL)
	}
	if err := s.revocations.add(ctx, Revocation{Kind: RevokeJTI, Value: jti, NotBefore: now, ExpiresAt: exp}); err != nil {
		s.count("revoke", err)
		return fmt.Errorf("auth.Service.RevokeToken: %w", err)
	}
	s.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeTokenRevoked,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"jti": jti},
	})
	s.count("revoke", nil)
	return nil
}

// RevokeSubject revokes every access token issued to subjectID up to now and
// every refresh token it holds. Idempotent.
func (s *Service) RevokeSubject(ctx context.Context, subjectID string) error {
	const op = "auth.Service.RevokeSubject"
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return fmt.Errorf("%s: %w: subject is required", op, secerr.ErrInvalidInput)
	}
	now := s.now()
	n, err := s.refresh.RevokeSubject(ctx, subjectID, now)
	if err != nil {
		s.count("revoke", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.revocations.add(ctx, Revocation{
		Kind:      RevokeSubject,
		Value:     subjectID,
		NotBefore: now,
		ExpiresAt: now.Add(s.accessTTL),
	}); err != nil {
		s.count("revoke", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	s.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeTokenRevoked,
		SubjectID: subjectID,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"scope": "subject", "revoked_refresh": n},
	})
	s.count("revoke", nil)
	return nil
}

// Logout ends the session behind claims: the access token and its lineage.
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	if claims == nil {
		return secerr.ErrAuthentication
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := s.RevokeToken(ctx, claims.ID, exp); err != nil {
		return err
	}
	if claims.LineageID != "" {
		if _, err := s.revokeLineage(ctx, claims.LineageID); err != nil {
			return fmt.Errorf("auth.Service.Logout: %w", err)
		}
	}
	return nil
}

// Lockout denies token issue for key until the given time. Keys carry one of
// the Lock*Prefix prefixes.
func (s *Service) Lockout(ctx context.Context, key string, until time.Time) error {
	if err := s.lockouts.Lock(ctx, key, until); err != nil {
		return fmt.Errorf("auth.Service.Lockout: %w", err)
	}
	ev := audit.Event{
		Type:    audit.TypeLockout,
		Outcome: audit.OutcomeBlocked,
		Details: map[string]any{"key": key, "until": until.UTC().Format(time.RFC3339)},
	}
	if id, ok := strings.CutPrefix(key, LockSubjectPrefix); ok {
		ev.SubjectID = id
	}
	s.recorder.Record(ctx, ev)
	return nil
}

// Locked reports whether key is under an active lockout. A lockout backend
// failure is logged and treated as not locked.
func (s *Service) Locked(ctx context.Context, key string) bool {
	until, ok, err := s.lockouts.LockedUntil(ctx, key)
	if err != nil {
		obs.From(ctx).Warn("lockout lookup failed", obs.Component("auth"), obs.Err(err))
		return false
	}
	return ok && until.After(s.now())
}

// CleanupExpired deletes refresh tokens past their expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.refresh.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("auth.Service.CleanupExpired: %w", err)
	}
	return n, nil
}

// RunCleanup calls CleanupExpired every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				obs.Named("auth").Warn("refresh cleanup failed", obs.Err(err))
				continue
			}
			if n > 0 {
				obs.Named("auth").Info("expired refresh tokens removed", zap.Int64("count", n))
			}
		}
	}
}

func (s *Service) usableSubject(ctx context.Context, subjectID string) (*credential.User, error) {
	u, err := s.subjects.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, secerr.ErrNotFound) {
			return nil, secerr.ErrAuthentication
		}
		return nil, fmt.Errorf("auth: load subject: %w", err)
	}
	if !u.Usable() {
		return nil, secerr.ErrAuthentication
	}
	return u, nil
}

func (s *Service) mint(ctx context.Context, u *credential.User, lineageID, rotatedFrom string) (TokenPair, *Claims, error) {
	now := s.now()
	accessExp := now.Add(s.accessTTL)
	claims := &Claims{
		Roles:       access.Strings(u.Roles),
		Permissions: permissionStrings(access.PermissionsFor(u.Roles)),
		LineageID:   lineageID,
		TokenType:   accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	accessToken, err := s.signer.sign(claims)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("sign token: %w", err)
	}
	refreshToken, rec, err := newRefreshToken(u.ID, lineageID, rotatedFrom, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return TokenPair{}, nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, claims, nil
}

func (s *Service) count(op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, secerr.ErrRefreshReused):
		outcome = "reused"
	case errors.Is(err, secerr.ErrLockedOut):
		outcome = "locked"
	default:
		outcome = "failure"
	}
	obs.TokenOps.WithLabelValues(op, outcome).Inc()
}

func permissionStrings(perms []access.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
