package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/secerr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(_ context.Context, ev audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t audit.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *Service
	creds  *credential.Service
	clock  *fakeClock
	events *eventLog
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	ring, err := fieldcrypt.NewKeyring(fieldcrypt.Key{ID: "k1", Material: bytes.Repeat([]byte{1}, 32)})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	codec, err := fieldcrypt.NewCodec(ring, bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	creds, err := credential.NewService(credential.NewMemoryStore(), codec,
		credential.WithBcryptCost(bcrypt.MinCost), credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("credential.NewService: %v", err)
	}
	events := &eventLog{}
	base := []ServiceOption{
		WithHS256Secret(testSecret),
		WithIssuer("sentinel-test"),
		WithClock(clock.Now),
		WithRecorder(events),
	}
	svc, err := NewService(creds, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, creds: creds, clock: clock, events: events}
}

func (f *fixture) register(t *testing.T, email string, roles ...access.Role) *credential.User {
	t.Helper()
	u, err := f.creds.Register(context.Background(), email, "password123", roles...)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func TestIssueThenValidate(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "u1@example.com", access.RoleUser, access.RoleReadOnly)

	pair, _, err := f.svc.Issue(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := f.svc.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != u.ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if strings.Join(claims.Roles, ",") != "read-only,user" {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if claims.LineageID == "" || claims.ID == "" {
		t.Fatalf("expected sid and jti, got %+v", claims)
	}
	id := claims.Identity()
	if id.SubjectID != u.ID || !id.HasRole(access.RoleUser) {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestIssueRejectsUnusableSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "gone@example.com")
	if err := f.creds.SoftDelete(ctx, u.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, _, err := f.svc.Issue(ctx, u.ID); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for deleted subject, got %v", err)
	}
	if _, _, err := f.svc.Issue(ctx, "no-such-subject"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for unknown subject, got %v", err)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "u2@example.com")
	pair, _, err := f.svc.Issue(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(pair.AccessToken, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	if _, err := f.svc.Validate(context.Background(), strings.Join(parts, ".")); !errors.Is(err, secerr.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, err := f.svc.Validate(context.Background(), ""); !errors.Is(err, secerr.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for empty token, got %v", err)
	}

	other := newFixture(t, WithIssuer("someone-else"))
	if _, err := other.svc.Validate(context.Background(), pair.AccessToken); !errors.Is(err, secerr.ErrTokenInvalid) {
		t.Fatalf("expected issuer mismatch to be invalid, got %v", err)
	}
}

func TestEndToEndExpiryRefreshAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "u1@example.com")

	first, _, err := f.svc.Login(ctx, "u1@example.com", "password123", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Validate(ctx, first.AccessToken); err != nil {
		t.Fatalf("Validate fresh token: %v", err)
	}

	f.clock.Advance(defaultAccessTTL + time.Second)
	if _, err := f.svc.Validate(ctx, first.AccessToken); !errors.Is(err, secerr.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	second, _, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.svc.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("Validate rotated token: %v", err)
	}

	_, _, err = f.svc.Refresh(ctx, first.RefreshToken)
	if !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected replay to surface as ErrRefreshInvalid, got %v", err)
	}
	if !errors.Is(err, secerr.ErrRefreshReused) {
		t.Fatalf("expected reuse detection internally, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, second.AccessToken); !errors.Is(err, secerr.ErrTokenRevoked) {
		t.Fatalf("expected lineage access token revoked, got %v", err)
	}
	if _, _, err := f.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected rotated refresh token revoked, got %v", err)
	}
	if n := f.events.count(audit.TypeRefreshReuse); n != 1 {
		t.Fatalf("expected one reuse event, got %d", n)
	}
}

func TestConcurrentRefreshExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "race@example.com")
	pair, _, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []TokenPair
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p, _, err := f.svc.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes = append(successes, p)
				return
			}
			if !errors.Is(err, secerr.ErrRefreshInvalid) {
				t.Errorf("unexpected error: %v", err)
			}
			failures++
		}()
	}
	close(start)
	wg.Wait()

	if len(successes) != 1 || failures != n-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d failures", len(successes), failures)
	}
	if _, err := f.svc.Validate(ctx, successes[0].AccessToken); !errors.Is(err, secerr.ErrTokenRevoked) {
		t.Fatalf("expected winner's access token revoked with the lineage, got %v", err)
	}
}

// revokeBeforeConsume revokes the subject's tokens just before the consume,
// the way a logout landing between read and write would.
type revokeBeforeConsume struct {
	*MemoryRefreshStore
}

func (s revokeBeforeConsume) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	tok, err := s.MemoryRefreshStore.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if _, err := s.MemoryRefreshStore.RevokeSubject(ctx, tok.SubjectID, at); err != nil {
		return false, err
	}
	return s.MemoryRefreshStore.Consume(ctx, id, at)
}

func TestRefreshLosingToRevocationIsNotReuse(t *testing.T) {
	f := newFixture(t, WithRefreshStore(revokeBeforeConsume{NewMemoryRefreshStore()}))
	ctx := context.Background()
	u := f.register(t, "logout@example.com")
	pair, _, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, secerr.ErrRefreshInvalid) || errors.Is(err, secerr.ErrRefreshReused) {
		t.Fatalf("expected plain ErrRefreshInvalid, got %v", err)
	}
	if n := f.events.count(audit.TypeRefreshReuse); n != 0 {
		t.Fatalf("revocation race reported as reuse %d times", n)
	}
	if _, err := f.svc.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("lineage must not be revoked as a reuse response: %v", err)
	}
}

func TestRefreshRejectsGarbageAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "exp@example.com")
	pair, _, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, raw := range []string{"", "nodot", "a.b.c", "unknown.secret"} {
		if _, _, err := f.svc.Refresh(ctx, raw); !errors.Is(err, secerr.ErrRefreshInvalid) || errors.Is(err, secerr.ErrRefreshReused) {
			t.Fatalf("%q: expected plain ErrRefreshInvalid, got %v", raw, err)
		}
	}
	id, _, _ := strings.Cut(pair.RefreshToken, ".")
	if _, _, err := f.svc.Refresh(ctx, id+".wrong-secret"); errors.Is(err, secerr.ErrRefreshReused) || !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected hash mismatch to be invalid, got %v", err)
	}

	f.clock.Advance(defaultRefreshTTL + time.Second)
	if _, _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected expired refresh token invalid, got %v", err)
	}
	if n, err := f.svc.CleanupExpired(ctx); err != nil || n != 1 {
		t.Fatalf("CleanupExpired = %d, %v", n, err)
	}
}

func TestRevokeTokenAndSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "rev@example.com")

	a, claimsA, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, _, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.svc.RevokeToken(ctx, claimsA.ID, claimsA.ExpiresAt.Time); err != nil {
			t.Fatalf("RevokeToken: %v", err)
		}
	}
	if _, err := f.svc.Validate(ctx, a.AccessToken); !errors.Is(err, secerr.ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, b.AccessToken); err != nil {
		t.Fatalf("unrelated token affected: %v", err)
	}

	if err := f.svc.RevokeSubject(ctx, u.ID); err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}
	if _, err := f.svc.Validate(ctx, b.AccessToken); !errors.Is(err, secerr.ErrTokenRevoked) {
		t.Fatalf("expected subject-wide revocation, got %v", err)
	}
	if _, _, err := f.svc.Refresh(ctx, b.RefreshToken); !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected refresh revoked, got %v", err)
	}

	f.clock.Advance(2 * time.Second)
	c, _, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue after revocation: %v", err)
	}
	if _, err := f.svc.Validate(ctx, c.AccessToken); err != nil {
		t.Fatalf("token issued after cutoff rejected: %v", err)
	}
}

func TestRevocationsSurviveRestart(t *testing.T) {
	store := NewMemoryRevocationStore()
	refresh := NewMemoryRefreshStore()
	f := newFixture(t, WithRevocationStore(store), WithRefreshStore(refresh))
	ctx := context.Background()
	u := f.register(t, "restart@example.com")
	pair, claims, err := f.svc.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.svc.Logout(ctx, claims); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	restarted, err := NewService(f.creds,
		WithHS256Secret(testSecret), WithIssuer("sentinel-test"), WithClock(f.clock.Now),
		WithRevocationStore(store), WithRefreshStore(refresh))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := restarted.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("mirror should be empty before Sync: %v", err)
	}
	if err := restarted.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := restarted.Validate(ctx, pair.AccessToken); !errors.Is(err, secerr.ErrTokenRevoked) {
		t.Fatalf("expected revoked after Sync, got %v", err)
	}
	if _, _, err := restarted.Refresh(ctx, pair.RefreshToken); !errors.Is(err, secerr.ErrRefreshInvalid) {
		t.Fatalf("expected logged-out refresh token invalid, got %v", err)
	}
}

func TestLockoutDeniesIssueAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "lock@example.com")

	until := f.clock.Now().Add(15 * time.Minute)
	if err := f.svc.Lockout(ctx, LockSubjectPrefix+u.ID, until); err != nil {
		t.Fatalf("Lockout: %v", err)
	}
	if _, _, err := f.svc.Issue(ctx, u.ID); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("expected ErrLockedOut, got %v", err)
	}
	if _, _, err := f.svc.Login(ctx, "lock@example.com", "password123", "10.0.0.2"); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("expected login locked, got %v", err)
	}
	if !errors.Is(secerr.ErrLockedOut, secerr.ErrAuthentication) {
		t.Fatal("lockout must be an authentication failure")
	}

	if err := f.svc.Lockout(ctx, LockIPPrefix+"10.0.0.9", until); err != nil {
		t.Fatalf("Lockout ip: %v", err)
	}
	f.register(t, "other@example.com")
	if _, _, err := f.svc.Login(ctx, "other@example.com", "password123", "10.0.0.9"); !errors.Is(err, secerr.ErrLockedOut) {
		t.Fatalf("expected ip lockout, got %v", err)
	}
	if _, _, err := f.svc.Login(ctx, "other@example.com", "password123", "10.0.0.10"); err != nil {
		t.Fatalf("other ip should be allowed: %v", err)
	}

	f.clock.Advance(16 * time.Minute)
	if _, _, err := f.svc.Issue(ctx, u.ID); err != nil {
		t.Fatalf("lockout should have lapsed: %v", err)
	}
}

func TestLoginFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "audit@example.com")
	if _, _, err := f.svc.Login(ctx, "audit@example.com", "wrong-password", "10.1.1.1"); !errors.Is(err, secerr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var found bool
	for _, ev := range f.events.events {
		if ev.Type == audit.TypeAuthentication && ev.Outcome == audit.OutcomeFailure {
			found = true
			if ev.IP != "10.1.1.1" || ev.EmailIndex == "" {
				t.Fatalf("failure event missing context: %+v", ev)
			}
		}
	}
	if !found {
		t.Fatal("expected authentication failure event")
	}
}

func TestRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	f := newFixture(t, WithRS256Keys(string(privPEM), string(pubPEM)), WithKeyID("rsa-1"))
	u := f.register(t, "rsa@example.com")
	pair, _, err := f.svc.Issue(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Validate(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	hs := newFixture(t)
	if _, err := hs.svc.Validate(context.Background(), pair.AccessToken); !errors.Is(err, secerr.ErrTokenInvalid) {
		t.Fatalf("expected algorithm mismatch to be invalid, got %v", err)
	}
}
