package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/auth"
	"mawney.org/sentinel/internal/config"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/fieldcrypt"
	"mawney.org/sentinel/internal/httpapi"
	"mawney.org/sentinel/internal/monitor"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/ratelimit"
	"mawney.org/sentinel/internal/store/pg"
	"mawney.org/sentinel/internal/store/redisstore"
	"mawney.org/sentinel/internal/stream"
)

// app holds the wired components of one process.
type app struct {
	cfg *config.Config

	db    *pg.Store
	redis *redis.Client
	codec *fieldcrypt.Codec

	auditStore audit.Store
	audit      *audit.Log
	creds      *credential.Service
	tokens     *auth.Service
	evaluator  *access.Evaluator
	limiter    *ratelimit.Limiter

	history    *monitor.History
	hub        *stream.Hub[monitor.Alert]
	dispatcher *monitor.Dispatcher
	monitor    *monitor.Monitor
}

// buildApp opens the configured backends and wires the services over them.
// Without DATABASE_URL or REDIS_URL the matching state stays in process memory.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := obs.Named("app")
	a := &app{cfg: cfg}

	if cfg.Stores.DatabaseURL != "" {
		db, err := pg.Open(cfg.Stores.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.Ping(pctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
	} else {
		logger.Warn("DATABASE_URL not set, state is kept in memory")
	}

	if cfg.Stores.RedisURL != "" {
		client, err := redisstore.Open(ctx, cfg.Stores.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = client
	}

	codec, err := cfg.Encryption.Codec()
	if err != nil {
		a.close()
		return nil, err
	}
	a.codec = codec

	if a.db != nil {
		a.auditStore = a.db.Audit()
	} else {
		a.auditStore = audit.NewMemoryStore()
	}
	a.audit = audit.New(a.auditStore,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithBacklogAlert(cfg.Audit.BacklogAlert),
		audit.WithDegradedHooks(a.auditDegraded, func() {
			obs.Named("audit").Info("audit log recovered")
		}),
	)

	var credStore credential.Store = credential.NewMemoryStore()
	if a.db != nil {
		credStore = a.db.Credentials()
	}
	a.creds, err = credential.NewService(credStore, codec, credential.WithRecorder(a.audit))
	if err != nil {
		a.close()
		return nil, err
	}

	a.tokens, err = auth.NewService(a.creds, a.tokenOptions()...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.evaluator = access.NewEvaluator(a.audit)

	a.limiter, err = a.newLimiter()
	if err != nil {
		a.close()
		return nil, err
	}

	a.history = monitor.NewHistory(0)
	a.hub = stream.New[monitor.Alert](16)
	a.dispatcher = monitor.NewDispatcher(a.notifiers(),
		monitor.WithQueueSize(cfg.Alerts.QueueLen),
		monitor.WithRetry(time.Second, cfg.Alerts.Retry),
	)
	monitorOpts := []monitor.Option{
		monitor.WithRules(monitor.DefaultRules(monitor.Thresholds{LargeExport: cfg.Monitor.ExportLimit})...),
		monitor.WithHistory(a.history),
		monitor.WithHub(a.hub),
		monitor.WithDispatcher(a.dispatcher),
		monitor.WithActuator(monitor.Actions{Lockouts: a.tokens, Blocks: a.limiter}),
		monitor.WithRecorder(a.audit),
		monitor.WithPollInterval(cfg.Monitor.PollInterval),
		monitor.WithLookback(cfg.Monitor.Lookback),
		monitor.WithGapGrace(cfg.Monitor.GapGrace),
	}
	if a.db != nil {
		// Replicas share the audit table; one of them tails it at a time.
		monitorOpts = append(monitorOpts, monitor.WithLease(a.db.Lease(pg.MonitorLeaseKey)))
	}
	a.monitor = monitor.New(a.audit, monitorOpts...)
	return a, nil
}

func (a *app) tokenOptions() []auth.ServiceOption {
	j := a.cfg.JWT
	opts := []auth.ServiceOption{
		auth.WithIssuer(j.Issuer),
		auth.WithAccessTTL(j.AccessTTL),
		auth.WithRefreshTTL(j.RefreshTTL),
		auth.WithRecorder(a.audit),
	}
	if j.RS256() {
		opts = append(opts, auth.ServiceOption(func(s *auth.Service) error {
			priv, err := os.ReadFile(j.PrivateKeyFile)
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			pub, err := os.ReadFile(j.PublicKeyFile)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			return auth.WithRS256Keys(string(priv), string(pub))(s)
		}))
		if j.KeyID != "" {
			opts = append(opts, auth.WithKeyID(j.KeyID))
		}
	} else {
		opts = append(opts, auth.WithHS256Secret(j.Secret))
	}
	if a.db != nil {
		opts = append(opts,
			auth.WithRefreshStore(a.db.RefreshTokens()),
			auth.WithRevocationStore(a.db.Revocations()),
		)
	}
	if a.redis != nil {
		// Redis is shared by every replica and wins over Postgres for the
		// revocation set.
		opts = append(opts,
			auth.WithRevocationStore(redisstore.NewRevocationStore(a.redis, a.cfg.Stores.RedisPrefix)),
			auth.WithLockouts(redisstore.NewLockouts(a.redis, a.cfg.Stores.RedisPrefix)),
		)
	}
	return opts
}

func (a *app) newLimiter() (*ratelimit.Limiter, error) {
	r := a.cfg.RateLimit
	strategy, err := ratelimit.ParseKeyStrategy(r.KeyStrategy)
	if err != nil {
		return nil, err
	}
	opts := []ratelimit.Option{
		ratelimit.WithPolicy(r.Policy()),
		ratelimit.WithBuckets(ratelimit.NewBuckets(r.Burst, r.Refill)),
		ratelimit.WithKeyStrategy(strategy),
		ratelimit.WithRecorder(a.audit),
	}
	if a.redis != nil {
		primary := redisstore.NewWindowBackend(a.redis, a.cfg.Stores.RedisPrefix)
		opts = append(opts, ratelimit.WithBackend(
			ratelimit.NewFailover(primary, ratelimit.NewMemoryBackend(), a.audit, r.ProbeInterval)))
	}
	if !r.Enabled {
		opts = append(opts, ratelimit.Disabled())
	}
	return ratelimit.New(opts...)
}

func (a *app) notifiers() []monitor.Notifier {
	al := a.cfg.Alerts
	notifiers := []monitor.Notifier{monitor.LogNotifier{}}
	if al.Webhook != "" {
		notifiers = append(notifiers, monitor.WebhookNotifier{URL: al.Webhook})
	}
	if al.Email != "" {
		var to []string
		for _, addr := range strings.Split(al.Email, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		notifiers = append(notifiers, monitor.EmailNotifier{
			Host:     al.SMTP.Host,
			Port:     al.SMTP.Port,
			Username: al.SMTP.Username,
			Password: al.SMTP.Password,
			From:     al.SMTP.From,
			To:       to,
			SSL:      al.SMTP.SSL,
		})
	}
	if al.Push.GatewayURL != "" && len(al.Push.Devices) > 0 {
		notifiers = append(notifiers, monitor.PushNotifier{
			Devices: monitor.StaticDevices(al.Push.Devices),
			Sender:  monitor.GatewaySender{URL: al.Push.GatewayURL},
			Codec:   a.codec,
		})
	}
	return notifiers
}

// auditDegraded raises the process-level alert. The monitor is assigned before
// the audit flusher starts.
func (a *app) auditDegraded(backlog int64) {
	obs.Named("audit").Error("audit log degraded", zap.Int64("backlog", backlog))
	if a.monitor != nil {
		a.monitor.AuditDegraded(backlog)
	}
}

func (a *app) readiness() httpapi.ReadyProbe {
	probe := httpapi.ReadyProbe{Audit: a.audit}
	if a.db != nil {
		probe.DB = a.db.DB()
	}
	if a.redis != nil {
		client := a.redis
		probe.Redis = httpapi.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return probe
}

func (a *app) purger() audit.Purger {
	if p, ok := a.auditStore.(audit.Purger); ok {
		return p
	}
	return nil
}

func (a *app) close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		obs.Named("app").Warn("closing backends", obs.Err(err))
	}
}
