package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"cloud.google.com/go/pubsub/v2"
	gcs "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/discovery/sitemap"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	frontierredis "github.com/JakeFAU/page-acquisition/internal/frontier/redis"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	ledgermemory "github.com/JakeFAU/page-acquisition/internal/ledger/memory"
	ledgerpostgres "github.com/JakeFAU/page-acquisition/internal/ledger/postgres"
	notifymemory "github.com/JakeFAU/page-acquisition/internal/notify/memory"
	notifypubsub "github.com/JakeFAU/page-acquisition/internal/notify/pubsub"
	"github.com/JakeFAU/page-acquisition/internal/policy/ratelimit"
	"github.com/JakeFAU/page-acquisition/internal/policy/robots"
	"github.com/JakeFAU/page-acquisition/internal/policy/ssrf"
	"github.com/JakeFAU/page-acquisition/internal/queue"
	queuekafka "github.com/JakeFAU/page-acquisition/internal/queue/kafka"
	queuememory "github.com/JakeFAU/page-acquisition/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/page-acquisition/internal/queue/pubsub"
	gcsstore "github.com/JakeFAU/page-acquisition/internal/storage/gcs"
	"github.com/JakeFAU/page-acquisition/internal/storage/local"
	"github.com/JakeFAU/page-acquisition/internal/storage/memory"
	"github.com/JakeFAU/page-acquisition/internal/storage/postgres"
	s3store "github.com/JakeFAU/page-acquisition/internal/storage/s3"
)

func newPolicy(cfg config.PolicyConfig, logger *zap.Logger) *ssrf.Guard {
	return ssrf.New(ssrf.Config{
		AllowPrivate:  cfg.AllowPrivate,
		AllowedHosts:  cfg.AllowedHosts,
		DeniedHosts:   cfg.DeniedHosts,
		CacheTTL:      cfg.DNSCacheTTL,
		LookupTimeout: cfg.LookupTimeout,
	}, net.DefaultResolver, logger)
}

func newCrawlPolicies(cfg config.PolicyConfig, guard *ssrf.Guard, logger *zap.Logger) (*robots.Checker, *ratelimit.Limiter) {
	checker := robots.New(robots.Config{
		UserAgent:    cfg.RobotsUserAgent,
		CacheTTL:     cfg.RobotsCacheTTL,
		FetchTimeout: cfg.RobotsTimeout,
	}, &http.Client{Timeout: cfg.RobotsTimeout, CheckRedirect: guard.CheckRedirect}, logger)
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HostRPS, DefaultBurst: cfg.HostBurst})
	return checker, limiter
}

func (a *App) setupStore(ctx context.Context) (acquire.JobStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("database.dsn not set, jobs are kept in memory")
		return memory.NewJobStore(), nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error { store.Close(); return nil })
	a.readiness["postgres"] = store.Ping
	return store, nil
}

func (a *App) setupBlobs(ctx context.Context) (acquire.BlobSink, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Local.BaseDir, BaseURL: cfg.Local.BaseURL})
		if err != nil {
			return nil, fmt.Errorf("local storage init failed: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		store, err := gcsstore.New(client, gcsstore.Config{
			Bucket:      cfg.GCS.Bucket,
			CDNBaseURL:  cfg.CDNBaseURL,
			SignerEmail: cfg.GCS.SignerEmail,
			SignerKey:   []byte(cfg.GCS.SignerKey),
		})
		if err != nil {
			return nil, fmt.Errorf("gcs storage init failed: %w", err)
		}
		return store, nil
	case config.BackendS3:
		s3cfg := s3store.Config{
			Bucket:       cfg.S3.Bucket,
			KeyPrefix:    cfg.S3.KeyPrefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			CDNBaseURL:   cfg.CDNBaseURL,
		}
		client, err := s3store.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3store.New(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 storage init failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func (a *App) setupLedger(ctx context.Context) (acquire.Ledger, error) {
	prices := ledger.Prices(a.cfg.Ledger.Prices)
	switch a.cfg.Ledger.Backend {
	case config.BackendMemory, "":
		return ledgermemory.New(ledgermemory.Config{
			DefaultBalance: a.cfg.Ledger.DefaultBalance,
			Prices:         prices,
		}, a.ids), nil
	case config.BackendPostgres:
		l, err := ledgerpostgres.New(ctx, ledgerpostgres.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
			Prices:          prices,
		}, a.ids)
		if err != nil {
			return nil, fmt.Errorf("ledger init failed: %w", err)
		}
		a.onClose("ledger", func(context.Context) error { l.Close(); return nil })
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", a.cfg.Ledger.Backend)
	}
}

// setupMessaging builds the work queue and the job-event notifier. Pub/Sub backends share one
// client.
func (a *App) setupMessaging(ctx context.Context) (acquire.Queue, acquire.Notifier, error) {
	var client *pubsub.Client
	pubsubClient := func() (*pubsub.Client, error) {
		if client != nil {
			return client, nil
		}
		c, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		client = c
		a.onClose("pubsub", func(context.Context) error { return c.Close() })
		return c, nil
	}

	retry := queue.RetryPolicy{
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		BaseDelay:   a.cfg.Queue.BaseBackoff,
		MaxDelay:    a.cfg.Queue.MaxBackoff,
	}
	var q acquire.Queue
	switch a.cfg.Queue.Backend {
	case config.BackendMemory, "":
		mq := queuememory.NewQueue(a.cfg.Queue.Capacity, retry, a.logger)
		a.onClose("memory queue", func(context.Context) error { mq.Close(); return nil })
		q = mq
	case config.BackendPubSub:
		c, err := pubsubClient()
		if err != nil {
			return nil, nil, err
		}
		pq, err := queuepubsub.New(c, queuepubsub.Config{
			Topic:          a.cfg.PubSub.Topic,
			Subscription:   a.cfg.PubSub.Subscription,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
		}, retry, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.onClose("pubsub queue", func(context.Context) error { pq.Close(); return nil })
		q = pq
	case config.BackendKafka:
		kq, err := queuekafka.New(queuekafka.Config{
			Brokers:      a.cfg.Kafka.Brokers,
			Topic:        a.cfg.Kafka.Topic,
			GroupID:      a.cfg.Kafka.GroupID,
			MinBytes:     a.cfg.Kafka.MinBytes,
			MaxBytes:     a.cfg.Kafka.MaxBytes,
			MaxWait:      a.cfg.Kafka.MaxWait,
			WriteTimeout: a.cfg.Kafka.WriteTimeout,
		}, retry, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka queue init failed: %w", err)
		}
		a.onClose("kafka queue", func(context.Context) error { return kq.Close() })
		q = kq
	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", a.cfg.Queue.Backend)
	}

	switch a.cfg.Notify.Backend {
	case config.BackendNone, "":
		return q, nil, nil
	case config.BackendMemory:
		return q, notifymemory.New(), nil
	case config.BackendPubSub:
		c, err := pubsubClient()
		if err != nil {
			return nil, nil, err
		}
		n, err := notifypubsub.New(c, a.cfg.Notify.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("notifier init failed: %w", err)
		}
		a.onClose("notifier", func(context.Context) error { n.Close(); return nil })
		return q, n, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify backend %q", a.cfg.Notify.Backend)
	}
}

func (a *App) setupFrontier() (*frontier.Controller, error) {
	var store frontier.Store
	switch a.cfg.Frontier.Store {
	case config.BackendMemory, "":
		if a.cfg.Queue.Backend != config.BackendMemory && a.cfg.Queue.Backend != "" {
			a.logger.Warn("in-memory frontier with a shared queue, crawl dedupe is per process")
		}
		store = frontier.NewMemoryStore()
	case config.BackendRedis:
		client := frontierredis.NewClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		a.onClose("redis", func(context.Context) error { return client.Close() })
		a.readiness["redis"] = func(ctx context.Context) error { return redisPing(ctx, client) }
		store = frontierredis.New(client, a.cfg.Frontier.KeyPrefix, a.cfg.Frontier.TTL)
	default:
		return nil, fmt.Errorf("unsupported frontier store %q", a.cfg.Frontier.Store)
	}
	reader := sitemap.New(sitemap.Config{
		UserAgent:     a.cfg.Policy.RobotsUserAgent,
		Timeout:       a.cfg.Policy.SitemapTimeout,
		MaxIndexDepth: a.cfg.Policy.SitemapMaxIndex,
	}, nil, a.policy, a.logger)
	return frontier.New(store, a.policy, reader, a.logger), nil
}

func redisPing(ctx context.Context, client *goredis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
