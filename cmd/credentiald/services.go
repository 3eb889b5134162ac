package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/config"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/eligibility"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/issuance"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/limiter"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/observability"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/publish"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/reconcile"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/store"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/util/resiliency"
)

const ledgerLimiterKey = "credentiald:ledger"

// services is the wired process graph shared by every subcommand.
type services struct {
	cfg      *config.Config
	policy   *config.Policy
	store    *store.CredentialStore
	obs      *observability.Provider
	redis    *redis.Client
	backend  publish.Backend
	networks *chain.Networks
	signer   *attest.EASSigner
	tracker  *batch.Tracker
	pipeline *issuance.Pipeline
	engine   *reconcile.Engine
}

// buildServices opens the store and wires issuance and reconciliation.
// Callers must Close the result.
//
//nolint:gocognit // linear wiring
func buildServices(ctx context.Context, cfg *config.Config) (_ *services, err error) {
	svc := &services{cfg: cfg}
	defer func() {
		if err != nil {
			svc.Close(context.Background())
		}
	}()

	svc.policy, err = config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	log.Printf("[credentiald] policy: version %s, %d chains", svc.policy.Version, len(svc.policy.Chains))

	if cfg.LiteMode() {
		log.Printf("[credentiald] DATABASE_URL not set, lite mode: sqlite under %s", cfg.DataDir)
		if err := prepareLiteMode(cfg); err != nil {
			return nil, fmt.Errorf("lite mode: %w", err)
		}
	}
	svc.store, err = store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := svc.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	log.Println("[credentiald] store: ready")

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Insecure = true
	if svc.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}

	var lim limiter.Limiter
	policy := limiter.Policy{PerSecond: cfg.LedgerRPS, Burst: cfg.LedgerBurst}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		svc.redis = redis.NewClient(opts)
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		lim = limiter.NewRedis(svc.redis, ledgerLimiterKey, policy)
		log.Println("[credentiald] redis: connected")
	} else {
		lim = limiter.NewLocal(policy)
	}

	svc.backend, err = publish.NewBackend(ctx, publish.Config{
		Type:       publish.StorageType(cfg.StorageType),
		DataDir:    cfg.DataDir,
		Path:       cfg.StoragePath,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		GCSBucket:  cfg.GCSBucket,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[credentiald] credential storage: %s", cfg.StorageType)

	registry := svc.policy.Registry()
	encoder := attest.ABIEncoder{}
	svc.signer, err = attest.NewEASSignerFromHex(cfg.AttesterPrivateKey, registry, encoder)
	if err != nil {
		return nil, err
	}
	if cfg.AttesterPrivateKey == "" {
		log.Println("[credentiald] attester: no key, offchain issuance disabled")
	} else {
		log.Printf("[credentiald] attester: %s", svc.signer.Address().Hex())
	}

	delegate, err := parseKey(cfg.SafeDelegateKey)
	if err != nil {
		return nil, fmt.Errorf("parse safe delegate key: %w", err)
	}
	doer := resiliency.NewEnhancedClient(
		resiliency.WithBreaker(resiliency.NewCircuitBreaker("safe-service", 5, 30*time.Second)),
	)
	svc.networks, err = chain.DialNetworks(ctx, svc.policy.Chains, doer, lim, delegate)
	if err != nil {
		return nil, err
	}

	statusPolicy, err := svc.policy.StatusPolicy()
	if err != nil {
		return nil, err
	}
	renderer := attest.NewRenderer(cfg.AppBaseURL, svc.policy.LabelFunc())
	resolver := eligibility.NewResolver(renderer, eligibility.WithRewardPolicy(statusPolicy))

	svc.tracker = batch.NewTracker(svc.store)
	orchestrator := issuance.NewOrchestrator(svc.signer, publish.NewPublisher(svc.backend), svc.store, registry,
		issuance.WithEncoder(encoder),
		issuance.WithBatchPath(svc.networks, svc.tracker),
		issuance.WithLimiter(lim),
		issuance.WithObservability(svc.obs),
	)
	svc.pipeline = issuance.NewPipeline(resolver, svc.store, svc.store, orchestrator, cfg.OffchainChainID, svc.obs)

	indexer := chain.NewIndexer(svc.networks, encoder)
	svc.engine = reconcile.NewEngine(svc.store, svc.networks, indexer.Index, svc.obs)
	return svc, nil
}

// Close releases every opened resource. It is safe on a partially built
// graph.
func (s *services) Close(ctx context.Context) {
	if s.networks != nil {
		s.networks.Close()
	}
	if c, ok := s.backend.(io.Closer); ok {
		_ = c.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.obs != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.obs.Shutdown(shutdownCtx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(hexKey)
}
