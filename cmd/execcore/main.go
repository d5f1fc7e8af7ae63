// Command execcore runs the execution core as a single process: the
// intent-bus dispatcher, per-venue fill/market-data pollers, the
// reconciler and scheduled jobs, and the operator HTTP control surface.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/execution-core/internal/clock"
	execconfig "github.com/r3e-network/execution-core/internal/config"
	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/dispatcher"
	"github.com/r3e-network/execution-core/internal/eventbus"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/gatekeeper"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/operator"
	"github.com/r3e-network/execution-core/internal/ordermanager"
	"github.com/r3e-network/execution-core/internal/policy"
	"github.com/r3e-network/execution-core/internal/readmodel"
	"github.com/r3e-network/execution-core/internal/reconciler"
	"github.com/r3e-network/execution-core/internal/resilience"
	"github.com/r3e-network/execution-core/internal/riskguard"
	"github.com/r3e-network/execution-core/internal/scheduler"
	"github.com/r3e-network/execution-core/internal/secrets"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/tickcache"
	"github.com/r3e-network/execution-core/internal/venue"
	"github.com/r3e-network/execution-core/internal/venue/onchain"
	"github.com/r3e-network/execution-core/internal/venue/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := execconfig.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.NewFromEnv("execcore")
	m := metrics.New()

	secretSource, err := secrets.NewSource(cfg.KeyVaultURL)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}
	hmacSecret, err := secretSource.RequireEnvOrSecret(ctx, "exec-hmac-secret", cfg.HMACSecretEnv)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}

	state, err := shadowstate.New(cfg.WalDir, cfg.WalRollBytes, cfg.WalDir+"/snapshots")
	if err != nil {
		log.Fatalf("shadowstate: %v", err)
	}
	defer state.Close()
	if err := state.Recover(); err != nil {
		log.Fatalf("shadowstate: recover: %v", err)
	}

	venues := make(map[string]venue.Adapter, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		switch vc.Kind {
		case "onchain":
			privKeyHex := secretSource.EnvOrSecret(ctx, "exec-venue-"+vc.Name+"-key", vc.APIKeyEnv, "")
			if privKeyHex == "" {
				log.Fatalf("venue %s: onchain venues require %s", vc.Name, vc.APIKeyEnv)
			}
			privKey, err := parsePrivateKey(privKeyHex)
			if err != nil {
				log.Fatalf("venue %s: %v", vc.Name, err)
			}
			venues[vc.Name] = onchain.New(onchain.Config{
				Name:     vc.Name,
				Endpoint: vc.Endpoint,
				Timeout:  5 * time.Second,
			}, privKey)
		default:
			venues[vc.Name] = sim.New(vc.Name, fixedpoint.FromInt64(1000000), clock.System{}, &clock.Sequence{Prefix: vc.Name})
		}
	}

	policyStore := policy.NewStore(cfg.PolicyGraceWindow)
	if err := policyStore.LoadFromFile(cfg.PolicyPath, []byte(hmacSecret)); err != nil {
		log.Fatalf("policy: %v", err)
	}

	mode := modemachine.New(func(from, to modemachine.Mode, reason modemachine.Reason) {
		m.ModeTransitions.WithLabelValues(from.String(), to.String()).Inc()
		m.CurrentMode.Set(float64(to))
	})

	keys := func(accountID string) ([]byte, error) {
		return crypto.DeriveKey([]byte(hmacSecret), []byte(accountID), crypto.PurposeIntentSigning, 32)
	}
	gk := gatekeeper.New(gatekeeper.Config{
		MaxClockSkew: cfg.MaxClockSkew,
		NonceWindow:  cfg.NonceWindow,
	}, keys, policyStore, logger)

	cache := tickcache.New(tickcache.Config{
		Addr:   cfg.RedisAddr,
		DB:     cfg.RedisDB,
		Logger: logger,
	})
	defer cache.Close()

	positionSource := dispatcher.NewPositionSource(state)
	equityCache := dispatcher.NewEquityCache(venues, logger)
	go equityCache.Run(ctx, 10*time.Second)

	firstVenue := ""
	for name := range venues {
		firstVenue = name
		break
	}
	rg := riskguard.New(riskguard.Config{
		PolicyStore: policyStore,
		Mode:        mode,
		Ticks:       cache,
		Heartbeats:  cache,
		Positions:   positionSource,
		Equity:      equityCache.Equity(firstVenue),
		Metrics:     m,
		Logger:      logger,
	})

	var rec *reconciler.Reconciler
	om := ordermanager.New(ordermanager.Config{
		RetryConfig: resilience.DefaultRetryConfig(),
		Clock:       clock.System{},
		IDs:         &clock.Sequence{Prefix: "ord"},
		Logger:      logger,
		Metrics:     m,
		RiskGuard:   rg,
		OnReconcileNeeded: func(venueName, _ string) {
			go rec.ReconcileVenue(ctx, venueName)
		},
	}, state, venues)

	rec = reconciler.New(reconciler.Config{
		Interval: cfg.ReconcileInterval,
		Clock:    clock.System{},
		Mode:     mode,
		Logger:   logger,
		Metrics:  m,
	}, state, venues)

	var bus *eventbus.Bus
	if cfg.DatabaseDSN != "" {
		bus, err = eventbus.New(eventbus.Config{
			DSN:     cfg.DatabaseDSN,
			Logger:  logger,
			Metrics: m,
		})
		if err != nil {
			log.Fatalf("eventbus: %v", err)
		}
		defer bus.Close()
	}

	var readModel *readmodel.Repository
	if cfg.ReadModelDSN != "" {
		readModel, err = readmodel.New(cfg.ReadModelDSN)
		if err != nil {
			log.Fatalf("readmodel: %v", err)
		}
		defer readModel.Close()
		if err := readModel.Migrate(); err != nil {
			log.Fatalf("readmodel: migrate: %v", err)
		}
	}

	sched := scheduler.New(logger, m)
	if err := sched.Register(scheduler.Job{
		Name: "policy-grace-cleanup",
		Spec: "@every 30s",
		Run: func(ctx context.Context) error {
			policyStore.CleanupExpired(ctx)
			return nil
		},
	}); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	d := dispatcher.New(dispatcher.Config{
		IntentTopic:  cfg.IntentChannel,
		State:        state,
		Venues:       venues,
		Gatekeeper:   gk,
		RiskGuard:    rg,
		OrderManager: om,
		Reconciler:   rec,
		Scheduler:    sched,
		Bus:          bus,
		Cache:        cache,
		ReadModel:    readModel,
		Mode:         mode,
		Logger:       logger,
		Metrics:      m,
	})
	if err := d.Start(ctx); err != nil {
		log.Fatalf("dispatcher: start: %v", err)
	}
	for _, vc := range cfg.Venues {
		for _, symbol := range []string{"BTC-USD"} {
			if err := d.SubscribeMarketData(ctx, vc.Name, symbol); err != nil {
				logger.WithError(err).Warn("dispatcher: subscribe market data failed")
			}
		}
	}

	op := operator.New(operator.Config{
		JWTSecret:    []byte(hmacSecret),
		Mode:         mode,
		PolicyStore:  policyStore,
		State:        state,
		Reconciler:   rec,
		OrderManager: om,
		Venues:       venues,
		Cache:        cache,
		Logger:       logger,
		Metrics:      m,
		IDs:          &clock.Sequence{Prefix: "flat"},
	})
	router := op.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.OperatorPort),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf("operator listening on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("operator: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("operator: shutdown error")
	}
	if err := d.Stop(); err != nil {
		logger.WithError(err).Warn("dispatcher: stop error")
	}
}

func parsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return priv, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexVal(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", b)
	}
}

