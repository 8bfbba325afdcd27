package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/siddimore/q402-agent-gate/internal/agent"
	"github.com/siddimore/q402-agent-gate/internal/config"
	"github.com/siddimore/q402-agent-gate/internal/telemetry"
	"github.com/siddimore/q402-agent-gate/pkg/policy"
	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

const requestIDHeader = "X-Request-ID"

// server holds the gateway handler and the resources it must release
type server struct {
	handler http.Handler
	closers []func() error
}

func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func newServer(cfg *config.Config, attester q402.Attester, logger *slog.Logger) (_ *server, err error) {
	srv := &server{}
	defer func() {
		if err != nil {
			_ = srv.Close()
		}
	}()

	networks := q402.NewNetworkRegistry(cfg.NetworkList()...)
	if _, ok := networks.Lookup(cfg.DefaultNetwork); !ok {
		return nil, fmt.Errorf("default network %q is not configured", cfg.DefaultNetwork)
	}

	oracle := policy.NewRPCOracle(networks.RPCEndpoints(), cfg.Policy.OracleTimeout)
	srv.closers = append(srv.closers, func() error { oracle.Close(); return nil })

	engine := policy.NewEngine(policy.Config{
		DenyList:              cfg.Policy.DenyList,
		ChainSpendingActions:  cfg.Policy.ChainSpendingActions,
		GasLimit:              cfg.Policy.GasLimit,
		SpendCapWei:           cfg.SpendCapWei(),
		FailOpenOnOracleError: cfg.Policy.FailOpenOnOracleError,
	}, oracle, logger)

	prices, err := cfg.Prices()
	if err != nil {
		return nil, err
	}
	issuer := q402.NewIssuer(q402.IssuerConfig{
		PayTo:             attester.Address().Hex(),
		VerifyingContract: cfg.Payment.VerifyingContract,
		Token:             cfg.Payment.Token,
		Prices:            prices,
		TTL:               cfg.Payment.WitnessTTL,
	})

	replay, closeReplay, err := newReplayGuard(cfg.Replay, logger)
	if err != nil {
		return nil, err
	}
	if closeReplay != nil {
		srv.closers = append(srv.closers, closeReplay)
	}

	metering := q402.NewInMemoryMeteringStore(cfg.Metering.MaxEntries)
	gate := &q402.Gate{
		Policy:         engine,
		Networks:       networks,
		Issuer:         issuer,
		Verifier:       q402.NewVerifier(),
		Settler:        q402.NewSettler(q402.SettlerConfig{MaxAmountWei: cfg.SettlementCapWei()}, attester, logger),
		Replay:         replay,
		Metering:       metering,
		DefaultNetwork: cfg.DefaultNetwork,
		Logger:         logger,
	}

	var backend http.Handler
	if cfg.Backend != "" {
		backend, err = newProxy(cfg.Backend)
		if err != nil {
			return nil, err
		}
	} else {
		codes := agent.NewChainGPTClient(cfg.Agent.ChainGPTURL, cfg.ChainGPTAPIKey(), cfg.Agent.Timeout)
		codes.HTTP = telemetry.InstrumentClient(codes.HTTP)
		backend = &agent.Service{
			Code:           codes,
			Deployer:       agent.NewHardhatDeployer(cfg.Agent.ProjectDir, cfg.Agent.DeployScript),
			Networks:       networks,
			DefaultNetwork: cfg.DefaultNetwork,
			Logger:         logger,
		}
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("q402-gateway"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ids := make([]string, 0, len(networks.List()))
		for _, n := range networks.List() {
			ids = append(ids, string(n.ID))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"facilitator": attester.Address().Hex(),
			"networks":    ids,
		})
	})
	r.Get("/metrics", q402.MetricsHandler(metering))
	r.Method(http.MethodPost, "/api/agent", gate.Middleware(backend))

	srv.handler = r
	return srv, nil
}

func newReplayGuard(cfg config.ReplayConfig, logger *slog.Logger) (q402.ReplayGuard, func() error, error) {
	switch cfg.Backend {
	case "none":
		logger.Warn("replay guard disabled: a signed payment can be settled more than once before its deadline")
		return nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			// payments are refused until redis answers
			logger.Warn("redis replay guard unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		return q402.NewRedisReplayGuard(client, cfg.KeyPrefix), client.Close, nil
	case "memory", "":
		return q402.NewMemoryReplayGuard(cfg.MaxEntries), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown replay backend %q", cfg.Backend)
	}
}

// newProxy forwards gated requests to backend with the settlement
// reference attached.
func newProxy(backend string) (http.Handler, error) {
	target, err := url.Parse(backend)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", backend)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Set("X-Origin-Host", target.Host)
		req.Header.Del(q402.PaymentHeader)
		if proof, ok := q402.ProofFromContext(req.Context()); ok {
			req.Header.Set(q402.SettlementRefHeader, proof.Reference)
		}
	}
	return proxy, nil
}

// requestID tags each request with an id, keeping one supplied by the caller
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
