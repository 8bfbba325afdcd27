package q402

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/siddimore/q402-agent-gate/pkg/policy"
	"github.com/siddimore/q402-agent-gate/pkg/units"
)

const tracerName = "github.com/siddimore/q402-agent-gate/pkg/q402"

// DefaultMaxBodyBytes bounds the request body the gate buffers
const DefaultMaxBodyBytes = 1 << 20

// DefaultReplayRetention is how long ids of witnesses without a deadline stay spent
const DefaultReplayRetention = 7 * 24 * time.Hour

// Envelope is the part of the request body the gate reads
type Envelope struct {
	Action    string `json:"action"`
	Principal string `json:"userAddress"`
	Network   string `json:"network"`
}

// Gate runs policy, payment and settlement in front of an agent handler
type Gate struct {
	Policy   *policy.Engine
	Networks *NetworkRegistry
	Issuer   *Issuer
	Verifier *Verifier
	Settler  *Settler

	// Replay is optional. When nil, an identical signed payment can be
	// settled more than once within its validity window.
	Replay ReplayGuard

	// Metering is optional
	Metering MeteringStore

	// DefaultNetwork is used when the envelope names none
	DefaultNetwork string

	// MaxBodyBytes defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64

	Logger *slog.Logger
}

// Middleware wraps next with the payment gate. The request body reaches
// next unchanged; a settled request carries its proof in the context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := g.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	tracer := otel.Tracer(tracerName)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil || int64(len(body)) > maxBody {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		env.Action = policy.NormalizeAction(env.Action)

		networkName := env.Network
		if networkName == "" {
			networkName = g.DefaultNetwork
		}
		network, ok := g.Networks.Lookup(networkName)
		if !ok {
			// identity rules still answer first
			if d := g.Policy.CheckPrincipal(env.Principal, env.Action); !d.Allowed {
				writeError(w, http.StatusForbidden, d.Message)
				return
			}
			writeError(w, http.StatusBadRequest, "Unknown network")
			return
		}

		ctx := r.Context()
		log := logger.With("action", env.Action, "network", string(network.ID))

		ctx, span := tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(
			attribute.String("q402.action", env.Action),
			attribute.String("q402.network", string(network.ID)),
		))
		decision := g.Policy.Evaluate(ctx, env.Principal, env.Action, policy.Request{
			Network: string(network.ID),
			Symbol:  network.Symbol,
		})
		span.SetAttributes(attribute.String("q402.policy.reason", string(decision.Reason)))
		span.End()
		if !decision.Allowed {
			log.InfoContext(ctx, "policy rejected request",
				"principal", policy.Canonical(env.Principal),
				"reason", string(decision.Reason))
			writeError(w, http.StatusForbidden, decision.Message)
			return
		}

		if !g.Issuer.IsPaid(env.Action) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if !common.IsHexAddress(strings.TrimSpace(env.Principal)) {
			writeError(w, http.StatusBadRequest, "Invalid userAddress")
			return
		}

		header := r.Header.Get(PaymentHeader)
		if header == "" {
			g.challenge(w, log, env, network, nil)
			return
		}

		start := time.Now()
		sp, err := g.admit(r, env, network, header)
		if err != nil {
			log.InfoContext(ctx, "payment rejected",
				"principal", policy.Canonical(env.Principal),
				"reason", string(CodeOf(err)),
				"error", err)
			if CodeOf(err) == CodeReplayGuardFailure {
				writeError(w, http.StatusServiceUnavailable, "Payment verification unavailable")
				return
			}
			g.challenge(w, log, env, network, err)
			return
		}

		ctx, span = tracer.Start(ctx, "q402.settle", trace.WithAttributes(
			attribute.String("q402.payment_id", sp.Witness().Message.PaymentID),
		))
		proof, err := g.Settler.Settle(ctx, sp)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
			span.End()
			if errors.Is(err, ErrSettlementPolicy) {
				writeError(w, http.StatusForbidden, "Settlement Policy Violation: amount exceeds limit.")
				return
			}
			writeError(w, http.StatusInternalServerError, "Settlement failed")
			return
		}
		span.End()

		if g.Metering != nil {
			if err := g.Metering.RecordSettlement(UsageMetric{
				Timestamp: proof.Timestamp,
				Action:    env.Action,
				Network:   string(network.ID),
				PayerID:   proof.Payer,
				AmountWei: proof.Amount,
				Reference: proof.Reference,
				Latency:   time.Since(start).Milliseconds(),
			}); err != nil {
				log.WarnContext(ctx, "metering record failed", "error", err)
			}
		}

		w.Header().Set(PaymentVerifiedHeader, "true")
		w.Header().Set(PaymentTimeHeader, proof.Timestamp.Format(time.RFC3339))
		w.Header().Set(SettlementRefHeader, proof.Reference)
		next.ServeHTTP(w, r.WithContext(WithProof(ctx, proof)))
	})
}

// admit decodes, verifies and binds a payment header to the request, then
// consumes its payment id.
func (g *Gate) admit(r *http.Request, env Envelope, network Network, header string) (*SignedPayment, error) {
	_, span := otel.Tracer(tracerName).Start(r.Context(), "q402.verify")
	defer span.End()

	sp, err := DecodePaymentHeader(header)
	if err != nil {
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}
	if err := g.Verifier.Check(sp); err != nil {
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}
	if err := g.bind(sp, env, network); err != nil {
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}

	if g.Replay != nil {
		w := sp.Witness()
		expiry := time.Unix(w.Message.Deadline, 0)
		if w.Message.Deadline == 0 {
			expiry = time.Now().Add(DefaultReplayRetention)
		}
		fresh, err := g.Replay.Consume(r.Context(), w.Message.PaymentID, expiry)
		if err != nil {
			span.SetStatus(codes.Error, string(CodeReplayGuardFailure))
			return nil, &Error{Code: CodeReplayGuardFailure, Msg: "replay guard unavailable", Err: err}
		}
		if !fresh {
			span.SetStatus(codes.Error, string(CodePaymentReplayed))
			return nil, ErrPaymentReplayed
		}
	}
	return sp, nil
}

// bind checks that a valid witness pays for this request
func (g *Gate) bind(sp *SignedPayment, env Envelope, network Network) error {
	w := sp.Witness()
	m := w.Message

	if !sameAddress(m.Owner, env.Principal) {
		return wrapErr(ErrWitnessMismatch, fmt.Errorf("owner %s is not the requesting wallet", m.Owner))
	}
	if w.Domain.ChainID != network.ChainID {
		return wrapErr(ErrWitnessMismatch, fmt.Errorf("chain id %d, want %d", w.Domain.ChainID, network.ChainID))
	}
	if !sameAddress(w.Domain.VerifyingContract, g.Issuer.VerifyingContract()) {
		return wrapErr(ErrWitnessMismatch, errors.New("wrong verifying contract"))
	}
	if !sameAddress(m.To, g.Issuer.PayTo()) {
		return wrapErr(ErrWitnessMismatch, fmt.Errorf("payee %s is not the facilitator", m.To))
	}
	if !sameAddress(m.Token, g.Issuer.Token()) {
		return wrapErr(ErrWitnessMismatch, fmt.Errorf("token %s is not accepted", m.Token))
	}
	price, _ := g.Issuer.Price(env.Action)
	amount, err := units.ParseWei(m.Amount)
	if err != nil || amount.Cmp(price) < 0 {
		return wrapErr(ErrWitnessMismatch, fmt.Errorf("amount %s below price %s", m.Amount, price))
	}
	return nil
}

func (g *Gate) challenge(w http.ResponseWriter, log *slog.Logger, env Envelope, network Network, rejected error) {
	witness, err := g.Issuer.Issue(env.Action, strings.TrimSpace(env.Principal), network)
	if err != nil {
		log.Error("witness issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not issue payment challenge")
		return
	}
	details := g.Issuer.Details(network, witness)
	w.Header().Set(PaymentRequiredHeader, encodeDetailsHeader(details))
	w.Header().Set("X-Payment-Required", "true")
	w.Header().Set("X-Payment-Amount", details.Amount)
	w.Header().Set("X-Payment-Network", details.NetworkID)
	writeJSON(w, http.StatusPaymentRequired, NewPaymentRequired(details, rejected))
}

func sameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
