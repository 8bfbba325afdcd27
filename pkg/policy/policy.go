// Package policy implements the request-side policy checks that run before
// any paid work: identity, deny-list and a projected spend cap for actions
// that spend on-chain resources.
//
// Rules are applied in order and the first failing rule wins:
//
//  1. a principal is required (UNAUTHENTICATED)
//  2. the principal must not be deny-listed, compared case-insensitively (DENYLISTED)
//  3. chain-spending actions must project below the spend cap (SPEND_CAP_EXCEEDED)
//
// The spend cap reads a live gas price. When that read fails the engine
// allows the request if FailOpenOnOracleError is set, trading safety for
// availability, and logs a warning every time it does so.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/siddimore/q402-agent-gate/pkg/units"
)

// Reason is a machine-readable policy outcome.
type Reason string

const (
	ReasonOK                Reason = "OK"
	ReasonUnauthenticated   Reason = "UNAUTHENTICATED"
	ReasonDenylisted        Reason = "DENYLISTED"
	ReasonSpendCapExceeded  Reason = "SPEND_CAP_EXCEEDED"
	ReasonOracleUnavailable Reason = "ORACLE_UNAVAILABLE"
)

// DefaultGasLimit is the conservative gas consumption assumed for a contract
// deployment.
const DefaultGasLimit uint64 = 3_000_000

// DefaultSpendCapWei is 0.05 native units.
var DefaultSpendCapWei = units.MustParseEther("0.05")

// Decision is the result of evaluating one request.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string

	// Estimate is set when the spend cap rule consulted the oracle.
	Estimate *GasEstimate
}

// GasEstimate is the projected cost of a chain-spending action.
type GasEstimate struct {
	UnitPriceWei *big.Int
	GasLimit     uint64
}

// Cost returns UnitPriceWei * GasLimit in wei.
func (g GasEstimate) Cost() *big.Int {
	if g.UnitPriceWei == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(g.UnitPriceWei, new(big.Int).SetUint64(g.GasLimit))
}

// Request carries the parts of the incoming request the rules look at.
type Request struct {
	// Network is the target network identifier passed to the oracle.
	Network string
	// Symbol names the native unit in human-readable messages.
	Symbol string
}

// Config is read-only after NewEngine returns.
type Config struct {
	// DenyList holds blocked principal identifiers in any casing.
	DenyList []string

	// ChainSpendingActions are subject to the spend cap. Defaults to "deploy".
	ChainSpendingActions []string

	// GasLimit is the assumed gas consumption. Defaults to DefaultGasLimit.
	GasLimit uint64

	// SpendCapWei is the projected cost ceiling. Defaults to DefaultSpendCapWei.
	SpendCapWei *big.Int

	// FailOpenOnOracleError allows chain-spending requests when the gas price
	// cannot be read. When false such requests are rejected.
	FailOpenOnOracleError bool
}

// Engine evaluates requests. It is safe for concurrent use.
type Engine struct {
	deny          map[string]struct{}
	chainSpending map[string]struct{}
	gasLimit      uint64
	capWei        *big.Int
	failOpen      bool
	oracle        Oracle
	logger        *slog.Logger
}

// NewEngine builds an Engine from cfg. oracle may be nil when no action is
// chain-spending.
func NewEngine(cfg Config, oracle Oracle, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		deny:          make(map[string]struct{}, len(cfg.DenyList)),
		chainSpending: make(map[string]struct{}),
		gasLimit:      cfg.GasLimit,
		capWei:        cfg.SpendCapWei,
		failOpen:      cfg.FailOpenOnOracleError,
		oracle:        oracle,
		logger:        logger,
	}
	for _, p := range cfg.DenyList {
		if c := Canonical(p); c != "" {
			e.deny[c] = struct{}{}
		}
	}
	actions := cfg.ChainSpendingActions
	if len(actions) == 0 {
		actions = []string{"deploy"}
	}
	for _, a := range actions {
		e.chainSpending[NormalizeAction(a)] = struct{}{}
	}
	if e.gasLimit == 0 {
		e.gasLimit = DefaultGasLimit
	}
	if e.capWei == nil {
		e.capWei = new(big.Int).Set(DefaultSpendCapWei)
	}
	return e
}

// Canonical returns the comparison form of a principal identifier.
func Canonical(principal string) string {
	return strings.ToLower(strings.TrimSpace(principal))
}

// NormalizeAction returns the comparison form of an action name. Every
// component that classifies or dispatches actions must use it.
func NormalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// IsChainSpending reports whether action is subject to the spend cap.
func (e *Engine) IsChainSpending(action string) bool {
	_, ok := e.chainSpending[NormalizeAction(action)]
	return ok
}

// Evaluate applies the rules in order. Apart from the oracle read it has no
// side effects.
func (e *Engine) Evaluate(ctx context.Context, principal, action string, req Request) Decision {
	action = NormalizeAction(action)
	if d := e.CheckPrincipal(principal, action); !d.Allowed {
		return d
	}
	if !e.IsChainSpending(action) {
		return Decision{Allowed: true, Reason: ReasonOK}
	}
	return e.checkSpendCap(ctx, Canonical(principal), action, req)
}

// CheckPrincipal applies the identity rules only: authentication, then the
// deny list.
func (e *Engine) CheckPrincipal(principal, action string) Decision {
	canonical := Canonical(principal)
	if canonical == "" {
		return deny(ReasonUnauthenticated, "Policy Violation: No authenticated wallet found.")
	}
	if _, blocked := e.deny[canonical]; blocked {
		e.logger.Info("policy: principal is deny-listed", "principal", canonical, "action", action)
		return deny(ReasonDenylisted, "Policy Violation: Wallet Address is Denylisted.")
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

func (e *Engine) checkSpendCap(ctx context.Context, principal, action string, req Request) Decision {
	symbol := req.Symbol
	if symbol == "" {
		symbol = "native"
	}

	var price *big.Int
	var err error
	if e.oracle == nil {
		err = fmt.Errorf("no gas price oracle configured")
	} else {
		price, err = e.oracle.GasPrice(ctx, req.Network)
	}
	if err != nil {
		if e.failOpen {
			e.logger.Warn("policy: gas price oracle failed, spend cap skipped (fail-open)",
				"principal", principal, "action", action, "network", req.Network, "error", err)
			return Decision{Allowed: true, Reason: ReasonOK}
		}
		e.logger.Warn("policy: gas price oracle failed, rejecting (fail-closed)",
			"principal", principal, "action", action, "network", req.Network, "error", err)
		return deny(ReasonOracleUnavailable, "Policy Violation: Spend Cap could not be evaluated.")
	}

	est := &GasEstimate{UnitPriceWei: price, GasLimit: e.gasLimit}
	cost := est.Cost()
	e.logger.Info("policy: estimated cost",
		"action", action, "network", req.Network,
		"cost", units.FormatEther(cost, 5), "cap", units.FormatEther(e.capWei, 5))

	if cost.Cmp(e.capWei) > 0 {
		d := deny(ReasonSpendCapExceeded,
			fmt.Sprintf("Policy Violation: Spend Cap Exceeded. Cost: %s %s.", units.FormatEther(cost, 4), symbol))
		d.Estimate = est
		return d
	}
	return Decision{Allowed: true, Reason: ReasonOK, Estimate: est}
}

func deny(reason Reason, msg string) Decision {
	return Decision{Allowed: false, Reason: reason, Message: msg}
}
