// Package client performs gated requests, answering 402 challenges by
// signing the returned witness and retrying once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

// State is a step of the retry flow
type State string

const (
	StateInitial           State = "INITIAL"
	StateAwaitingSignature State = "AWAITING_SIGNATURE"
	StateRetrying          State = "RETRYING"
)

// Result is the final response of a gated request
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Paid is true when the request was retried with a signed payment
	Paid bool

	// State is the last state reached
	State State
}

// Settlement returns the reference of a settled payment, if any
func (r *Result) Settlement() string {
	return r.Header.Get(q402.SettlementRefHeader)
}

// Client sends actions to a q402-gated endpoint
type Client struct {
	endpoint string
	signer   Signer
	networks *q402.NetworkRegistry
	http     *http.Client
	logger   *slog.Logger
	onState  func(State)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithNetworks sets the registry used to map challenge networks to chain ids
func WithNetworks(r *q402.NetworkRegistry) Option {
	return func(c *Client) { c.networks = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStateHook is called on every state transition
func WithStateHook(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// New creates a Client posting to endpoint
func New(endpoint string, signer Signer, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		signer:   signer,
		networks: q402.NewNetworkRegistry(q402.DefaultNetworks()...),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do posts action with payload. On 402 it switches the signer to the
// challenge's network, signs the witness and retries exactly once. A
// declined signature returns ErrSignatureDeclined and is never retried.
func (c *Client) Do(ctx context.Context, action string, payload map[string]interface{}) (*Result, error) {
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action
	if _, ok := body["userAddress"]; !ok {
		body["userAddress"] = c.signer.Address()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.transition(StateInitial)
	res, err := c.send(ctx, raw, "")
	if err != nil {
		return nil, err
	}
	res.State = StateInitial
	if res.StatusCode != http.StatusPaymentRequired {
		return res, nil
	}

	c.transition(StateAwaitingSignature)
	var challenge q402.PaymentRequiredResponse
	if err := json.Unmarshal(res.Body, &challenge); err != nil {
		return nil, fmt.Errorf("decode payment challenge: %w", err)
	}
	details := challenge.PaymentDetails
	if details == nil || details.Witness == nil {
		return nil, errors.New("payment challenge carries no witness")
	}

	if err := c.ensureNetwork(ctx, details); err != nil {
		return nil, err
	}
	sig, err := c.signer.SignTypedData(ctx, details.Witness)
	if err != nil {
		if errors.Is(err, ErrSignatureDeclined) {
			c.logger.InfoContext(ctx, "payment signature declined", "action", action)
			return nil, ErrSignatureDeclined
		}
		return nil, fmt.Errorf("sign witness: %w", err)
	}

	header, err := q402.EncodePaymentHeader(&q402.SignedPayment{
		WitnessSignature: sig,
		PaymentDetails:   details,
	})
	if err != nil {
		return nil, err
	}

	c.transition(StateRetrying)
	res, err = c.send(ctx, raw, header)
	if err != nil {
		return nil, err
	}
	res.Paid = true
	res.State = StateRetrying
	c.logger.DebugContext(ctx, "gated request retried",
		"action", action,
		"status", res.StatusCode,
		"payment_id", details.Witness.Message.PaymentID)
	return res, nil
}

func (c *Client) ensureNetwork(ctx context.Context, details *q402.PaymentDetails) error {
	network, ok := c.networks.Lookup(details.NetworkID)
	if !ok {
		return fmt.Errorf("network %q: %w", details.NetworkID, ErrUnknownNetwork)
	}
	active, err := c.signer.ActiveChainID(ctx)
	if err != nil {
		return fmt.Errorf("read active chain: %w", err)
	}
	if active == network.ChainID {
		return nil
	}
	if err := c.signer.SwitchChain(ctx, network.ChainID); err != nil {
		if errors.Is(err, ErrUnknownNetwork) {
			return err
		}
		return fmt.Errorf("switch to chain %d: %w", network.ChainID, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, body []byte, payment string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(q402.PaymentHeader, payment)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) transition(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
