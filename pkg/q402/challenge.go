package q402

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/siddimore/q402-agent-gate/internal/randx"
	"github.com/siddimore/q402-agent-gate/pkg/policy"
)

// DefaultWitnessTTL is how long an issued witness stays signable
const DefaultWitnessTTL = time.Hour

// IssuerConfig configures witness issuance
type IssuerConfig struct {
	// PayTo is the facilitator address that receives payments
	PayTo string

	// VerifyingContract goes into the witness domain. Defaults to PayTo.
	VerifyingContract string

	// Token is the payment token address. Defaults to NativeToken.
	Token string

	// Prices maps each paid action to its price in wei.
	// Actions not listed are free.
	Prices map[string]*big.Int

	// TTL is the witness validity window. Defaults to DefaultWitnessTTL.
	TTL time.Duration
}

// Issuer builds unsigned payment witnesses for paid actions
type Issuer struct {
	cfg    IssuerConfig
	now    func() time.Time
	nextID func() (string, error)
}

// NewIssuer creates an Issuer
func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.VerifyingContract == "" {
		cfg.VerifyingContract = cfg.PayTo
	}
	if cfg.Token == "" {
		cfg.Token = NativeToken
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultWitnessTTL
	}
	prices := make(map[string]*big.Int, len(cfg.Prices))
	for action, p := range cfg.Prices {
		prices[policy.NormalizeAction(action)] = new(big.Int).Set(p)
	}
	cfg.Prices = prices
	return &Issuer{
		cfg:    cfg,
		now:    time.Now,
		nextID: randx.Hex32,
	}
}

// PayTo returns the facilitator address payments must be made to
func (i *Issuer) PayTo() string { return i.cfg.PayTo }

// VerifyingContract returns the domain's verifying contract
func (i *Issuer) VerifyingContract() string { return i.cfg.VerifyingContract }

// Token returns the payment token address
func (i *Issuer) Token() string { return i.cfg.Token }

// IsPaid reports whether action requires payment
func (i *Issuer) IsPaid(action string) bool {
	_, ok := i.cfg.Prices[policy.NormalizeAction(action)]
	return ok
}

// Price returns the price of action in wei
func (i *Issuer) Price(action string) (*big.Int, bool) {
	p, ok := i.cfg.Prices[policy.NormalizeAction(action)]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(p), true
}

// Issue builds a fresh witness for principal paying for action on network.
// Every call draws a new payment id, so no two witnesses collide.
func (i *Issuer) Issue(action, principal string, network Network) (*Witness, error) {
	price, ok := i.Price(action)
	if !ok {
		return nil, fmt.Errorf("action %q is not a paid action", action)
	}
	paymentID, err := i.nextID()
	if err != nil {
		return nil, fmt.Errorf("payment id: %w", err)
	}

	now := i.now()
	return &Witness{
		Domain: Domain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainID:           network.ChainID,
			VerifyingContract: i.cfg.VerifyingContract,
		},
		Types:       map[string][]TypedField{PrimaryType: WitnessFields()},
		PrimaryType: PrimaryType,
		Message: WitnessMessage{
			Owner:     principal,
			Token:     i.cfg.Token,
			Amount:    price.String(),
			To:        i.cfg.PayTo,
			Deadline:  now.Add(i.cfg.TTL).Unix(),
			PaymentID: paymentID,
			Nonce:     strconv.FormatInt(now.UnixMilli(), 10),
		},
	}, nil
}

// Details wraps a witness into the advertised payment details
func (i *Issuer) Details(network Network, w *Witness) *PaymentDetails {
	return &PaymentDetails{
		Scheme:    SchemeWitness,
		NetworkID: string(network.ID),
		Amount:    w.Message.Amount,
		To:        w.Message.To,
		Token:     w.Message.Token,
		Witness:   w,
	}
}

// PaymentRequiredResponse is the 402 body
type PaymentRequiredResponse struct {
	Error          string          `json:"error"`
	Code           Code            `json:"code"`
	Reason         Code            `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	PaymentDetails *PaymentDetails `json:"paymentDetails"`
}

// NewPaymentRequired builds a 402 body. reason is set when a previous
// payment attempt was rejected.
func NewPaymentRequired(details *PaymentDetails, rejected error) *PaymentRequiredResponse {
	resp := &PaymentRequiredResponse{
		Error:          "Payment Required",
		Code:           CodePaymentRequired,
		PaymentDetails: details,
	}
	if rejected != nil {
		resp.Reason = CodeOf(rejected)
		resp.Message = MessageOf(rejected)
	}
	return resp
}
