package q402

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/siddimore/q402-agent-gate/pkg/units"
)

// Witness schema constants
const (
	PrimaryType   = "PaymentWitness"
	DomainName    = "q402"
	DomainVersion = "1"
)

// NativeToken is the token address used for native-unit payments
const NativeToken = "0x0000000000000000000000000000000000000000"

// TypedField is one named, typed member of an EIP-712 struct
type TypedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WitnessFields is the fixed schema of the PaymentWitness struct
func WitnessFields() []TypedField {
	return []TypedField{
		{Name: "owner", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "to", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "paymentId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	}
}

// Domain is the EIP-712 domain a witness is signed under
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// WitnessMessage is the payment being authorized.
// Amount and Nonce are base-10 integer strings; Deadline is unix seconds.
type WitnessMessage struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	To        string `json:"to"`
	Deadline  int64  `json:"deadline"`
	PaymentID string `json:"paymentId"`
	Nonce     string `json:"nonce"`
}

// Witness is the typed-data document a payer signs
type Witness struct {
	Domain      Domain                  `json:"domain"`
	Types       map[string][]TypedField `json:"types"`
	PrimaryType string                  `json:"primaryType"`
	Message     WitnessMessage          `json:"message"`
}

// PaymentDetails is what the gate advertises in a 402 and what the client echoes back
type PaymentDetails struct {
	Scheme    SchemeType `json:"scheme"`
	NetworkID string     `json:"networkId"`
	Amount    string     `json:"amount"`
	To        string     `json:"to"`
	Token     string     `json:"token"`
	Witness   *Witness   `json:"witness"`
}

// SignedPayment is the decoded X-PAYMENT header
type SignedPayment struct {
	WitnessSignature string          `json:"witnessSignature"`
	PaymentDetails   *PaymentDetails `json:"paymentDetails"`
}

// Witness returns the signed witness, or nil when details are missing
func (sp *SignedPayment) Witness() *Witness {
	if sp == nil || sp.PaymentDetails == nil {
		return nil
	}
	return sp.PaymentDetails.Witness
}

// TypedFields returns the ordered field list of the primary type
func (w *Witness) TypedFields() []TypedField {
	return w.Types[w.PrimaryType]
}

// CheckSchema reports whether the witness declares exactly the PaymentWitness schema
func (w *Witness) CheckSchema() error {
	if w.PrimaryType != PrimaryType {
		return fmt.Errorf("unexpected primary type %q", w.PrimaryType)
	}
	fields := w.TypedFields()
	if fields == nil {
		return fmt.Errorf("missing %s type", PrimaryType)
	}
	want := WitnessFields()
	if len(fields) != len(want) {
		return fmt.Errorf("%s declares %d fields, want %d", PrimaryType, len(fields), len(want))
	}
	for i := range want {
		if fields[i] != want[i] {
			return fmt.Errorf("field %d is %s %s, want %s %s", i, fields[i].Type, fields[i].Name, want[i].Type, want[i].Name)
		}
	}
	for name := range w.Types {
		if name != PrimaryType && name != "EIP712Domain" {
			return fmt.Errorf("unexpected type %q", name)
		}
	}
	return nil
}

// TypedData converts the witness to go-ethereum's EIP-712 representation
func (w *Witness) TypedData() apitypes.TypedData {
	domainFields := []apitypes.Type{}
	domain := apitypes.TypedDataDomain{}
	if w.Domain.Name != "" {
		domainFields = append(domainFields, apitypes.Type{Name: "name", Type: "string"})
		domain.Name = w.Domain.Name
	}
	if w.Domain.Version != "" {
		domainFields = append(domainFields, apitypes.Type{Name: "version", Type: "string"})
		domain.Version = w.Domain.Version
	}
	if w.Domain.ChainID != 0 {
		domainFields = append(domainFields, apitypes.Type{Name: "chainId", Type: "uint256"})
		domain.ChainId = math.NewHexOrDecimal256(w.Domain.ChainID)
	}
	if w.Domain.VerifyingContract != "" {
		domainFields = append(domainFields, apitypes.Type{Name: "verifyingContract", Type: "address"})
		domain.VerifyingContract = w.Domain.VerifyingContract
	}

	witnessFields := make([]apitypes.Type, 0, len(WitnessFields()))
	for _, f := range WitnessFields() {
		witnessFields = append(witnessFields, apitypes.Type{Name: f.Name, Type: f.Type})
	}

	m := w.Message
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			PrimaryType:    witnessFields,
		},
		PrimaryType: PrimaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"owner":     m.Owner,
			"token":     m.Token,
			"amount":    m.Amount,
			"to":        m.To,
			"deadline":  strconv.FormatInt(m.Deadline, 10),
			"paymentId": m.PaymentID,
			"nonce":     m.Nonce,
		},
	}
}

// SigningHash returns the EIP-712 digest the payer signs
func (w *Witness) SigningHash() ([]byte, error) {
	if w == nil {
		return nil, fmt.Errorf("nil witness")
	}
	if err := w.CheckSchema(); err != nil {
		return nil, err
	}
	if _, err := units.ParseWei(w.Message.Amount); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if _, err := units.ParseWei(w.Message.Nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if w.Message.Deadline < 0 {
		return nil, fmt.Errorf("negative deadline")
	}
	hash, _, err := apitypes.TypedDataAndHash(w.TypedData())
	if err != nil {
		return nil, err
	}
	return hash, nil
}

// OwnerAddress returns the witness owner as an address
func (w *Witness) OwnerAddress() (common.Address, error) {
	if !common.IsHexAddress(w.Message.Owner) {
		return common.Address{}, fmt.Errorf("owner %q is not an address", w.Message.Owner)
	}
	return common.HexToAddress(w.Message.Owner), nil
}
