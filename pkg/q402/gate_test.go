package q402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/siddimore/q402-agent-gate/pkg/policy"
)

const deniedWallet = "0xdead00000000000000000000000000000000beef"

type gateFixture struct {
	gate     *Gate
	payer    *ecdsa.PrivateKey
	metering *InMemoryMeteringStore
	handler  http.Handler

	calls    int
	lastBody []byte
	proof    *SettlementProof
}

func newGateFixture(t *testing.T, gasPrice int64) *gateFixture {
	t.Helper()
	facilitator := NewKeyAttester(mustKey(t))
	oracle := policy.OracleFunc(func(ctx context.Context, network string) (*big.Int, error) {
		return big.NewInt(gasPrice), nil
	})

	f := &gateFixture{
		payer:    mustKey(t),
		metering: NewInMemoryMeteringStore(100),
	}
	f.gate = &Gate{
		Policy: policy.NewEngine(policy.Config{
			DenyList:              []string{deniedWallet},
			FailOpenOnOracleError: true,
		}, oracle, quietLogger()),
		Networks:       NewNetworkRegistry(DefaultNetworks()...),
		Issuer:         testIssuer(facilitator.Address().Hex()),
		Verifier:       NewVerifier(),
		Settler:        NewSettler(SettlerConfig{}, facilitator, quietLogger()),
		Replay:         NewMemoryReplayGuard(100),
		Metering:       f.metering,
		DefaultNetwork: "bsc-testnet",
		Logger:         quietLogger(),
	}
	f.rebuild()
	return f
}

// rebuild wraps the terminal handler after gate fields change
func (f *gateFixture) rebuild() {
	f.handler = f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		f.lastBody, _ = io.ReadAll(r.Body)
		f.proof, _ = ProofFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}))
}

func (f *gateFixture) post(t *testing.T, body map[string]string, payment string) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/agent", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(PaymentHeader, payment)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *gateFixture) body(action string) map[string]string {
	return map[string]string{
		"action":      action,
		"userAddress": addressOf(f.payer),
		"network":     "testnet",
		"code":        "contract C {}",
	}
}

// pay requests a challenge and answers it with a signed header
func (f *gateFixture) pay(t *testing.T, action string) string {
	t.Helper()
	w := f.post(t, f.body(action), "")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d: %s", w.Code, w.Body.String())
	}
	var resp PaymentRequiredResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	header, err := EncodePaymentHeader(&SignedPayment{
		WitnessSignature: signWitness(t, f.payer, resp.PaymentDetails.Witness),
		PaymentDetails:   resp.PaymentDetails,
	})
	if err != nil {
		t.Fatalf("EncodePaymentHeader: %v", err)
	}
	return header
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	return body.Error
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) PaymentRequiredResponse {
	t.Helper()
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d: %s", w.Code, w.Body.String())
	}
	var resp PaymentRequiredResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestGate_FreeActionPassesThrough(t *testing.T) {
	f := newGateFixture(t, 1)

	w := f.post(t, f.body("generate"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if f.calls != 1 {
		t.Errorf("Expected handler to run once, got %d", f.calls)
	}
	if !bytes.Contains(f.lastBody, []byte(`"code":"contract C {}"`)) {
		t.Errorf("Expected body to reach the handler intact, got %s", f.lastBody)
	}
	if f.proof != nil {
		t.Error("Expected no settlement proof for a free action")
	}
}

// Scenario C: paid action without payment header is challenged.
func TestGate_ChallengeWithoutPayment(t *testing.T) {
	f := newGateFixture(t, 1)

	w := f.post(t, f.body("audit"), "")
	resp := decodeChallenge(t, w)

	if resp.Error != "Payment Required" {
		t.Errorf("Expected error 'Payment Required', got %q", resp.Error)
	}
	wit := resp.PaymentDetails.Witness
	if wit == nil || wit.PrimaryType != PrimaryType {
		t.Fatalf("Expected witness with primary type, got %+v", wit)
	}
	if d := wit.Message.Deadline - time.Now().Unix(); d < 3590 || d > 3600 {
		t.Errorf("Expected deadline about 3600s ahead, got %d", d)
	}
	if !strings.EqualFold(wit.Message.Owner, addressOf(f.payer)) {
		t.Errorf("Expected owner %s, got %s", addressOf(f.payer), wit.Message.Owner)
	}
	if resp.PaymentDetails.NetworkID != "bsc-testnet" || resp.PaymentDetails.Scheme != SchemeWitness {
		t.Errorf("Unexpected details %+v", resp.PaymentDetails)
	}
	if w.Header().Get("X-Payment-Required") != "true" {
		t.Error("Expected X-Payment-Required header")
	}

	raw, err := base64.StdEncoding.DecodeString(w.Header().Get(PaymentRequiredHeader))
	if err != nil {
		t.Fatalf("Expected base64 %s header: %v", PaymentRequiredHeader, err)
	}
	var details PaymentDetails
	if err := json.Unmarshal(raw, &details); err != nil || details.Amount != auditPrice.String() {
		t.Errorf("Expected header details with amount %s, got %+v (%v)", auditPrice, details, err)
	}
	if f.calls != 0 {
		t.Error("Expected handler not to run")
	}
}

// Scenario D: a correctly signed retry is verified, settled and served.
func TestGate_SignedRetrySettles(t *testing.T) {
	f := newGateFixture(t, 1)

	header := f.pay(t, "audit")
	w := f.post(t, f.body("audit"), header)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(PaymentVerifiedHeader) != "true" {
		t.Error("Expected X-Payment-Verified header")
	}
	if w.Header().Get(PaymentTimeHeader) == "" {
		t.Error("Expected X-Payment-Timestamp header")
	}
	if f.proof == nil {
		t.Fatal("Expected settlement proof in handler context")
	}
	if w.Header().Get(SettlementRefHeader) != f.proof.Reference {
		t.Errorf("Expected reference header %s, got %s", f.proof.Reference, w.Header().Get(SettlementRefHeader))
	}
	if !bytes.Contains(f.lastBody, []byte(`"action":"audit"`)) {
		t.Errorf("Expected body to reach the handler intact, got %s", f.lastBody)
	}

	report, _ := f.metering.GetMetrics(MetricsFilter{})
	if report.TotalSettlements != 1 || report.TotalRevenueWei != auditPrice.String() {
		t.Errorf("Expected one metered settlement, got %+v", report)
	}
}

// Scenario A: deploy under the spend cap reaches the payment step.
func TestGate_DeployUnderSpendCap(t *testing.T) {
	f := newGateFixture(t, 3_333_333_333)

	w := f.post(t, f.body("deploy"), "")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d: %s", w.Code, w.Body.String())
	}
}

// Scenario B: deploy over the spend cap is rejected before any challenge.
func TestGate_DeployOverSpendCap(t *testing.T) {
	f := newGateFixture(t, 66_666_666_667)

	w := f.post(t, f.body("deploy"), "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", w.Code)
	}
	if msg := decodeError(t, w); !strings.HasPrefix(msg, "Policy Violation: Spend Cap Exceeded") {
		t.Errorf("Expected spend cap message, got %q", msg)
	}
}

func TestGate_PolicyRejections(t *testing.T) {
	f := newGateFixture(t, 1)

	tests := []struct {
		name    string
		address string
		want    string
	}{
		{"denylisted upper case", "0xDEAD00000000000000000000000000000000BEEF", "Policy Violation: Wallet Address is Denylisted."},
		{"denylisted mixed case", "0xDeAd00000000000000000000000000000000bEeF", "Policy Violation: Wallet Address is Denylisted."},
		{"unauthenticated", "", "Policy Violation: No authenticated wallet found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := f.body("audit")
			body["userAddress"] = tt.address
			w := f.post(t, body, "")
			if w.Code != http.StatusForbidden {
				t.Fatalf("Expected status 403, got %d", w.Code)
			}
			if msg := decodeError(t, w); msg != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, msg)
			}
		})
	}
	if f.calls != 0 {
		t.Errorf("Expected handler never to run, got %d", f.calls)
	}
}

func TestGate_ReplayRejected(t *testing.T) {
	f := newGateFixture(t, 1)
	header := f.pay(t, "audit")

	if w := f.post(t, f.body("audit"), header); w.Code != http.StatusOK {
		t.Fatalf("Expected first use to succeed, got %d", w.Code)
	}
	resp := decodeChallenge(t, f.post(t, f.body("audit"), header))
	if resp.Reason != CodePaymentReplayed {
		t.Errorf("Expected PAYMENT_REPLAYED, got %s", resp.Reason)
	}
	if f.calls != 1 {
		t.Errorf("Expected handler to run once, got %d", f.calls)
	}
}

// Without a replay guard an identical signed payload is accepted until its
// deadline. This documents the gap rather than endorsing it.
func TestGate_ReplayGapWithoutGuard(t *testing.T) {
	f := newGateFixture(t, 1)
	f.gate.Replay = nil
	f.rebuild()
	header := f.pay(t, "audit")

	for i := 0; i < 2; i++ {
		if w := f.post(t, f.body("audit"), header); w.Code != http.StatusOK {
			t.Fatalf("Attempt %d: expected status 200 without a guard, got %d", i+1, w.Code)
		}
	}
	if f.calls != 2 {
		t.Errorf("Expected handler to run twice, got %d", f.calls)
	}
}

type brokenGuard struct{}

func (brokenGuard) Consume(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestGate_ReplayGuardFailureFailsClosed(t *testing.T) {
	f := newGateFixture(t, 1)
	f.gate.Replay = brokenGuard{}
	f.rebuild()

	w := f.post(t, f.body("audit"), f.pay(t, "audit"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if f.calls != 0 {
		t.Error("Expected handler not to run")
	}
}

func TestGate_ExpiredWitnessRechallenged(t *testing.T) {
	f := newGateFixture(t, 1)
	header := f.pay(t, "audit")
	f.gate.Verifier.now = fixedClock(time.Now().Add(2 * time.Hour))

	resp := decodeChallenge(t, f.post(t, f.body("audit"), header))
	if resp.Reason != CodeExpiredWitness {
		t.Errorf("Expected EXPIRED_WITNESS, got %s", resp.Reason)
	}
	if resp.PaymentDetails.Witness == nil {
		t.Error("Expected a fresh witness with the re-challenge")
	}
}

func TestGate_TamperedPaymentRechallenged(t *testing.T) {
	f := newGateFixture(t, 1)
	header := f.pay(t, "audit")
	sp, _ := DecodePaymentHeader(header)
	sp.Witness().Message.Amount = "1000000000000000000"
	tampered, _ := EncodePaymentHeader(sp)

	resp := decodeChallenge(t, f.post(t, f.body("audit"), tampered))
	if resp.Reason != CodeInvalidSignature {
		t.Errorf("Expected INVALID_SIGNATURE, got %s", resp.Reason)
	}
}

func TestGate_MalformedHeaderRechallenged(t *testing.T) {
	f := newGateFixture(t, 1)

	resp := decodeChallenge(t, f.post(t, f.body("audit"), "not-a-payment"))
	if resp.Reason != CodeMalformedPayment {
		t.Errorf("Expected MALFORMED_PAYMENT, got %s", resp.Reason)
	}
}

func TestGate_WitnessMismatch(t *testing.T) {
	f := newGateFixture(t, 1)

	t.Run("paid for a cheaper action", func(t *testing.T) {
		header := f.pay(t, "audit")
		resp := decodeChallenge(t, f.post(t, f.body("deploy"), header))
		if resp.Reason != CodeWitnessMismatch {
			t.Errorf("Expected WITNESS_MISMATCH, got %s", resp.Reason)
		}
	})

	t.Run("someone else's witness", func(t *testing.T) {
		header := f.pay(t, "audit")
		body := f.body("audit")
		body["userAddress"] = addressOf(mustKey(t))
		resp := decodeChallenge(t, f.post(t, body, header))
		if resp.Reason != CodeWitnessMismatch {
			t.Errorf("Expected WITNESS_MISMATCH, got %s", resp.Reason)
		}
	})

	t.Run("other network", func(t *testing.T) {
		header := f.pay(t, "audit")
		body := f.body("audit")
		body["network"] = "mainnet"
		resp := decodeChallenge(t, f.post(t, body, header))
		if resp.Reason != CodeWitnessMismatch {
			t.Errorf("Expected WITNESS_MISMATCH, got %s", resp.Reason)
		}
	})

	t.Run("self-issued witness paying someone else", func(t *testing.T) {
		w, _ := testIssuer("0x2222222222222222222222222222222222222222").Issue("audit", addressOf(f.payer), testNetwork())
		header, _ := EncodePaymentHeader(&SignedPayment{
			WitnessSignature: signWitness(t, f.payer, w),
			PaymentDetails:   f.gate.Issuer.Details(testNetwork(), w),
		})
		resp := decodeChallenge(t, f.post(t, f.body("audit"), header))
		if resp.Reason != CodeWitnessMismatch {
			t.Errorf("Expected WITNESS_MISMATCH, got %s", resp.Reason)
		}
	})

	if f.calls != 0 {
		t.Errorf("Expected handler never to run, got %d", f.calls)
	}
}

func TestGate_SettlementCeilingRejects(t *testing.T) {
	f := newGateFixture(t, 1)
	f.gate.Settler = NewSettler(SettlerConfig{MaxAmountWei: big.NewInt(1)}, NewKeyAttester(mustKey(t)), quietLogger())
	f.rebuild()

	w := f.post(t, f.body("audit"), f.pay(t, "audit"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
	if f.calls != 0 {
		t.Error("Expected handler not to run")
	}
}

type failingAttester struct{ Attester }

func (failingAttester) SignHash([]byte) ([]byte, error) { return nil, errors.New("signer offline") }

func TestGate_SettlementFailureReturns500(t *testing.T) {
	f := newGateFixture(t, 1)
	f.gate.Settler = NewSettler(SettlerConfig{}, failingAttester{NewKeyAttester(mustKey(t))}, quietLogger())
	f.rebuild()

	w := f.post(t, f.body("audit"), f.pay(t, "audit"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "Settlement failed" {
		t.Errorf("Expected 'Settlement failed', got %q", msg)
	}

	// the gate keeps serving
	if w := f.post(t, f.body("generate"), ""); w.Code != http.StatusOK {
		t.Errorf("Expected gate to keep serving, got %d", w.Code)
	}
}

func TestGate_BadRequests(t *testing.T) {
	f := newGateFixture(t, 1)

	body := f.body("audit")
	body["network"] = "solana"
	if w := f.post(t, body, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown network, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/agent", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid JSON, got %d", w.Code)
	}

	body = f.body("audit")
	body["userAddress"] = "alice"
	if w := f.post(t, body, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-address payer, got %d", w.Code)
	}
}

func TestGate_DefaultNetwork(t *testing.T) {
	f := newGateFixture(t, 1)
	body := f.body("audit")
	delete(body, "network")

	resp := decodeChallenge(t, f.post(t, body, ""))
	if resp.PaymentDetails.Witness.Domain.ChainID != 97 {
		t.Errorf("Expected default network chain id 97, got %d", resp.PaymentDetails.Witness.Domain.ChainID)
	}
}

func TestGate_ActionNameVariants(t *testing.T) {
	t.Run("mixed case deploy over the cap", func(t *testing.T) {
		f := newGateFixture(t, 66_666_666_667)
		w := f.post(t, f.body("Deploy"), "")
		if w.Code != http.StatusForbidden {
			t.Fatalf("Expected status 403, got %d", w.Code)
		}
		if msg := decodeError(t, w); !strings.HasPrefix(msg, "Policy Violation: Spend Cap Exceeded") {
			t.Errorf("Expected spend cap message, got %q", msg)
		}
	})

	for _, action := range []string{" deploy", "AUDIT ", "\taudit"} {
		t.Run("padded "+strings.TrimSpace(action), func(t *testing.T) {
			f := newGateFixture(t, 1)
			resp := decodeChallenge(t, f.post(t, f.body(action), ""))
			if resp.PaymentDetails.Witness == nil {
				t.Error("Expected a witness")
			}
			if f.calls != 0 {
				t.Error("Expected handler not to run without payment")
			}
		})
	}

	t.Run("padded action pays the normalized price", func(t *testing.T) {
		f := newGateFixture(t, 1)
		w := f.post(t, f.body(" Audit"), f.pay(t, "audit"))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		report, _ := f.metering.GetMetrics(MetricsFilter{})
		if len(report.ByAction) != 1 || report.ByAction[0].Action != "audit" {
			t.Errorf("Expected settlement metered under audit, got %+v", report.ByAction)
		}
	})
}

func TestGate_IdentityCheckedBeforeNetwork(t *testing.T) {
	f := newGateFixture(t, 1)

	body := f.body("audit")
	body["network"] = "solana"
	delete(body, "userAddress")
	w := f.post(t, body, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "Policy Violation: No authenticated wallet found." {
		t.Errorf("Expected unauthenticated message, got %q", msg)
	}

	body["userAddress"] = deniedWallet
	if w := f.post(t, body, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for deny-listed wallet, got %d", w.Code)
	}
}

func TestGate_FullReplayGuardFailsClosed(t *testing.T) {
	f := newGateFixture(t, 1)
	f.gate.Replay = NewMemoryReplayGuard(1)
	f.rebuild()

	if w := f.post(t, f.body("audit"), f.pay(t, "audit")); w.Code != http.StatusOK {
		t.Fatalf("Expected first payment to settle, got %d", w.Code)
	}
	w := f.post(t, f.body("audit"), f.pay(t, "audit"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when the guard is full, got %d", w.Code)
	}
	if f.calls != 1 {
		t.Errorf("Expected handler to run once, got %d", f.calls)
	}
}
