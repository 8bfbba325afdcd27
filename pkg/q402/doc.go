// Package q402 gates agent actions behind EIP-712 signed payment witnesses.
//
// A paid action without an X-PAYMENT header is answered with HTTP 402 and a
// fresh PaymentWitness. The client signs the witness and retries; the gate
// verifies the signature and deadline, binds the witness to the request,
// settles it through the facilitator and only then calls the wrapped handler.
//
// Basic usage:
//
//	gate := &q402.Gate{
//	    Policy:   policy.NewEngine(policyCfg, oracle, logger),
//	    Networks: q402.NewNetworkRegistry(q402.DefaultNetworks()...),
//	    Issuer:   q402.NewIssuer(q402.IssuerConfig{PayTo: facilitator, Prices: prices}),
//	    Verifier: q402.NewVerifier(),
//	    Settler:  q402.NewSettler(q402.SettlerConfig{}, attester, logger),
//	    Replay:   q402.NewMemoryReplayGuard(0),
//	}
//	http.Handle("/api/agent", gate.Middleware(agentHandler))
//
// Handlers behind the gate read the settlement with ProofFromContext.
package q402
