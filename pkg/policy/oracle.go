package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Oracle reports the current unit gas price of a network in wei.
type Oracle interface {
	GasPrice(ctx context.Context, network string) (*big.Int, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, network string) (*big.Int, error)

func (f OracleFunc) GasPrice(ctx context.Context, network string) (*big.Int, error) {
	return f(ctx, network)
}

// RPCOracle reads eth_gasPrice from a JSON-RPC endpoint per network.
type RPCOracle struct {
	// Endpoints maps network identifiers to RPC URLs.
	Endpoints map[string]string

	// Timeout bounds a single call. Defaults to 5 seconds.
	Timeout time.Duration

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewRPCOracle creates an oracle over the given endpoints.
func NewRPCOracle(endpoints map[string]string, timeout time.Duration) *RPCOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCOracle{
		Endpoints: endpoints,
		Timeout:   timeout,
		clients:   make(map[string]*rpc.Client),
	}
}

// GasPrice calls eth_gasPrice on the network's endpoint.
func (o *RPCOracle) GasPrice(ctx context.Context, network string) (*big.Int, error) {
	client, err := o.client(ctx, network)
	if err != nil {
		return nil, err
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result hexutil.Big
	if err := client.CallContext(callCtx, &result, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("eth_gasPrice on %s: %w", network, err)
	}
	price := (*big.Int)(&result)
	if price.Sign() < 0 {
		return nil, fmt.Errorf("eth_gasPrice on %s: negative price", network)
	}
	return price, nil
}

func (o *RPCOracle) client(ctx context.Context, network string) (*rpc.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.clients[network]; ok {
		return c, nil
	}
	url, ok := o.Endpoints[network]
	if !ok || url == "" {
		return nil, fmt.Errorf("no RPC endpoint for network %q", network)
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s RPC: %w", network, err)
	}
	if o.clients == nil {
		o.clients = make(map[string]*rpc.Client)
	}
	o.clients[network] = c
	return c, nil
}

// Close releases all RPC clients.
func (o *RPCOracle) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for network, c := range o.clients {
		c.Close()
		delete(o.clients, network)
	}
}
