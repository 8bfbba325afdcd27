package q402

import (
	"sort"
	"sync"
)

// SchemeType identifies the payment scheme advertised in 402 responses
type SchemeType string

const (
	// SchemeWitness is an EIP-712 signed payment witness settled by a facilitator
	SchemeWitness SchemeType = "q402-witness"
)

// NetworkType is a network identifier such as "bsc-testnet"
type NetworkType string

const (
	NetworkBSCMainnet NetworkType = "bsc-mainnet"
	NetworkBSCTestnet NetworkType = "bsc-testnet"
)

// Network describes a chain the gate can issue witnesses for
type Network struct {
	ID      NetworkType `json:"id" yaml:"id"`
	Alias   string      `json:"alias,omitempty" yaml:"alias"`     // short name used by clients, e.g. "testnet"
	ChainID int64       `json:"chainId" yaml:"chain_id"`          // EIP-155 chain id bound into the witness domain
	Name    string      `json:"name,omitempty" yaml:"name"`       // display name
	RPCURL  string      `json:"-" yaml:"rpc_url"`                 // JSON-RPC endpoint for gas price reads
	Symbol  string      `json:"symbol,omitempty" yaml:"symbol"`   // native unit symbol
	Flag    string      `json:"-" yaml:"deploy_flag,omitempty"` // deployer network name, e.g. "bscTestnet"
}

// DefaultNetworks returns BNB Smart Chain mainnet and testnet
func DefaultNetworks() []Network {
	return []Network{
		{
			ID:      NetworkBSCTestnet,
			Alias:   "testnet",
			ChainID: 97,
			Name:    "BNB Smart Chain Testnet",
			RPCURL:  "https://data-seed-prebsc-1-s1.binance.org:8545/",
			Symbol:  "tBNB",
			Flag:    "bscTestnet",
		},
		{
			ID:      NetworkBSCMainnet,
			Alias:   "mainnet",
			ChainID: 56,
			Name:    "BNB Smart Chain",
			RPCURL:  "https://bsc-dataseed.binance.org/",
			Symbol:  "BNB",
			Flag:    "bscMainnet",
		},
	}
}

// NetworkRegistry resolves networks by identifier, alias or chain id
type NetworkRegistry struct {
	mu      sync.RWMutex
	byID    map[NetworkType]Network
	byAlias map[string]NetworkType
	byChain map[int64]NetworkType
}

// NewNetworkRegistry creates a registry holding the given networks
func NewNetworkRegistry(networks ...Network) *NetworkRegistry {
	r := &NetworkRegistry{
		byID:    make(map[NetworkType]Network),
		byAlias: make(map[string]NetworkType),
		byChain: make(map[int64]NetworkType),
	}
	for _, n := range networks {
		r.Register(n)
	}
	return r
}

// Register adds or replaces a network
func (r *NetworkRegistry) Register(n Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[n.ID] = n
	if n.Alias != "" {
		r.byAlias[n.Alias] = n.ID
	}
	r.byChain[n.ChainID] = n.ID
}

// Lookup finds a network by identifier or alias
func (r *NetworkRegistry) Lookup(name string) (Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.byID[NetworkType(name)]; ok {
		return n, true
	}
	if id, ok := r.byAlias[name]; ok {
		return r.byID[id], true
	}
	return Network{}, false
}

// ByChainID finds a network by EIP-155 chain id
func (r *NetworkRegistry) ByChainID(chainID int64) (Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChain[chainID]
	if !ok {
		return Network{}, false
	}
	return r.byID[id], true
}

// List returns all networks ordered by identifier
func (r *NetworkRegistry) List() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Network, 0, len(r.byID))
	for _, n := range r.byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RPCEndpoints maps network identifiers to RPC URLs, for the gas price oracle
func (r *NetworkRegistry) RPCEndpoints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byID))
	for id, n := range r.byID {
		if n.RPCURL != "" {
			out[string(id)] = n.RPCURL
		}
	}
	return out
}
