package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Network selects which chain a payment or payout settles on. Exactly two
// networks exist; everything else is rejected at the boundary.
type Network string

const (
	NetworkTestnet Network = "TESTNET"
	NetworkMainnet Network = "MAINNET"
)

// ErrUnknownNetwork is returned for a network tag outside the closed set or
// one with no configured context.
var ErrUnknownNetwork = errors.New("chain: unknown network")

// ErrNoSigner is returned when a write operation is attempted on a network
// configured without a private key.
var ErrNoSigner = errors.New("chain: no signing key configured")

// ParseNetwork normalises a network tag. The empty string defaults to TESTNET
// to match the public API contract.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(NetworkTestnet):
		return NetworkTestnet, nil
	case string(NetworkMainnet):
		return NetworkMainnet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, raw)
	}
}

// Context bundles everything chain-touching code needs for one network: a
// read client, gateway contract bindings (write calls fail with ErrNoSigner
// when no key is configured), and the resolved contract addresses. Immutable
// after construction; the two network contexts share no mutable state.
type Context struct {
	Network        Network
	Client         Backend
	Gateway        Gateway
	GatewayAddress common.Address
	TokenAddress   common.Address
}

// ContextConfig carries the per-network settings needed to build a Context.
type ContextConfig struct {
	Network        Network
	RPCURL         string
	PrivateKey     string
	GatewayAddress string
	ChainID        int64
}

// NewContext dials the RPC endpoint, binds the gateway contract and resolves
// the USDC token address from the gateway so the two can never disagree.
func NewContext(ctx context.Context, cfg ContextConfig) (*Context, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("chain: rpc url required for %s", cfg.Network)
	}
	if !common.IsHexAddress(cfg.GatewayAddress) {
		return nil, fmt.Errorf("chain: invalid gateway address %q for %s", cfg.GatewayAddress, cfg.Network)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.Network, err)
	}
	gatewayAddr := common.HexToAddress(cfg.GatewayAddress)
	gateway, err := NewGatewayClient(client, gatewayAddr, cfg.PrivateKey, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, err
	}
	token, err := gateway.UsdcToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: resolve usdc token for %s: %w", cfg.Network, err)
	}
	return &Context{
		Network:        cfg.Network,
		Client:         client,
		Gateway:        gateway,
		GatewayAddress: gatewayAddr,
		TokenAddress:   token,
	}, nil
}

// Resolver maps a network tag to its immutable context bundle.
type Resolver struct {
	contexts map[Network]*Context
}

// NewResolver builds a resolver over the provided contexts.
func NewResolver(contexts ...*Context) *Resolver {
	r := &Resolver{contexts: make(map[Network]*Context, len(contexts))}
	for _, c := range contexts {
		if c != nil {
			r.contexts[c.Network] = c
		}
	}
	return r
}

// Context returns the bundle for the given network.
func (r *Resolver) Context(network Network) (*Context, error) {
	if r == nil {
		return nil, ErrUnknownNetwork
	}
	ctx, ok := r.contexts[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return ctx, nil
}

// Networks lists the configured networks.
func (r *Resolver) Networks() []Network {
	if r == nil {
		return nil
	}
	out := make([]Network, 0, len(r.contexts))
	for network := range r.contexts {
		out = append(out, network)
	}
	return out
}
