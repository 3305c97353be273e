package chains

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/chainbill/internal/circuitbreaker"
	"github.com/mbd888/chainbill/internal/retry"
)

// DefaultRPCTimeout bounds each individual RPC call.
const DefaultRPCTimeout = 15 * time.Second

// Dialer opens a raw client for an RPC URL.
type Dialer func(ctx context.Context, rawURL string) (Client, error)

func dialEthclient(ctx context.Context, rawURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithRPCURLs overrides RPC URLs per chain key. Empty values are ignored.
func WithRPCURLs(urls map[string]string) Option {
	return func(r *Registry) {
		for k, v := range urls {
			if v != "" {
				r.rpcURLs[k] = v
			}
		}
	}
}

// WithConfirmations overrides the required confirmation depth per chain key.
func WithConfirmations(depths map[string]uint64) Option {
	return func(r *Registry) {
		for k, d := range depths {
			if c, ok := r.chains[k]; ok {
				c.Confirmations = d
				r.chains[k] = c
			}
		}
	}
}

// WithDialer replaces the go-ethereum dialer (useful for testing).
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithTimeout sets the per-call RPC timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryPolicy sets the retry policy applied to every RPC call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithBreaker sets the circuit breaker shared by all chains.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Registry) { r.breaker = b }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry owns the chain table and lazily builds one client per chain.
// Clients are cached for the registry's lifetime and safe to share across
// concurrent verifications.
type Registry struct {
	chains  map[string]Chain
	rpcURLs map[string]string
	dial    Dialer
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry builds a registry over the given chain table.
func NewRegistry(table []Chain, opts ...Option) *Registry {
	r := &Registry{
		chains:  make(map[string]Chain, len(table)),
		rpcURLs: make(map[string]string),
		dial:    dialEthclient,
		timeout: DefaultRPCTimeout,
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
		clients: make(map[string]Client),
	}
	for _, c := range table {
		r.chains[c.Key] = c
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chain returns the configuration for a chain key.
func (r *Registry) Chain(key string) (Chain, bool) {
	c, ok := r.chains[key]
	return c, ok
}

// Chains returns every configured chain ordered by key.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RPCURL resolves the RPC endpoint for a chain: explicit override, then the
// RPC_URL_<KEY> environment variable, then the chain's public default.
func (r *Registry) RPCURL(key string) string {
	if u := r.rpcURLs[key]; u != "" {
		return u
	}
	c, ok := r.chains[key]
	if !ok {
		return ""
	}
	if u := os.Getenv(c.RPCEnvKey()); u != "" {
		return u
	}
	return c.DefaultRPCURL
}

// Client returns the shared client for a chain, dialing it on first use.
func (r *Registry) Client(ctx context.Context, key string) (Client, error) {
	if _, ok := r.chains[key]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	url := r.RPCURL(key)
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRPCURL, key)
	}

	raw, err := r.dial(ctx, url)
	if err != nil {
		return nil, &RPCError{Chain: key, Op: "dial", Err: err}
	}

	c := &rpcClient{
		chain:   key,
		inner:   raw,
		timeout: r.timeout,
		policy:  r.policy,
		breaker: r.breaker,
	}
	r.clients[key] = c
	r.logger.Info("chain client connected", "chain", key)
	return c, nil
}

// Ping reports whether a chain's RPC endpoint answers eth_blockNumber.
func (r *Registry) Ping(ctx context.Context, key string) error {
	c, err := r.Client(ctx, key)
	if err != nil {
		return err
	}
	_, err = c.BlockNumber(ctx)
	return err
}

// Close closes every client built so far.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		c.Close()
		delete(r.clients, key)
	}
}
