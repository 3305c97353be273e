// Package chains describes the EVM networks invoices can be paid on and
// hands out one shared RPC client per network.
package chains

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an ERC-20 contract accepted on a chain.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Chain is the static configuration of one supported network.
type Chain struct {
	Key           string           `json:"key"`
	ID            int64            `json:"chainId"`
	Name          string           `json:"name"`
	DefaultRPCURL string           `json:"-"`
	ExplorerURL   string           `json:"explorerUrl,omitempty"`
	Confirmations uint64           `json:"confirmations"`
	Tokens        map[string]Token `json:"tokens"`
}

// Token looks up a token by symbol (case-insensitive). A missing entry
// means the token is not accepted on this chain.
func (c Chain) Token(symbol string) (Token, bool) {
	t, ok := c.Tokens[strings.ToUpper(symbol)]
	return t, ok
}

// TokenSymbols returns the accepted token symbols in sorted order.
func (c Chain) TokenSymbols() []string {
	out := make([]string, 0, len(c.Tokens))
	for s := range c.Tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RPCEnvKey is the environment variable that overrides this chain's RPC URL.
func (c Chain) RPCEnvKey() string {
	return "RPC_URL_" + c.EnvSuffix()
}

// EnvSuffix is the chain key as used in environment variable names:
// upper case with hyphens turned into underscores.
func (c Chain) EnvSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(c.Key, "-", "_"))
}

// TxURL links a transaction on the chain's block explorer, or "" when the
// chain has no explorer configured.
func (c Chain) TxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + txHash
}

func tokens(ts ...Token) map[string]Token {
	m := make(map[string]Token, len(ts))
	for _, t := range ts {
		m[t.Symbol] = t
	}
	return m
}

func usdc(addr string, decimals uint8) Token {
	return Token{Symbol: "USDC", Address: common.HexToAddress(addr), Decimals: decimals}
}

func usdt(addr string, decimals uint8) Token {
	return Token{Symbol: "USDT", Address: common.HexToAddress(addr), Decimals: decimals}
}

// Mainnets returns the production chain table.
func Mainnets() []Chain {
	return []Chain{
		{
			Key:           "ethereum",
			ID:            1,
			Name:          "Ethereum",
			DefaultRPCURL: "https://ethereum-rpc.publicnode.com",
			ExplorerURL:   "https://etherscan.io",
			Confirmations: 3,
			Tokens: tokens(
				usdc("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6),
				usdt("0xdAC17F958D2ee523a2206206994597C13D831ec7", 6),
			),
		},
		{
			Key:           "base",
			ID:            8453,
			Name:          "Base",
			DefaultRPCURL: "https://mainnet.base.org",
			ExplorerURL:   "https://basescan.org",
			Confirmations: 2,
			Tokens: tokens(
				usdc("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6),
			),
		},
		{
			Key:           "polygon",
			ID:            137,
			Name:          "Polygon PoS",
			DefaultRPCURL: "https://polygon-rpc.com",
			ExplorerURL:   "https://polygonscan.com",
			Confirmations: 20,
			Tokens: tokens(
				usdc("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6),
				usdt("0xc2132D05D31c914a87C6611C10748AEb04B58e8F", 6),
			),
		},
		{
			Key:           "arbitrum",
			ID:            42161,
			Name:          "Arbitrum One",
			DefaultRPCURL: "https://arb1.arbitrum.io/rpc",
			ExplorerURL:   "https://arbiscan.io",
			Confirmations: 2,
			Tokens: tokens(
				usdc("0xaf88d065e77c8cC2239327C5EDb3A432268e5831", 6),
				usdt("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", 6),
			),
		},
		{
			Key:           "bsc",
			ID:            56,
			Name:          "BNB Smart Chain",
			DefaultRPCURL: "https://bsc-dataseed.bnbchain.org",
			ExplorerURL:   "https://bscscan.com",
			Confirmations: 5,
			Tokens: tokens(
				usdc("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", 18),
				usdt("0x55d398326f99059fF775485246999027B3197955", 18),
			),
		},
	}
}

// Testnets returns the staging chain table.
func Testnets() []Chain {
	return []Chain{
		{
			Key:           "base-sepolia",
			ID:            84532,
			Name:          "Base Sepolia",
			DefaultRPCURL: "https://sepolia.base.org",
			ExplorerURL:   "https://sepolia.basescan.org",
			Confirmations: 2,
			Tokens: tokens(
				usdc("0x036CbD53842c5426634e7929541eC2318f3dCF7e", 6),
			),
		},
		{
			Key:           "sepolia",
			ID:            11155111,
			Name:          "Ethereum Sepolia",
			DefaultRPCURL: "https://ethereum-sepolia-rpc.publicnode.com",
			ExplorerURL:   "https://sepolia.etherscan.io",
			Confirmations: 2,
			Tokens: tokens(
				usdc("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", 6),
			),
		},
	}
}

// ForNetwork returns Testnets for "testnet" and Mainnets otherwise.
func ForNetwork(network string) []Chain {
	if strings.EqualFold(network, "testnet") {
		return Testnets()
	}
	return Mainnets()
}
