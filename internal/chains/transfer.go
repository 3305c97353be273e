package chains

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC-20 Transfer event only; nothing here calls contracts.
const erc20ABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	erc20 = mustParseABI(erc20ABI)

	// TransferEventID is keccak256("Transfer(address,address,uint256)").
	TransferEventID = erc20.Events["Transfer"].ID

	errNotTransfer = errors.New("chains: log is not an ERC-20 Transfer")
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chains: parse ERC-20 ABI: %v", err))
	}
	return parsed
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Value    *big.Int
	LogIndex uint
}

// DecodeTransfers returns every Transfer event emitted by token in logs,
// in log order. Logs from other contracts, removed (reorged) logs and
// malformed events are skipped. Address comparison is on the parsed
// 20-byte value, so hex casing never matters.
func DecodeTransfers(logs []*types.Log, token common.Address) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || l.Removed || l.Address != token {
			continue
		}
		t, err := decodeTransfer(l)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

func decodeTransfer(l *types.Log) (Transfer, error) {
	// Topics[0] = event id, [1] = from, [2] = to; value is the only data word.
	if len(l.Topics) != 3 || l.Topics[0] != TransferEventID {
		return Transfer{}, errNotTransfer
	}
	values, err := erc20.Unpack("Transfer", l.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("chains: unpack Transfer data: %w", err)
	}
	if len(values) != 1 {
		return Transfer{}, errNotTransfer
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return Transfer{}, errNotTransfer
	}
	return Transfer{
		Token:    l.Address,
		From:     common.BytesToAddress(l.Topics[1].Bytes()),
		To:       common.BytesToAddress(l.Topics[2].Bytes()),
		Value:    value,
		LogIndex: l.Index,
	}, nil
}
