package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// feedABI is the on-chain price oracle surface. Rates are 8-decimal fixed
// point, alongside the unix timestamp of the last update.
const feedABI = `[
	{"type":"function","name":"getLatestKESUSDRate","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"rate","type":"uint256"},{"name":"timestamp","type":"uint256"}]}
]`

// feedDecimals is the fixed-point scale of the oracle contract.
const feedDecimals = 8

var (
	// ErrStaleRate is returned when the on-chain rate is older than the
	// configured maximum age.
	ErrStaleRate = errors.New("oracle: on-chain rate is stale")

	// ErrZeroRate is returned when the contract reports a zero rate.
	ErrZeroRate = errors.New("oracle: on-chain rate is zero")
)

// ContractFeed reads the mid-market rate from an on-chain oracle contract.
type ContractFeed struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     abi.ABI
	maxAge  time.Duration
}

// NewContractFeed creates a feed bound to the oracle contract at address.
// maxAge bounds acceptable staleness; zero disables the check.
func NewContractFeed(caller ethereum.ContractCaller, address common.Address, maxAge time.Duration) (*ContractFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(feedABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse feed abi: %w", err)
	}
	return &ContractFeed{caller: caller, address: address, abi: parsed, maxAge: maxAge}, nil
}

// MidMarketRate calls getLatestKESUSDRate and converts the 8-decimal fixed
// point value to a decimal rate.
func (f *ContractFeed) MidMarketRate(ctx context.Context) (decimal.Decimal, error) {
	data, err := f.abi.Pack("getLatestKESUSDRate")
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: pack call: %w", err)
	}

	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: feed call: %w", err)
	}

	out, err := f.abi.Unpack("getLatestKESUSDRate", raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: unpack result: %w", err)
	}

	rate, ok := out[0].(*big.Int)
	if !ok || rate.Sign() == 0 {
		return decimal.Zero, ErrZeroRate
	}

	if f.maxAge > 0 {
		if ts, ok := out[1].(*big.Int); ok {
			updated := time.Unix(ts.Int64(), 0)
			if time.Since(updated) > f.maxAge {
				return decimal.Zero, ErrStaleRate
			}
		}
	}

	return decimal.NewFromBigInt(rate, -feedDecimals), nil
}
