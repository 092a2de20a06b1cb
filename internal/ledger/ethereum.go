package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// settlementABI is the RateLockSettlement contract surface. Amounts are
// 6-decimal fixed point, rates 8-decimal.
const settlementABI = `[
	{"type":"function","name":"createLock","stateMutability":"nonpayable",
	 "inputs":[{"name":"correlationId","type":"bytes32"},{"name":"usdAmount","type":"uint256"},
	           {"name":"kesAmount","type":"uint256"},{"name":"rate","type":"uint256"},
	           {"name":"expiresAt","type":"uint256"}],
	 "outputs":[{"name":"lockId","type":"uint256"}]},
	{"type":"function","name":"executeLock","stateMutability":"nonpayable",
	 "inputs":[{"name":"lockId","type":"uint256"},{"name":"paymentRef","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"lockByCorrelation","stateMutability":"view",
	 "inputs":[{"name":"correlationId","type":"bytes32"}],
	 "outputs":[{"name":"lockId","type":"uint256"},{"name":"exists","type":"bool"},
	            {"name":"executed","type":"bool"}]},
	{"type":"event","name":"LockCreated","anonymous":false,
	 "inputs":[{"name":"lockId","type":"uint256","indexed":true},
	           {"name":"correlationId","type":"bytes32","indexed":true}]},
	{"type":"event","name":"LockExecuted","anonymous":false,
	 "inputs":[{"name":"lockId","type":"uint256","indexed":true},
	           {"name":"correlationId","type":"bytes32","indexed":true}]}
]`

const (
	amountDecimals = 6
	rateDecimals   = 8
)

// Backend is the node connection the client needs: calls, transactions,
// receipts, and log subscriptions. ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthereumClient drives the settlement contract over a JSON-RPC backend.
type EthereumClient struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	abi      abi.ABI
	opts     *bind.TransactOpts
	timeout  time.Duration
}

// NewEthereumClient binds the settlement contract at address, signing with
// key on chainID.
func NewEthereumClient(backend Backend, address common.Address, key *ecdsa.PrivateKey, chainID *big.Int) (*EthereumClient, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger: transactor: %w", err)
	}
	return &EthereumClient{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
		abi:      parsed,
		opts:     opts,
		timeout:  90 * time.Second,
	}, nil
}

// correlationKey packs the UUID correlation token into the bytes32 the
// contract indexes on. The token occupies the first 16 bytes, so the raw
// token is recoverable from event topics without a lookup table.
func correlationKey(correlationID string) ([32]byte, error) {
	var key [32]byte
	id, err := uuid.Parse(correlationID)
	if err != nil {
		return key, fmt.Errorf("ledger: bad correlation token %q: %w", correlationID, err)
	}
	copy(key[:16], id[:])
	return key, nil
}

// correlationFromTopic recovers the correlation token from an indexed event
// topic.
func correlationFromTopic(topic common.Hash) (string, error) {
	id, err := uuid.FromBytes(topic.Bytes()[:16])
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// toFixed converts a decimal string to fixed-point with the given scale.
func toFixed(s string, scale int32) (*big.Int, error) {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("ledger: bad amount %q: %w", s, err)
	}
	return dec.Shift(scale).Truncate(0).BigInt(), nil
}

// CreateLock submits createLock and waits for it to mine. The on-chain lock
// ID is read back via lockByCorrelation after mining rather than decoded
// from the receipt, which also makes resubmission after an unknown outcome
// safe to detect.
func (c *EthereumClient) CreateLock(ctx context.Context, p CreateLockParams) (string, string, error) {
	usd, err := toFixed(p.USDAmount, amountDecimals)
	if err != nil {
		return "", "", err
	}
	kes, err := toFixed(p.KESAmount, amountDecimals)
	if err != nil {
		return "", "", err
	}
	rate, err := toFixed(p.Rate, rateDecimals)
	if err != nil {
		return "", "", err
	}

	key, err := correlationKey(p.CorrelationID)
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.opts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "createLock",
		key, usd, kes, rate, big.NewInt(p.ExpiresAt))
	if err != nil {
		return "", "", fmt.Errorf("ledger: createLock submit: %w", err)
	}

	if err := c.waitMined(ctx, tx); err != nil {
		return "", "", err
	}

	state, err := c.LookupLock(ctx, p.CorrelationID)
	if err != nil {
		return "", "", fmt.Errorf("ledger: createLock mined but lookup failed: %w", err)
	}
	return state.ChainLockID, tx.Hash().Hex(), nil
}

// ExecuteLock submits executeLock and waits for it to mine.
func (c *EthereumClient) ExecuteLock(ctx context.Context, chainLockID, paymentRef string) (string, error) {
	lockID, ok := new(big.Int).SetString(chainLockID, 10)
	if !ok {
		return "", fmt.Errorf("ledger: bad chain lock id %q", chainLockID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.opts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "executeLock", lockID, paymentRef)
	if err != nil {
		return "", fmt.Errorf("ledger: executeLock submit: %w", err)
	}
	if err := c.waitMined(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// LookupLock reads lockByCorrelation.
func (c *EthereumClient) LookupLock(ctx context.Context, correlationID string) (*LockState, error) {
	key, err := correlationKey(correlationID)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "lockByCorrelation", key); err != nil {
		return nil, fmt.Errorf("ledger: lockByCorrelation: %w", err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("ledger: lockByCorrelation returned %d values", len(out))
	}

	lockID, _ := out[0].(*big.Int)
	exists, _ := out[1].(bool)
	executed, _ := out[2].(bool)

	if !exists {
		return nil, ErrUnknownLock
	}
	return &LockState{ChainLockID: lockID.String(), Executed: executed}, nil
}

// WatchEvents subscribes to LockCreated/LockExecuted logs and forwards them
// until ctx is cancelled or the subscription fails.
func (c *EthereumClient) WatchEvents(ctx context.Context, ch chan<- Event) error {
	created := c.abi.Events["LockCreated"].ID
	executed := c.abi.Events["LockExecuted"].ID

	logs := make(chan types.Log, 16)
	sub, err := c.backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{created, executed}},
	}, logs)
	if err != nil {
		return fmt.Errorf("ledger: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("ledger: subscription: %w", err)
		case lg := <-logs:
			ev, ok := c.parseLog(lg, created)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseLog extracts the lock ID and correlation token from an event's
// indexed topics.
func (c *EthereumClient) parseLog(lg types.Log, createdID common.Hash) (Event, bool) {
	if len(lg.Topics) < 3 {
		return Event{}, false
	}

	kind := EventLockExecuted
	if lg.Topics[0] == createdID {
		kind = EventLockCreated
	}

	correlationID, err := correlationFromTopic(lg.Topics[2])
	if err != nil {
		return Event{}, false
	}

	lockID := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	return Event{
		Kind:          kind,
		CorrelationID: correlationID,
		ChainLockID:   lockID.String(),
		TxHash:        lg.TxHash.Hex(),
	}, true
}

func (c *EthereumClient) waitMined(ctx context.Context, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return fmt.Errorf("ledger: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ledger: tx %s reverted", tx.Hash().Hex())
	}
	return nil
}
