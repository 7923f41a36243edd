// Package evm submits payer-broadcast transfers to EVM chains and waits for receipts.
package evm

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/client"
	"github.com/andrewreder/x402-gate/x402"
)

const defaultPollInterval = 2 * time.Second

var errReverted = errors.New("transaction reverted")

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client implements client.LedgerClient for EVM networks.
type Client struct {
	eth          EthClient
	pollInterval time.Duration
	log          *zap.Logger
}

// New wraps an EthClient. pollInterval defaults to two seconds.
func New(eth EthClient, pollInterval time.Duration, log *zap.Logger) *Client {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{eth: eth, pollInterval: pollInterval, log: log}
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}
	return New(eth, 0, log), nil
}

// Submit broadcasts the signed raw transaction carried in signed.Raw.
func (c *Client) Submit(ctx context.Context, signed client.SignedTransfer) (client.TxRef, error) {
	if signed.Network.Family() != x402.FamilyEVM {
		return client.TxRef{}, errors.Errorf("network %q is not an EVM network", signed.Network)
	}
	if len(signed.Raw) == 0 {
		return client.TxRef{}, errors.New("signed transfer carries no raw transaction")
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return client.TxRef{}, errors.Wrap(err, "decode raw transaction")
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return client.TxRef{}, errors.Wrap(err, "send transaction")
	}

	ref := client.TxRef{Network: signed.Network, Hash: tx.Hash().Hex()}
	c.log.Debug("Transaction submitted", zap.String("network", string(ref.Network)), zap.String("tx", ref.Hash))
	return ref, nil
}

// Confirm polls for the receipt until timeout. A reverted transaction is an error.
func (c *Client) Confirm(ctx context.Context, ref client.TxRef, timeout time.Duration) (client.Confirmation, error) {
	if timeout <= 0 {
		return client.Confirmation{}, client.ErrConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(ref.Hash)
	attempts := uint(timeout/c.pollInterval) + 1

	var receipt *types.Receipt
	err := retry.Do(func() error {
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if r.Status == types.ReceiptStatusFailed {
			return errReverted
		}
		receipt = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ethereum.NotFound) }),
	)
	switch {
	case err == nil:
	case errors.Is(err, errReverted):
		return client.Confirmation{}, errors.Wrapf(err, "tx %s", ref.Hash)
	case errors.Is(err, ethereum.NotFound), ctx.Err() != nil:
		return client.Confirmation{}, errors.Wrapf(client.ErrConfirmationTimeout, "tx %s after %s", ref.Hash, timeout)
	default:
		return client.Confirmation{}, errors.Wrap(err, "fetch receipt")
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return client.Confirmation{TxRef: ref, Block: block}, nil
}
