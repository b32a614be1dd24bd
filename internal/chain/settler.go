package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// DefaultMatchGasLimit bounds the gas a single matchOrders call may use.
const DefaultMatchGasLimit uint64 = 500_000

var ErrSettlementReverted = errors.New("settlement transaction reverted")

// Backend is what the settler needs from a node: transaction submission and
// receipt lookup. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Dial connects to a node over HTTP(S) or WS(S).
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}
	return key, nil
}

// ChainSettler settles matched pairs by calling matchOrders on the contract
// and waiting for the receipt.
type ChainSettler struct {
	backend  Backend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	gasLimit uint64
}

func NewChainSettler(backend Backend, address common.Address, key *ecdsa.PrivateKey, chainID *big.Int, gasLimit uint64) *ChainSettler {
	if gasLimit == 0 {
		gasLimit = DefaultMatchGasLimit
	}
	return &ChainSettler{
		backend:  backend,
		contract: bind.NewBoundContract(address, OrderBookABI, backend, backend, backend),
		key:      key,
		chainID:  chainID,
		gasLimit: gasLimit,
	}
}

func (s *ChainSettler) Settle(ctx context.Context, matched models.MatchedOrders) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = s.gasLimit

	tx, err := s.contract.Transact(opts, methodMatchOrders, toBig(matched.TakerOrderID), toBig(matched.MakerOrderID))
	if err != nil {
		return "", fmt.Errorf("send matchOrders: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("%w: %s", ErrSettlementReverted, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}
