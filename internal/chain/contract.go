package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const orderBookABIJSON = `[
  {"type":"event","name":"OrderPlaced","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrderFilled","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrdersMatched","anonymous":false,
   "inputs":[{"name":"takerId","type":"uint256","indexed":false},
             {"name":"makerId","type":"uint256","indexed":false}]},
  {"type":"function","name":"matchOrders","stateMutability":"nonpayable",
   "inputs":[{"name":"takerId","type":"uint256"},{"name":"makerId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getOrder","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"isSell","type":"bool"},{"name":"amount","type":"uint32"},{"name":"price","type":"uint32"}]}
]`

const (
	eventOrderPlaced   = "OrderPlaced"
	eventOrderFilled   = "OrderFilled"
	eventOrdersMatched = "OrdersMatched"
	methodMatchOrders  = "matchOrders"
	methodGetOrder     = "getOrder"
)

// OrderBookABI is the parsed interface of the on-chain order book contract.
var OrderBookABI = mustParseABI(orderBookABIJSON)

var (
	topicOrderPlaced   = OrderBookABI.Events[eventOrderPlaced].ID
	topicOrderFilled   = OrderBookABI.Events[eventOrderFilled].ID
	topicOrdersMatched = OrderBookABI.Events[eventOrdersMatched].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Topics lists the signature hashes of every recognized event.
func Topics() []common.Hash {
	return []common.Hash{topicOrderPlaced, topicOrderFilled, topicOrdersMatched}
}

func toBig(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}
