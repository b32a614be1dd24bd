package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddress = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func packLog(t *testing.T, name string, block uint64, index uint, ids ...uint64) types.Log {
	t.Helper()
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = new(big.Int).SetUint64(id)
	}
	data, err := OrderBookABI.Events[name].Inputs.Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address:     testAddress,
		Topics:      []common.Hash{OrderBookABI.Events[name].ID},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
	}
}

func TestDecode_RecognizedEvents(t *testing.T) {
	ev, ok, err := Decode(packLog(t, eventOrderPlaced, 7, 0, 42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindOrderPlaced, ev.Kind)
	assert.Equal(t, uint64(42), ev.OrderID)
	assert.Equal(t, uint64(7), ev.Block)

	ev, ok, err = Decode(packLog(t, eventOrderFilled, 8, 1, 43))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindOrderFilled, ev.Kind)
	assert.True(t, ev.Kind.IsOrderUpdate())

	ev, ok, err = Decode(packLog(t, eventOrdersMatched, 9, 2, 5, 3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindOrdersMatched, ev.Kind)
	assert.Equal(t, uint64(5), ev.TakerOrderID)
	assert.Equal(t, uint64(3), ev.MakerOrderID)
	assert.False(t, ev.Kind.IsOrderUpdate())
}

func TestDecode_UnknownTopicIgnored(t *testing.T) {
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}, Data: []byte{1, 2, 3}}
	_, ok, err := Decode(lg)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Decode(types.Log{})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDecode_MalformedPayloadIsHardError(t *testing.T) {
	lg := packLog(t, eventOrdersMatched, 3, 0, 1, 2)
	lg.Data = lg.Data[:32]

	_, ok, err := Decode(lg)
	assert.False(t, ok)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, eventOrdersMatched, decodeErr.Event)
	assert.Equal(t, uint64(3), decodeErr.Block)
}

func TestDecode_OrderIDOutOfRange(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	data, err := OrderBookABI.Events[eventOrderPlaced].Inputs.Pack(huge)
	require.NoError(t, err)

	_, _, err = Decode(types.Log{Topics: []common.Hash{topicOrderPlaced}, Data: data})
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestTopics(t *testing.T) {
	assert.Len(t, Topics(), 3)
	assert.Contains(t, Topics(), topicOrdersMatched)
}
