package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderpay "github.com/x402-foundation/orderpay"
)

var contractAddr = common.HexToAddress("0x4020000000000000000000000000000000000001")

func TestOrderKey(t *testing.T) {
	hexID := orderpay.OrderID("0x" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff")

	assert.Equal(t, common.HexToHash(string(hexID)), OrderKey(hexID))
	assert.Equal(t, crypto.Keccak256Hash([]byte("order-1")), OrderKey("order-1"))
	assert.NotEqual(t, OrderKey("order-1"), OrderKey("order-2"))

	// IDs differing only in letter case are different orders
	upper := orderpay.OrderID("0x" + "11223344556677889900AABBCCDDEEFF11223344556677889900AABBCCDDEEFF")
	assert.Equal(t, crypto.Keccak256Hash([]byte(upper)), OrderKey(upper))
	assert.NotEqual(t, OrderKey(hexID), OrderKey(upper))
}

func TestPackPay(t *testing.T) {
	data, err := PackPay("order-1")
	require.NoError(t, err)

	method := ABI().Methods[FunctionPay]
	assert.Equal(t, method.ID, data[:4])
	assert.Len(t, data, 4+32)

	key := OrderKey("order-1")
	assert.Equal(t, key.Bytes(), data[4:])
}

func TestUnpackOrders(t *testing.T) {
	payer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := ABI().Methods[FunctionOrders].Outputs.Pack(payer, big.NewInt(100), true)
	require.NoError(t, err)

	rec, err := UnpackOrders("order-1", data)
	require.NoError(t, err)
	assert.Equal(t, orderpay.OrderID("order-1"), rec.OrderID)
	assert.Equal(t, payer.Hex(), rec.Payer)
	assert.Equal(t, int64(100), rec.Amount.Int64())
	assert.True(t, rec.Paid)

	_, err = UnpackOrders("order-1", []byte{0x01})
	assert.Error(t, err)
}

func TestPackOrdersCarriesKey(t *testing.T) {
	data, err := PackOrders("order-9")
	require.NoError(t, err)
	assert.Equal(t, ABI().Methods[FunctionOrders].ID, data[:4])
	assert.Equal(t, OrderKey("order-9").Bytes(), data[4:])
}

func TestPaidLogRoundTrip(t *testing.T) {
	payer := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	log, err := EncodePaidLog(contractAddr, "order-1", payer, big.NewInt(42), 1700000000)
	require.NoError(t, err)
	log.BlockNumber = 12
	log.TxHash = common.HexToHash("0x01")

	parsed, err := ParsePaidLog(log)
	require.NoError(t, err)
	assert.Equal(t, OrderKey("order-1"), parsed.OrderKey)
	assert.Equal(t, payer, parsed.Payer)
	assert.Equal(t, int64(42), parsed.Amount.Int64())
	assert.Equal(t, uint64(1700000000), parsed.Timestamp)
	assert.Equal(t, uint64(12), parsed.BlockNumber)
	assert.Equal(t, common.HexToHash("0x01"), parsed.TxHash)
}

func TestParsePaidLogRejectsOtherEvents(t *testing.T) {
	_, err := ParsePaidLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.Error(t, err)
}

func TestDecodeRevert(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	reason, err := abi.Arguments{{Type: stringType}}.Pack("paused")
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
		wantNil bool
	}{
		{name: "empty", data: nil, wantNil: true},
		{name: "already paid", data: EncodeRevert("order-1", orderpay.ErrAlreadyPaid), wantErr: orderpay.ErrAlreadyPaid},
		{name: "zero value", data: EncodeRevert("order-1", orderpay.ErrZeroValue), wantErr: orderpay.ErrZeroValue},
		{name: "require message", data: append(append([]byte{}, revertSelector...), reason...), wantErr: orderpay.ErrTxFailed},
		{name: "unknown selector", data: []byte{1, 2, 3, 4}, wantErr: orderpay.ErrTxFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DecodeRevert(tt.data)
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDecodeRevertKeepsMessage(t *testing.T) {
	stringType, _ := abi.NewType("string", "", nil)
	reason, err := abi.Arguments{{Type: stringType}}.Pack("paused")
	require.NoError(t, err)

	err = DecodeRevert(append(append([]byte{}, revertSelector...), reason...))
	assert.Contains(t, err.Error(), "paused")
}
