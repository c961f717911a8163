package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	orderpay "github.com/x402-foundation/orderpay"
)

// Contract function and event names
const (
	FunctionPay    = "pay"
	FunctionOrders = "orders"
	EventOrderPaid = "OrderPaid"
)

// OrderPaymentsABI is the ABI of OrderPayments.sol
const OrderPaymentsABI = `[
	{"type":"function","name":"pay","stateMutability":"payable",
	 "inputs":[{"name":"orderId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"orders","stateMutability":"view",
	 "inputs":[{"name":"","type":"bytes32"}],
	 "outputs":[{"name":"payer","type":"address"},{"name":"amount","type":"uint256"},{"name":"paid","type":"bool"}]},
	{"type":"event","name":"OrderPaid","anonymous":false,
	 "inputs":[{"name":"orderId","type":"bytes32","indexed":true},
	           {"name":"payer","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false},
	           {"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"error","name":"AlreadyPaid","inputs":[{"name":"orderId","type":"bytes32"}]},
	{"type":"error","name":"ZeroValue","inputs":[]}
]`

var (
	contractABI = mustParseABI(OrderPaymentsABI)

	// OrderPaidTopic is topic[0] of every OrderPaid log
	OrderPaidTopic = contractABI.Events[EventOrderPaid].ID

	hexKeyPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

	// Error(string) selector used by require() reverts
	revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid OrderPayments ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed OrderPayments ABI
func ABI() abi.ABI {
	return contractABI
}

// OrderKey maps an order ID to its bytes32 ledger key. IDs that already are
// lowercase 32-byte hex strings are used as is; anything else, including hex
// in another case, is keccak256 hashed so distinct IDs never share a key.
func OrderKey(orderID orderpay.OrderID) common.Hash {
	if hexKeyPattern.MatchString(string(orderID)) {
		return common.HexToHash(string(orderID))
	}
	return crypto.Keccak256Hash([]byte(orderID))
}

// PackPay encodes calldata for pay(orderId)
func PackPay(orderID orderpay.OrderID) ([]byte, error) {
	return contractABI.Pack(FunctionPay, [32]byte(OrderKey(orderID)))
}

// PackOrders encodes calldata for orders(orderId)
func PackOrders(orderID orderpay.OrderID) ([]byte, error) {
	return contractABI.Pack(FunctionOrders, [32]byte(OrderKey(orderID)))
}

// UnpackOrders decodes the orders(orderId) return data into a record
func UnpackOrders(orderID orderpay.OrderID, data []byte) (orderpay.LedgerRecord, error) {
	out, err := contractABI.Unpack(FunctionOrders, data)
	if err != nil {
		return orderpay.LedgerRecord{}, fmt.Errorf("failed to unpack orders result: %w", err)
	}
	if len(out) != 3 {
		return orderpay.LedgerRecord{}, fmt.Errorf("unexpected orders result length %d", len(out))
	}

	payer, ok := out[0].(common.Address)
	if !ok {
		return orderpay.LedgerRecord{}, fmt.Errorf("unexpected payer type %T", out[0])
	}
	amount, ok := out[1].(*big.Int)
	if !ok {
		return orderpay.LedgerRecord{}, fmt.Errorf("unexpected amount type %T", out[1])
	}
	paid, ok := out[2].(bool)
	if !ok {
		return orderpay.LedgerRecord{}, fmt.Errorf("unexpected paid type %T", out[2])
	}

	return orderpay.LedgerRecord{
		OrderID: orderID,
		Payer:   payer.Hex(),
		Amount:  amount,
		Paid:    paid,
	}, nil
}

// PaidLog is a decoded OrderPaid log
type PaidLog struct {
	OrderKey    common.Hash
	Payer       common.Address
	Amount      *big.Int
	Timestamp   uint64
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	Removed     bool
}

// ParsePaidLog decodes an OrderPaid log
func ParsePaidLog(log types.Log) (PaidLog, error) {
	if len(log.Topics) != 3 || log.Topics[0] != OrderPaidTopic {
		return PaidLog{}, fmt.Errorf("not an OrderPaid log")
	}

	values, err := contractABI.Unpack(EventOrderPaid, log.Data)
	if err != nil {
		return PaidLog{}, fmt.Errorf("failed to unpack OrderPaid data: %w", err)
	}
	if len(values) != 2 {
		return PaidLog{}, fmt.Errorf("unexpected OrderPaid data length %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return PaidLog{}, fmt.Errorf("unexpected amount type %T", values[0])
	}
	timestamp, ok := values[1].(*big.Int)
	if !ok {
		return PaidLog{}, fmt.Errorf("unexpected timestamp type %T", values[1])
	}

	return PaidLog{
		OrderKey:    log.Topics[1],
		Payer:       common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:      amount,
		Timestamp:   timestamp.Uint64(),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		Removed:     log.Removed,
	}, nil
}

// EncodePaidLog builds the log OrderPayments emits for a payment
func EncodePaidLog(contract common.Address, orderID orderpay.OrderID, payer common.Address, amount *big.Int, timestamp uint64) (types.Log, error) {
	data, err := contractABI.Events[EventOrderPaid].Inputs.NonIndexed().Pack(amount, new(big.Int).SetUint64(timestamp))
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack OrderPaid data: %w", err)
	}
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			OrderPaidTopic,
			OrderKey(orderID),
			common.BytesToHash(payer.Bytes()),
		},
		Data: data,
	}, nil
}

// DecodeRevert maps revert data from the contract to ledger errors. It
// returns nil when data carries no revert.
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	selector := data[:4]

	if e, ok := contractABI.Errors["AlreadyPaid"]; ok && bytes.Equal(selector, e.ID[:4]) {
		return orderpay.ErrAlreadyPaid
	}
	if e, ok := contractABI.Errors["ZeroValue"]; ok && bytes.Equal(selector, e.ID[:4]) {
		return orderpay.ErrZeroValue
	}
	if bytes.Equal(selector, revertSelector) {
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return orderpay.Wrapf(orderpay.ErrTxFailed, "execution reverted: %s", reason)
		}
	}
	return orderpay.Wrapf(orderpay.ErrTxFailed, "execution reverted with data 0x%x", data)
}

// EncodeRevert builds revert data for a ledger error, the inverse of
// DecodeRevert for AlreadyPaid and ZeroValue
func EncodeRevert(orderID orderpay.OrderID, err error) []byte {
	switch {
	case errors.Is(err, orderpay.ErrAlreadyPaid):
		e := contractABI.Errors["AlreadyPaid"]
		data, packErr := e.Inputs.Pack([32]byte(OrderKey(orderID)))
		if packErr != nil {
			return nil
		}
		return append(append([]byte{}, e.ID[:4]...), data...)
	case errors.Is(err, orderpay.ErrZeroValue):
		e := contractABI.Errors["ZeroValue"]
		return append([]byte{}, e.ID[:4]...)
	}
	return nil
}
