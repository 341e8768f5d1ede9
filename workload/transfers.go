// Package workload provides a token-transfer VM and a block generator with
// a tunable conflict rate.
package workload

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/mvmemory"
)

// GasPerTransfer is charged for every transfer, successful or not.
const GasPerTransfer = 21

// Transfer moves Amount from one account to another
type Transfer struct {
	From   uint32 `msgpack:"f"`
	To     uint32 `msgpack:"t"`
	Amount uint64 `msgpack:"a"`
}

// Transfers is a block of transfers and the VM that executes it
type Transfers []Transfer

var _ executor.VM = Transfers(nil)

// AccountKey is the state key of an account balance
func AccountKey(id uint32) string {
	return fmt.Sprintf("acct/%08d", id)
}

func EncodeBalance(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeBalance(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("balance must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func readBalance(view executor.StateView, id uint32) (uint64, error) {
	val, ok, err := view.Get(AccountKey(id))
	if err != nil || !ok {
		return 0, err
	}
	return DecodeBalance(val)
}

// Execute applies transfer idx. Errors from view are returned unchanged.
func (b Transfers) Execute(_ context.Context, idx int, view executor.StateView) (*executor.Output, error) {
	t := b[idx]

	from, err := readBalance(view, t.From)
	if err != nil {
		return nil, err
	}
	if t.From == t.To {
		return &executor.Output{Gas: GasPerTransfer, Status: executor.StatusFailed, Message: "self transfer"}, nil
	}
	to, err := readBalance(view, t.To)
	if err != nil {
		return nil, err
	}

	if from < t.Amount {
		return &executor.Output{Gas: GasPerTransfer, Status: executor.StatusFailed, Message: "insufficient funds"}, nil
	}

	return &executor.Output{
		Writes: []mvmemory.WriteDescriptor{
			{Key: AccountKey(t.From), Value: EncodeBalance(from - t.Amount)},
			{Key: AccountKey(t.To), Value: EncodeBalance(to + t.Amount)},
		},
		Gas:    GasPerTransfer,
		Status: executor.StatusSuccess,
	}, nil
}
