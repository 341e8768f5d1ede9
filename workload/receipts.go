package workload

import (
	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/storage"
)

// Receipts converts the committed outputs of a block into durable receipts
func Receipts(outputs []*executor.Output) []storage.Receipt {
	out := make([]storage.Receipt, len(outputs))
	for i, o := range outputs {
		var keys []string
		if len(o.Writes) > 0 {
			keys = make([]string, len(o.Writes))
			for j, w := range o.Writes {
				keys[j] = w.Key
			}
		}
		out[i] = storage.Receipt{
			Index:   i,
			Status:  o.Status.String(),
			Gas:     o.Gas,
			Message: o.Message,
			Keys:    keys,
		}
	}
	return out
}
