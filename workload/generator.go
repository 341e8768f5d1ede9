package workload

import (
	"math/rand"

	"github.com/maxpert/blockstm/encoding"
	"github.com/maxpert/blockstm/mvmemory"
)

// GeneratorConfig shapes a generated block
type GeneratorConfig struct {
	Txns        int
	Accounts    int
	HotAccounts int     // Accounts [0, HotAccounts) are hot
	HotRatio    float64 // Share of transfers that send to a hot account
	MaxAmount   uint64
	Seed        int64
}

// Generate builds a block. Sending to a small hot set makes transfers
// conflict; HotRatio 0 gives an almost conflict-free block.
func Generate(c GeneratorConfig) Transfers {
	rng := rand.New(rand.NewSource(c.Seed))
	maxAmount := c.MaxAmount
	if maxAmount == 0 {
		maxAmount = 1
	}

	pick := func() uint32 { return uint32(rng.Intn(c.Accounts)) }

	out := make(Transfers, c.Txns)
	for i := range out {
		to := pick()
		if c.HotAccounts > 0 && rng.Float64() < c.HotRatio {
			to = uint32(rng.Intn(c.HotAccounts))
		}
		from := pick()
		for c.Accounts > 1 && from == to {
			from = pick()
		}
		out[i] = Transfer{From: from, To: to, Amount: 1 + uint64(rng.Int63n(int64(maxAmount)))}
	}
	return out
}

// Genesis funds every account with balance
func Genesis(accounts int, balance uint64) []mvmemory.WriteDescriptor {
	out := make([]mvmemory.WriteDescriptor, accounts)
	for i := range out {
		out[i] = mvmemory.WriteDescriptor{Key: AccountKey(uint32(i)), Value: EncodeBalance(balance)}
	}
	return out
}

// Block is the persisted form of a generated block
type Block struct {
	Height    uint64     `msgpack:"h"`
	Transfers []Transfer `msgpack:"t"`
}

func EncodeBlock(b *Block) ([]byte, error) {
	return encoding.Marshal(b)
}

func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := encoding.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
