package simulator

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountOverride replaces parts of one account for a single simulation.
// Nil fields are left as the pinned block has them.
type AccountOverride struct {
	Balance *big.Int
	Code    []byte
	Storage map[common.Hash]common.Hash // patched slots, others untouched
}

// OverrideTable is the full set of account overrides applied on top of the
// pinned block. A table is cheap to Clone; simulations clone a shared base
// and never write to it.
type OverrideTable map[common.Address]*AccountOverride

func (t OverrideTable) account(a common.Address) *AccountOverride {
	acc, ok := t[a]
	if !ok {
		acc = &AccountOverride{}
		t[a] = acc
	}
	return acc
}

// SetBalance overrides the native balance of a.
func (t OverrideTable) SetBalance(a common.Address, wei *big.Int) {
	t.account(a).Balance = new(big.Int).Set(wei)
}

// SetCode injects bytecode at a.
func (t OverrideTable) SetCode(a common.Address, code []byte) {
	t.account(a).Code = common.CopyBytes(code)
}

// SetStorage patches one storage slot of a.
func (t OverrideTable) SetStorage(a common.Address, slot, value common.Hash) {
	acc := t.account(a)
	if acc.Storage == nil {
		acc.Storage = make(map[common.Hash]common.Hash)
	}
	acc.Storage[slot] = value
}

// Clone returns a deep copy.
func (t OverrideTable) Clone() OverrideTable {
	out := make(OverrideTable, len(t))
	for a, acc := range t {
		c := &AccountOverride{Code: common.CopyBytes(acc.Code)}
		if acc.Balance != nil {
			c.Balance = new(big.Int).Set(acc.Balance)
		}
		if acc.Storage != nil {
			c.Storage = make(map[common.Hash]common.Hash, len(acc.Storage))
			for k, v := range acc.Storage {
				c.Storage[k] = v
			}
		}
		out[a] = c
	}
	return out
}

type wireAccount struct {
	Balance   *hexutil.Big                `json:"balance,omitempty"`
	Code      hexutil.Bytes               `json:"code,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// MarshalJSON encodes the table as eth_call / eth_simulateV1 state overrides.
func (t OverrideTable) MarshalJSON() ([]byte, error) {
	wire := make(map[common.Address]wireAccount, len(t))
	for a, acc := range t {
		w := wireAccount{Code: acc.Code, StateDiff: acc.Storage}
		if acc.Balance != nil {
			w.Balance = (*hexutil.Big)(acc.Balance)
		}
		wire[a] = w
	}
	return json.Marshal(wire)
}

// BalanceSlot is the storage key of holder's entry in a Solidity
// mapping(address => uint256) declared at slot index.
func BalanceSlot(holder common.Address, index int64) common.Hash {
	key := common.LeftPadBytes(holder.Bytes(), 32)
	pos := common.LeftPadBytes(big.NewInt(index).Bytes(), 32)
	return crypto.Keccak256Hash(key, pos)
}
