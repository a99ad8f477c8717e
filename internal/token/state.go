package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// AssetBalance 持久化的单条资产余额
type AssetBalance struct {
	Addr   string `json:"addr"`
	Amount string `json:"amount"`
}

// AssetAllowance 持久化的单条授权额度
type AssetAllowance struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// AssetNonce 持久化的 DAI permit nonce
type AssetNonce struct {
	Addr  string `json:"addr"`
	Nonce uint64 `json:"nonce"`
}

// AssetState 资产的可序列化状态
type AssetState struct {
	Key        string           `json:"key"`
	Balances   []AssetBalance   `json:"balances,omitempty"`
	Allowances []AssetAllowance `json:"allowances,omitempty"`
	Nonces     []AssetNonce     `json:"nonces,omitempty"`
}

// Persistable 支持状态导出/恢复的资产
type Persistable interface {
	Export() *AssetState
	Import(s *AssetState) error
}

// Export 导出余额、授权与 nonce
func (a *MemAsset) Export() *AssetState {
	s := &AssetState{Key: a.key}
	for addr, b := range a.balances {
		s.Balances = append(s.Balances, AssetBalance{Addr: addr.Hex(), Amount: b.String()})
	}
	for owner, inner := range a.allowances {
		for spender, v := range inner {
			s.Allowances = append(s.Allowances, AssetAllowance{
				Owner: owner.Hex(), Spender: spender.Hex(), Amount: v.String(),
			})
		}
	}
	for addr, n := range a.nonces {
		s.Nonces = append(s.Nonces, AssetNonce{Addr: addr.Hex(), Nonce: n})
	}
	return s
}

// Import 用导出状态覆盖余额、授权与 nonce
func (a *MemAsset) Import(s *AssetState) error {
	balances := make(map[common.Address]*big.Int, len(s.Balances))
	for _, b := range s.Balances {
		v, err := domain.ParseBig(b.Amount)
		if err != nil {
			return err
		}
		balances[common.HexToAddress(b.Addr)] = v
	}
	allowances := make(map[common.Address]map[common.Address]*big.Int)
	for _, al := range s.Allowances {
		v, err := domain.ParseBig(al.Amount)
		if err != nil {
			return err
		}
		owner := common.HexToAddress(al.Owner)
		inner := allowances[owner]
		if inner == nil {
			inner = make(map[common.Address]*big.Int)
			allowances[owner] = inner
		}
		inner[common.HexToAddress(al.Spender)] = v
	}
	nonces := make(map[common.Address]uint64, len(s.Nonces))
	for _, n := range s.Nonces {
		nonces[common.HexToAddress(n.Addr)] = n.Nonce
	}
	a.balances = balances
	a.allowances = allowances
	a.nonces = nonces
	return nil
}
