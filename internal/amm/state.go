package amm

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// PoolState 池的可序列化状态
type PoolState struct {
	Token0   string `json:"token0"`
	Token1   string `json:"token1"`
	FeeFlag  uint32 `json:"feeFlag"`
	Reserve0 string `json:"reserve0"`
	Reserve1 string `json:"reserve1"`
	Cum0     string `json:"cum0"`
	Cum1     string `json:"cum1"`
	LastSync int64  `json:"lastSync"`
	LPSupply string `json:"lpSupply"`
}

// Export 导出全部池
func (r *Registry) Export() []PoolState {
	out := make([]PoolState, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, PoolState{
			Token0:   common.Hash(p.Key.Token0).Hex(),
			Token1:   common.Hash(p.Key.Token1).Hex(),
			FeeFlag:  p.Key.FeeFlag,
			Reserve0: p.reserve0.String(),
			Reserve1: p.reserve1.String(),
			Cum0:     p.cum0.String(),
			Cum1:     p.cum1.String(),
			LastSync: p.lastSync.Unix(),
			LPSupply: p.lpSupply.String(),
		})
	}
	return out
}

// Import 从导出状态恢复全部池
func (r *Registry) Import(states []PoolState) error {
	pools := make(map[domain.PoolID]*Pool, len(states))
	for _, s := range states {
		key := PoolKey{
			Token0:  domain.TokenID(common.HexToHash(s.Token0)),
			Token1:  domain.TokenID(common.HexToHash(s.Token1)),
			FeeFlag: s.FeeFlag,
		}
		p := NewPool(key, time.Unix(s.LastSync, 0))
		var err error
		if p.reserve0, err = domain.ParseBig(s.Reserve0); err != nil {
			return err
		}
		if p.reserve1, err = domain.ParseBig(s.Reserve1); err != nil {
			return err
		}
		if p.cum0, err = domain.ParseBig(s.Cum0); err != nil {
			return err
		}
		if p.cum1, err = domain.ParseBig(s.Cum1); err != nil {
			return err
		}
		if p.lpSupply, err = domain.ParseBig(s.LPSupply); err != nil {
			return err
		}
		pools[key.ID()] = p
	}
	r.pools = pools
	return nil
}
