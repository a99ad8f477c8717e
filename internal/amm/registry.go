package amm

import (
	"math/big"
	"time"

	"github.com/zammdefi/pmcore/internal/domain"
)

// Registry 进程内池注册表，实现 Venue 接口
type Registry struct {
	pools map[domain.PoolID]*Pool
}

var _ Venue = (*Registry)(nil)

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{pools: make(map[domain.PoolID]*Pool)}
}

// Create 建池；同一池键只能建一次
func (r *Registry) Create(key PoolKey, now time.Time) (*Pool, error) {
	id := key.ID()
	if _, exists := r.pools[id]; exists {
		return nil, domain.ErrPoolExists
	}
	p := NewPool(key, now)
	r.pools[id] = p
	return p, nil
}

// Get 按 ID 取池
func (r *Registry) Get(id domain.PoolID) (*Pool, bool) {
	p, ok := r.pools[id]
	return p, ok
}

// Pools 只读视图（Venue 接口；不推进累积器，取 LastSync 时点的值）
func (r *Registry) Pools(id domain.PoolID) (PoolView, bool) {
	p, ok := r.pools[id]
	if !ok {
		return PoolView{}, false
	}
	return PoolView{
		Reserve0:    new(big.Int).Set(p.reserve0),
		Reserve1:    new(big.Int).Set(p.reserve1),
		Cumulative0: new(big.Int).Set(p.cum0),
		Cumulative1: new(big.Int).Set(p.cum1),
		LastSync:    p.lastSync,
	}, true
}

// SwapExactIn Venue 接口转发
func (r *Registry) SwapExactIn(now time.Time, id domain.PoolID, zeroForOne bool, amountIn, minOut *big.Int, feeBps int64) (*big.Int, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	return p.SwapExactIn(now, amountIn, zeroForOne, minOut, feeBps)
}

// AddLiquidity Venue 接口转发
func (r *Registry) AddLiquidity(now time.Time, id domain.PoolID, amt0, amt1 *big.Int) (*big.Int, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	return p.AddLiquidity(now, amt0, amt1)
}

// RemoveLiquidity Venue 接口转发
func (r *Registry) RemoveLiquidity(now time.Time, id domain.PoolID, lpShares *big.Int) (*big.Int, *big.Int, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotRegistered
	}
	return p.RemoveLiquidity(now, lpShares)
}

// Snapshot 深拷贝当前全部池
func (r *Registry) Snapshot() interface{} {
	cp := make(map[domain.PoolID]*Pool, len(r.pools))
	for id, p := range r.pools {
		cp[id] = p.Clone()
	}
	return cp
}

// Restore 用快照覆盖
func (r *Registry) Restore(snap interface{}) {
	r.pools = snap.(map[domain.PoolID]*Pool)
}
