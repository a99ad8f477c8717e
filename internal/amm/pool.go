package amm

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zammdefi/pmcore/internal/domain"
)

// MinLiquidity 首次注入流动性时永久锁定的 LP 份额下限。
// 种子流动性换算出的 LP 必须超过该值，否则建池失败。
const MinLiquidity = 1000

// PoolKey 池标识键：有序 token 对 + fee/hook 编码值。
// 排序规则必须精确复制：字节序较小的 token id 恒为 token0。
// YES/NO 的派生 id 大小关系随市场而变，所有方向判断都依赖这个规则。
type PoolKey struct {
	Token0  domain.TokenID
	Token1  domain.TokenID
	FeeFlag uint32
}

// NewPoolKey 构造有序池键
func NewPoolKey(a, b domain.TokenID, feeFlag uint32) PoolKey {
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return PoolKey{Token0: a, Token1: b, FeeFlag: feeFlag}
}

// ID 池 ID：keccak256(token0 || token1 || feeFlag)
func (k PoolKey) ID() domain.PoolID {
	var flag [4]byte
	binary.BigEndian.PutUint32(flag[:], k.FeeFlag)
	return domain.PoolID(crypto.Keccak256Hash(k.Token0[:], k.Token1[:], flag[:]))
}

// PoolView 池的只读视图：储备、价格累积器与最近同步时间
type PoolView struct {
	Reserve0    *big.Int
	Reserve1    *big.Int
	Cumulative0 *big.Int // token0 概率价（bps）对时间的累积，bps·秒
	Cumulative1 *big.Int
	LastSync    time.Time
}

// Venue 外部 AMM 流动性场所接口（常乘积引擎本身视为不透明协作者）
type Venue interface {
	Pools(id domain.PoolID) (PoolView, bool)
	SwapExactIn(now time.Time, id domain.PoolID, zeroForOne bool, amountIn, minOut *big.Int, feeBps int64) (*big.Int, error)
	AddLiquidity(now time.Time, id domain.PoolID, amt0, amt1 *big.Int) (*big.Int, error)
	RemoveLiquidity(now time.Time, id domain.PoolID, lpShares *big.Int) (*big.Int, *big.Int, error)
}

// Pool 进程内常乘积参考池。
// 概率型报价：price0 = reserve1 / (reserve0 + reserve1)，以 bps 表示；
// 累积器按 bps·秒 累加，供 TWAP 取差分。
type Pool struct {
	Key      PoolKey
	reserve0 *big.Int
	reserve1 *big.Int
	cum0     *big.Int
	cum1     *big.Int
	lastSync time.Time
	lpSupply *big.Int
}

// NewPool 创建空池
func NewPool(key PoolKey, now time.Time) *Pool {
	return &Pool{
		Key:      key,
		reserve0: new(big.Int),
		reserve1: new(big.Int),
		cum0:     new(big.Int),
		cum1:     new(big.Int),
		lastSync: now,
		lpSupply: new(big.Int),
	}
}

// SpotPrice0Bps token0 的即时概率价（bps）；空池返回 5000
func (p *Pool) SpotPrice0Bps() int64 {
	total := new(big.Int).Add(p.reserve0, p.reserve1)
	return domain.DivToBps(p.reserve1, total, domain.BpsDenom/2)
}

// sync 把 [lastSync, now) 区间的即时价累进累积器
func (p *Pool) sync(now time.Time) {
	dt := int64(now.Sub(p.lastSync) / time.Second)
	if dt <= 0 {
		return
	}
	if p.reserve0.Sign() > 0 && p.reserve1.Sign() > 0 {
		price0 := p.SpotPrice0Bps()
		p.cum0.Add(p.cum0, big.NewInt(price0*dt))
		p.cum1.Add(p.cum1, big.NewInt((domain.BpsDenom-price0)*dt))
	}
	p.lastSync = now
}

// View 只读视图（先同步累积器）
func (p *Pool) View(now time.Time) PoolView {
	p.sync(now)
	return PoolView{
		Reserve0:    new(big.Int).Set(p.reserve0),
		Reserve1:    new(big.Int).Set(p.reserve1),
		Cumulative0: new(big.Int).Set(p.cum0),
		Cumulative1: new(big.Int).Set(p.cum1),
		LastSync:    p.lastSync,
	}
}

// QuoteSwapExactIn 纯报价：常乘积 + 手续费
// out = inWithFee * reserveOut / (reserveIn * 10000 + inWithFee)
func (p *Pool) QuoteSwapExactIn(amountIn *big.Int, zeroForOne bool, feeBps int64) *big.Int {
	reserveIn, reserveOut := p.reserve0, p.reserve1
	if !zeroForOne {
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(domain.BpsDenom-feeBps))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(domain.BpsDenom))
	den.Add(den, inWithFee)
	return num.Quo(num, den)
}

// SwapExactIn 执行 swap；产出不足 minOut 或会抽干池子时报错
func (p *Pool) SwapExactIn(now time.Time, amountIn *big.Int, zeroForOne bool, minOut *big.Int, feeBps int64) (*big.Int, error) {
	if amountIn.Sign() <= 0 {
		return nil, domain.ErrZeroAmount
	}
	p.sync(now)
	out := p.QuoteSwapExactIn(amountIn, zeroForOne, feeBps)
	reserveOut := p.reserve1
	if !zeroForOne {
		reserveOut = p.reserve0
	}
	if out.Sign() == 0 || out.Cmp(reserveOut) >= 0 {
		return nil, domain.ErrInsufficientLiquidity
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, domain.ErrSlippage
	}
	if zeroForOne {
		p.reserve0.Add(p.reserve0, amountIn)
		p.reserve1.Sub(p.reserve1, out)
	} else {
		p.reserve1.Add(p.reserve1, amountIn)
		p.reserve0.Sub(p.reserve0, out)
	}
	return out, nil
}

// AddLiquidity 注入流动性，返回铸造的 LP 份额。
// 首次注入要求 sqrt(amt0*amt1) > MinLiquidity（下限份额永久锁定）。
func (p *Pool) AddLiquidity(now time.Time, amt0, amt1 *big.Int) (*big.Int, error) {
	if amt0.Sign() <= 0 || amt1.Sign() <= 0 {
		return nil, domain.ErrZeroAmount
	}
	p.sync(now)
	var lp *big.Int
	if p.lpSupply.Sign() == 0 {
		prod := new(big.Int).Mul(amt0, amt1)
		lp = new(big.Int).Sqrt(prod)
		lp.Sub(lp, big.NewInt(MinLiquidity))
		if lp.Sign() <= 0 {
			return nil, domain.ErrInsufficientLiquidity
		}
		p.lpSupply.Add(p.lpSupply, big.NewInt(MinLiquidity))
	} else {
		lp0 := new(big.Int).Mul(amt0, p.lpSupply)
		lp0.Quo(lp0, p.reserve0)
		lp1 := new(big.Int).Mul(amt1, p.lpSupply)
		lp1.Quo(lp1, p.reserve1)
		lp = domain.BigMin(lp0, lp1)
		if lp.Sign() <= 0 {
			return nil, domain.ErrZeroAmount
		}
	}
	p.reserve0.Add(p.reserve0, amt0)
	p.reserve1.Add(p.reserve1, amt1)
	p.lpSupply.Add(p.lpSupply, lp)
	return lp, nil
}

// RemoveLiquidity 按 LP 份额比例取回两侧储备
func (p *Pool) RemoveLiquidity(now time.Time, lpShares *big.Int) (*big.Int, *big.Int, error) {
	if lpShares.Sign() <= 0 {
		return nil, nil, domain.ErrZeroAmount
	}
	if lpShares.Cmp(p.lpSupply) > 0 {
		return nil, nil, domain.ErrInsufficientBalance
	}
	p.sync(now)
	amt0 := new(big.Int).Mul(p.reserve0, lpShares)
	amt0.Quo(amt0, p.lpSupply)
	amt1 := new(big.Int).Mul(p.reserve1, lpShares)
	amt1.Quo(amt1, p.lpSupply)
	p.reserve0.Sub(p.reserve0, amt0)
	p.reserve1.Sub(p.reserve1, amt1)
	p.lpSupply.Sub(p.lpSupply, lpShares)
	return amt0, amt1, nil
}

// Reserves 当前储备（副本）
func (p *Pool) Reserves() (*big.Int, *big.Int) {
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

// LPSupply 当前 LP 总量（副本）
func (p *Pool) LPSupply() *big.Int {
	return new(big.Int).Set(p.lpSupply)
}

// Clone 深拷贝
func (p *Pool) Clone() *Pool {
	return &Pool{
		Key:      p.Key,
		reserve0: new(big.Int).Set(p.reserve0),
		reserve1: new(big.Int).Set(p.reserve1),
		cum0:     new(big.Int).Set(p.cum0),
		cum1:     new(big.Int).Set(p.cum1),
		lastSync: p.lastSync,
		lpSupply: new(big.Int).Set(p.lpSupply),
	}
}
