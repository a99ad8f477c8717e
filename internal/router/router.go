package router

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/amm"
	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/feehook"
	"github.com/zammdefi/pmcore/internal/ledger"
	"github.com/zammdefi/pmcore/internal/twap"
)

var log = logrus.WithField("component", "router")

// RouterAddress 路由器记账地址：金库份额库存、点差收入抵押品都挂在这个名下
var RouterAddress = common.BytesToAddress([]byte("pmcore/router"))

// AMMAddress 池储备对应的份额托管地址，镜像池内 reserve 变动
var AMMAddress = common.BytesToAddress([]byte("pmcore/amm"))

// MaxCollateralIn 单笔抵押品上限，防御下游定点运算溢出
var MaxCollateralIn = new(big.Int).Lsh(big.NewInt(1), 96)

const (
	// MaxDepletionBps 单笔 OTC 买入最多消耗该侧金库库存的比例
	MaxDepletionBps = 3000
	// MaxPriceImpactBps AMM 腿的价格冲击护栏
	MaxPriceImpactBps = 1200
	// MaxMintSkewBps 铸造回补路径允许的库存占比上限：
	// 反向份额入库后该侧占比超过此值就直接交给买家，不往金库塞
	MaxMintSkewBps = 8000
)

// Registration 市场与其规范池的绑定，注册后不可变
type Registration struct {
	PoolID      domain.PoolID
	FeeFlag     uint32
	YesIsToken0 bool
}

// Router 启动金库 + 多场所路由。
// 并发控制与失败回滚都由上层引擎提供（互斥锁 + 快照恢复），
// 本层方法可以在中途失败而不自己清理。
type Router struct {
	ledger *ledger.Ledger
	pools  amm.Venue
	hooks  *feehook.Registry
	oracle *twap.Oracle

	vaults map[domain.MarketID]*Vault
	regs   map[domain.MarketID]Registration

	cooldown time.Duration
	dao      common.Address
}

// New 创建路由器
func New(l *ledger.Ledger, pools amm.Venue, hooks *feehook.Registry, oracle *twap.Oracle,
	cooldown time.Duration, dao common.Address) *Router {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Router{
		ledger:   l,
		pools:    pools,
		hooks:    hooks,
		oracle:   oracle,
		vaults:   make(map[domain.MarketID]*Vault),
		regs:     make(map[domain.MarketID]Registration),
		cooldown: cooldown,
		dao:      dao,
	}
}

// Registration 查市场注册信息
func (r *Router) Registration(id domain.MarketID) (Registration, bool) {
	reg, ok := r.regs[id]
	return reg, ok
}

// Vault 查市场金库
func (r *Router) Vault(id domain.MarketID) (*Vault, bool) {
	v, ok := r.vaults[id]
	return v, ok
}

// nativeValue 原生资产市场的 split 调用需要附带等额 value
func (r *Router) nativeValue(m *domain.Market, amt *big.Int) *big.Int {
	if a, ok := r.ledger.Asset(m.CollateralKey); ok && a.Native() {
		return amt
	}
	return nil
}

// yesCumulativeAt 把池的 YES 侧价格累积器外推到 now。
// 池只在被触碰时同步，观测者按当前现价补足 [lastSync, now) 的反事实累积。
func yesCumulativeAt(view amm.PoolView, yesIsToken0 bool, now time.Time) *big.Int {
	cum, spot := view.Cumulative0, spotYesBps(view, yesIsToken0)
	if !yesIsToken0 {
		cum = view.Cumulative1
	}
	out := new(big.Int).Set(cum)
	dt := int64(now.Sub(view.LastSync) / time.Second)
	if dt > 0 && view.Reserve0.Sign() > 0 && view.Reserve1.Sign() > 0 {
		out.Add(out, big.NewInt(spot*dt))
	}
	return out
}

// spotYesBps 瞬时 YES 概率价：pYes = noReserve/(yes+no)
func spotYesBps(view amm.PoolView, yesIsToken0 bool) int64 {
	yes, no := view.Reserve0, view.Reserve1
	if !yesIsToken0 {
		yes, no = no, yes
	}
	total := new(big.Int).Add(yes, no)
	return domain.DivToBps(no, total, domain.BpsDenom/2)
}

// BootstrapMarket 一步完成市场启动：
// 建市场 → split LP 抵押品 → 50/50 播种规范池 → 注册 hook → 初始化 TWAP → 可选立即买入。
// 池 LP 份额记入账本（token id 取池 id），归 receiver。
func (r *Router) BootstrapMarket(now time.Time, seq uint64, caller common.Address,
	description string, resolver common.Address, collateralKey string,
	closeTime time.Time, canClose bool, feeFlag uint32, cfg feehook.Config,
	collateralForLP *big.Int, buyYes bool, buyCollateral, minSharesOut *big.Int,
	receiver common.Address) (domain.MarketID, domain.PoolID, *big.Int, *big.Int, error) {

	if receiver == (common.Address{}) {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, domain.ErrInvalidReceiver
	}
	if collateralForLP == nil || collateralForLP.Sign() == 0 {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, domain.ErrZeroAmount
	}

	id, _, err := r.ledger.CreateMarket(now, description, resolver, collateralKey, closeTime, canClose)
	if err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}
	m, _ := r.ledger.Market(id)

	shares, _, err := r.ledger.Split(now, caller, id, collateralForLP, RouterAddress, r.nativeValue(m, collateralForLP))
	if err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}

	key := amm.NewPoolKey(id.Yes(), id.No(), feeFlag)
	poolID := key.ID()
	yesIsToken0 := key.Token0 == id.Yes()

	if reg, ok := r.pools.(*amm.Registry); ok {
		if _, err := reg.Create(key, now); err != nil {
			return domain.MarketID{}, domain.PoolID{}, nil, nil, err
		}
	}
	poolLP, err := r.pools.AddLiquidity(now, poolID, shares, shares)
	if err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}
	book := r.ledger.Book()
	if err := book.Transfer(RouterAddress, AMMAddress, id.Yes(), shares); err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}
	if err := book.Transfer(RouterAddress, AMMAddress, id.No(), shares); err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}
	book.Mint(receiver, domain.TokenID(poolID), poolLP)

	if err := r.hooks.Register(poolID, now, yesIsToken0, cfg); err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}
	view, _ := r.pools.Pools(poolID)
	cum := yesCumulativeAt(view, yesIsToken0, now)
	if err := r.oracle.Initialize(id, now, cum, spotYesBps(view, yesIsToken0), seq); err != nil {
		return domain.MarketID{}, domain.PoolID{}, nil, nil, err
	}

	r.regs[id] = Registration{PoolID: poolID, FeeFlag: feeFlag, YesIsToken0: yesIsToken0}
	r.vaults[id] = NewVault()

	log.WithFields(logrus.Fields{
		"market": id.Hex(),
		"pool":   poolID.Hex(),
		"seedLP": poolLP.String(),
	}).Info("市场已启动")

	sharesOut := new(big.Int)
	if buyCollateral != nil && buyCollateral.Sign() > 0 {
		sharesOut, _, _, err = r.Buy(now, seq, caller, id, buyYes, buyCollateral, minSharesOut, receiver)
		if err != nil {
			return domain.MarketID{}, domain.PoolID{}, nil, nil, err
		}
	}
	return id, poolID, poolLP, sharesOut, nil
}

// UpdateTWAP 推进市场的 TWAP 观测
func (r *Router) UpdateTWAP(now time.Time, seq uint64, id domain.MarketID) (int64, error) {
	reg, ok := r.regs[id]
	if !ok {
		return 0, domain.ErrMarketNotRegistered
	}
	view, ok := r.pools.Pools(reg.PoolID)
	if !ok {
		return 0, domain.ErrMarketNotRegistered
	}
	return r.oracle.Update(id, now, yesCumulativeAt(view, reg.YesIsToken0, now), seq)
}

// DepositToVault 存入已 split 的单侧份额，铸金库 LP。
// 份额从 caller 划走，LP 与加权入金时间戳记到 to 名下。
func (r *Router) DepositToVault(now time.Time, caller common.Address, id domain.MarketID,
	yes bool, shares *big.Int, to common.Address) (*big.Int, error) {

	if to == (common.Address{}) {
		return nil, domain.ErrInvalidReceiver
	}
	v, m, err := r.activeVault(now, id)
	if err != nil {
		return nil, err
	}
	tok := id.Yes()
	if !yes {
		tok = id.No()
	}
	if err := r.ledger.Book().Transfer(caller, RouterAddress, tok, shares); err != nil {
		return nil, err
	}
	lp, fee, err := v.Side(yes).deposit(now, to, shares)
	if err != nil {
		return nil, err
	}
	if err := r.payCollateral(m, to, fee); err != nil {
		return nil, err
	}
	return lp, nil
}

// WithdrawFromVault 冷却期满后按 LP 占比取回份额与累计费用收入
func (r *Router) WithdrawFromVault(now time.Time, caller common.Address, id domain.MarketID,
	yes bool, lp *big.Int) (*big.Int, *big.Int, error) {

	v, ok := r.vaults[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotRegistered
	}
	m, _ := r.ledger.Market(id)
	shares, fee, err := v.Side(yes).withdraw(now, caller, lp, r.cooldown)
	if err != nil {
		return nil, nil, err
	}
	tok := id.Yes()
	if !yes {
		tok = id.No()
	}
	if shares.Sign() > 0 {
		if err := r.ledger.Book().Transfer(RouterAddress, caller, tok, shares); err != nil {
			return nil, nil, err
		}
	}
	if err := r.payCollateral(m, caller, fee); err != nil {
		return nil, nil, err
	}
	return shares, fee, nil
}

// HarvestVaultFees 结清两侧待领费用，LP 持仓不动
func (r *Router) HarvestVaultFees(caller common.Address, id domain.MarketID) (*big.Int, error) {
	v, ok := r.vaults[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	m, _ := r.ledger.Market(id)
	fee := v.Yes.harvest(caller)
	fee.Add(fee, v.No.harvest(caller))
	if err := r.payCollateral(m, caller, fee); err != nil {
		return nil, err
	}
	return fee, nil
}

// SettleRebalanceBudget 收盘后把再平衡预算清给 DAO
func (r *Router) SettleRebalanceBudget(now time.Time, caller common.Address, id domain.MarketID) (*big.Int, error) {
	v, ok := r.vaults[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	if v.Finalized {
		return nil, domain.ErrFinalized
	}
	m, _ := r.ledger.Market(id)
	if now.Before(m.CloseTime) {
		return nil, domain.ErrMarketNotClosed
	}
	swept := new(big.Int).Set(v.RebalanceBudget)
	v.RebalanceBudget.SetInt64(0)
	if err := r.payCollateral(m, r.dao, swept); err != nil {
		return nil, err
	}
	return swept, nil
}

// FinalizeMarket 裁决后终结市场：停用 hook、清预算、置终态。一次性。
func (r *Router) FinalizeMarket(caller common.Address, id domain.MarketID) (*big.Int, error) {
	v, ok := r.vaults[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	if v.Finalized {
		return nil, domain.ErrFinalized
	}
	m, _ := r.ledger.Market(id)
	if !m.Resolved {
		return nil, domain.ErrNotResolved
	}
	reg := r.regs[id]
	r.hooks.Deactivate(reg.PoolID)
	swept := new(big.Int).Set(v.RebalanceBudget)
	v.RebalanceBudget.SetInt64(0)
	v.Finalized = true
	if err := r.payCollateral(m, r.dao, swept); err != nil {
		return nil, err
	}
	log.WithField("market", id.Hex()).Info("市场已终结")
	return swept, nil
}

// activeVault 取未终结金库 + 开放中的市场
func (r *Router) activeVault(now time.Time, id domain.MarketID) (*Vault, *domain.Market, error) {
	v, ok := r.vaults[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotRegistered
	}
	if v.Finalized {
		return nil, nil, domain.ErrFinalized
	}
	m, _ := r.ledger.Market(id)
	if !m.Open(now) {
		return nil, nil, domain.ErrMarketClosed
	}
	return v, m, nil
}

// payCollateral 从路由器名下付抵押品；零额直接跳过
func (r *Router) payCollateral(m *domain.Market, to common.Address, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return nil
	}
	asset, _ := r.ledger.Asset(m.CollateralKey)
	return asset.Transfer(RouterAddress, to, amt)
}

// snapshot 内部状态快照
type snapshot struct {
	vaults map[domain.MarketID]*Vault
	regs   map[domain.MarketID]Registration
}

// Snapshot 深拷贝当前状态
func (r *Router) Snapshot() interface{} {
	s := &snapshot{
		vaults: make(map[domain.MarketID]*Vault, len(r.vaults)),
		regs:   make(map[domain.MarketID]Registration, len(r.regs)),
	}
	for id, v := range r.vaults {
		s.vaults[id] = v.Clone()
	}
	for id, reg := range r.regs {
		s.regs[id] = reg
	}
	return s
}

// Restore 用快照覆盖
func (r *Router) Restore(snap interface{}) {
	s := snap.(*snapshot)
	r.vaults = s.vaults
	r.regs = s.regs
}
