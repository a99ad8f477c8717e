package engine

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/amm"
	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/feehook"
	"github.com/zammdefi/pmcore/internal/ledger"
	"github.com/zammdefi/pmcore/internal/router"
	"github.com/zammdefi/pmcore/internal/token"
	"github.com/zammdefi/pmcore/internal/twap"
)

var log = logrus.WithField("component", "engine")

// Options 引擎装配参数
type Options struct {
	// Clock 可注入时钟，nil 用 time.Now
	Clock func() time.Time
	// Cooldown 金库取款冷却，0 用默认值
	Cooldown time.Duration
	// MinTWAPInterval 两次 TWAP 观测的最小间隔，0 用默认值
	MinTWAPInterval time.Duration
	// DAO 再平衡预算的归集地址
	DAO common.Address
}

// Engine 全局撮合引擎：账本、AMM、hook、TWAP、路由器的装配体。
// 单把互斥锁串行化所有状态变更；每次变更跑在快照之上，
// 失败整体回滚，对外呈现全有或全无的语义。
type Engine struct {
	mu  sync.Mutex
	now func() time.Time
	seq uint64

	ledger *ledger.Ledger
	pools  *amm.Registry
	hooks  *feehook.Registry
	oracle *twap.Oracle
	router *router.Router
}

// New 装配引擎
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	l := ledger.New()
	pools := amm.NewRegistry()
	hooks := feehook.NewRegistry()
	oracle := twap.New(opts.MinTWAPInterval)
	return &Engine{
		now:    clock,
		ledger: l,
		pools:  pools,
		hooks:  hooks,
		oracle: oracle,
		router: router.New(l, pools, hooks, oracle, opts.Cooldown, opts.DAO),
	}
}

// RegisterAsset 注册抵押品资产（启动期调用）
func (e *Engine) RegisterAsset(a token.Asset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.RegisterAsset(a)
}

// Asset 按 key 查资产
func (e *Engine) Asset(key string) (token.Asset, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Asset(key)
}

// Tx 一次受保护的状态变更。所有操作共享同一个 now 与序号，
// 中途任何失败都会让引擎整体回到进入前的状态。
type Tx struct {
	e   *Engine
	now time.Time
	seq uint64
}

// Now 本次变更的统一时间戳
func (tx *Tx) Now() time.Time { return tx.now }

// Seq 本次变更的引擎序号
func (tx *Tx) Seq() uint64 { return tx.seq }

// CheckDeadline 截止时间检查；零值表示不设截止
func (tx *Tx) CheckDeadline(deadline time.Time) error {
	if !deadline.IsZero() && tx.now.After(deadline) {
		return domain.ErrDeadlineExpired
	}
	return nil
}

// Execute 在引擎锁与快照保护下执行 fn。
// fn 返回错误时恢复全部子系统快照；恢复采用整表替换，
// 跨包持有的容器指针在回滚后仍然有效。
func (e *Engine) Execute(fn func(tx *Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	snapLedger := e.ledger.Snapshot()
	snapPools := e.pools.Snapshot()
	snapHooks := e.hooks.Snapshot()
	snapOracle := e.oracle.Snapshot()
	snapRouter := e.router.Snapshot()
	seq := e.seq

	tx := &Tx{e: e, now: e.now(), seq: seq}
	if err := fn(tx); err != nil {
		e.ledger.Restore(snapLedger)
		e.pools.Restore(snapPools)
		e.hooks.Restore(snapHooks)
		e.oracle.Restore(snapOracle)
		e.router.Restore(snapRouter)
		return err
	}
	return nil
}

// ---- Tx 操作：账本 ----

func (tx *Tx) CreateMarket(description string, resolver common.Address, collateralKey string,
	closeTime time.Time, canClose bool) (domain.MarketID, domain.TokenID, error) {
	return tx.e.ledger.CreateMarket(tx.now, description, resolver, collateralKey, closeTime, canClose)
}

func (tx *Tx) Split(caller common.Address, id domain.MarketID, collateralIn *big.Int,
	to common.Address, value *big.Int) (*big.Int, *big.Int, error) {
	return tx.e.ledger.Split(tx.now, caller, id, collateralIn, to, value)
}

func (tx *Tx) Merge(caller common.Address, id domain.MarketID, amount *big.Int,
	to common.Address) (*big.Int, *big.Int, error) {
	return tx.e.ledger.Merge(tx.now, caller, id, amount, to)
}

func (tx *Tx) Resolve(caller common.Address, id domain.MarketID, outcome bool) error {
	return tx.e.ledger.Resolve(tx.now, caller, id, outcome)
}

func (tx *Tx) Claim(caller common.Address, id domain.MarketID, to common.Address) (*big.Int, *big.Int, error) {
	return tx.e.ledger.Claim(caller, id, to)
}

func (tx *Tx) ClaimMany(caller common.Address, ids []domain.MarketID, to common.Address) (*big.Int, *big.Int, error) {
	return tx.e.ledger.ClaimMany(caller, ids, to)
}

func (tx *Tx) CloseMarket(caller common.Address, id domain.MarketID) error {
	return tx.e.ledger.CloseMarket(tx.now, caller, id)
}

func (tx *Tx) SetResolverFee(caller common.Address, id domain.MarketID, feeBps int64) error {
	return tx.e.ledger.SetResolverFee(caller, id, feeBps)
}

func (tx *Tx) TransferShares(from, to common.Address, tok domain.TokenID, amount *big.Int) error {
	return tx.e.ledger.Book().Transfer(from, to, tok, amount)
}

func (tx *Tx) TransferSharesFrom(spender, from, to common.Address, tok domain.TokenID, amount *big.Int) error {
	return tx.e.ledger.Book().TransferFrom(spender, from, to, tok, amount)
}

func (tx *Tx) ApproveShares(owner, spender common.Address, tok domain.TokenID, amount *big.Int) {
	tx.e.ledger.Book().Approve(owner, spender, tok, amount)
}

func (tx *Tx) SetOperator(owner, operator common.Address, approved bool) {
	tx.e.ledger.Book().SetOperator(owner, operator, approved)
}

// ---- Tx 操作：路由 ----

func (tx *Tx) BootstrapMarket(caller common.Address, description string, resolver common.Address,
	collateralKey string, closeTime time.Time, canClose bool, feeFlag uint32, cfg feehook.Config,
	collateralForLP *big.Int, buyYes bool, buyCollateral, minSharesOut *big.Int,
	receiver common.Address) (domain.MarketID, domain.PoolID, *big.Int, *big.Int, error) {
	return tx.e.router.BootstrapMarket(tx.now, tx.seq, caller, description, resolver, collateralKey,
		closeTime, canClose, feeFlag, cfg, collateralForLP, buyYes, buyCollateral, minSharesOut, receiver)
}

func (tx *Tx) UpdateTWAP(id domain.MarketID) (int64, error) {
	return tx.e.router.UpdateTWAP(tx.now, tx.seq, id)
}

func (tx *Tx) DepositToVault(caller common.Address, id domain.MarketID, yes bool, shares *big.Int, to common.Address) (*big.Int, error) {
	return tx.e.router.DepositToVault(tx.now, caller, id, yes, shares, to)
}

func (tx *Tx) WithdrawFromVault(caller common.Address, id domain.MarketID, yes bool, lp *big.Int) (*big.Int, *big.Int, error) {
	return tx.e.router.WithdrawFromVault(tx.now, caller, id, yes, lp)
}

func (tx *Tx) HarvestVaultFees(caller common.Address, id domain.MarketID) (*big.Int, error) {
	return tx.e.router.HarvestVaultFees(caller, id)
}

func (tx *Tx) Buy(caller common.Address, id domain.MarketID, buyYes bool,
	collateralIn, minSharesOut *big.Int, receiver common.Address) (*big.Int, domain.VenueSource, *big.Int, error) {
	return tx.e.router.Buy(tx.now, tx.seq, caller, id, buyYes, collateralIn, minSharesOut, receiver)
}

func (tx *Tx) Sell(caller common.Address, id domain.MarketID, sellYes bool,
	sharesIn, minCollateralOut *big.Int, receiver common.Address) (*big.Int, domain.VenueSource, error) {
	return tx.e.router.Sell(tx.now, tx.seq, caller, id, sellYes, sharesIn, minCollateralOut, receiver)
}

func (tx *Tx) SettleRebalanceBudget(caller common.Address, id domain.MarketID) (*big.Int, error) {
	return tx.e.router.SettleRebalanceBudget(tx.now, caller, id)
}

func (tx *Tx) FinalizeMarket(caller common.Address, id domain.MarketID) (*big.Int, error) {
	return tx.e.router.FinalizeMarket(caller, id)
}

// Permit 向资产转发签名授权
func (tx *Tx) Permit(assetKey string, style token.PermitStyle, args token.PermitArgs) error {
	a, ok := tx.e.ledger.Asset(assetKey)
	if !ok {
		return fmt.Errorf("%w: unknown asset %q", domain.ErrPermitRejected, assetKey)
	}
	return token.ForwardPermit(a, style, args, tx.now)
}

// ---- 公开便捷封装：每个都是独立的受保护变更 ----

func (e *Engine) CreateMarket(description string, resolver common.Address, collateralKey string,
	closeTime time.Time, canClose bool) (id domain.MarketID, noID domain.TokenID, err error) {
	err = e.Execute(func(tx *Tx) error {
		id, noID, err = tx.CreateMarket(description, resolver, collateralKey, closeTime, canClose)
		return err
	})
	return
}

func (e *Engine) Split(caller common.Address, id domain.MarketID, collateralIn *big.Int,
	to common.Address, value *big.Int, deadline time.Time) (shares, used *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		shares, used, err = tx.Split(caller, id, collateralIn, to, value)
		return err
	})
	return
}

func (e *Engine) Merge(caller common.Address, id domain.MarketID, amount *big.Int,
	to common.Address, deadline time.Time) (merged, collateralOut *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		merged, collateralOut, err = tx.Merge(caller, id, amount, to)
		return err
	})
	return
}

func (e *Engine) Resolve(caller common.Address, id domain.MarketID, outcome bool) error {
	return e.Execute(func(tx *Tx) error { return tx.Resolve(caller, id, outcome) })
}

func (e *Engine) Claim(caller common.Address, id domain.MarketID, to common.Address) (shares, payout *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		shares, payout, err = tx.Claim(caller, id, to)
		return err
	})
	return
}

func (e *Engine) ClaimMany(caller common.Address, ids []domain.MarketID, to common.Address) (shares, payout *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		shares, payout, err = tx.ClaimMany(caller, ids, to)
		return err
	})
	return
}

func (e *Engine) CloseMarket(caller common.Address, id domain.MarketID) error {
	return e.Execute(func(tx *Tx) error { return tx.CloseMarket(caller, id) })
}

func (e *Engine) SetResolverFee(caller common.Address, id domain.MarketID, feeBps int64) error {
	return e.Execute(func(tx *Tx) error { return tx.SetResolverFee(caller, id, feeBps) })
}

func (e *Engine) BootstrapMarket(caller common.Address, description string, resolver common.Address,
	collateralKey string, closeTime time.Time, canClose bool, feeFlag uint32, cfg feehook.Config,
	collateralForLP *big.Int, buyYes bool, buyCollateral, minSharesOut *big.Int,
	receiver common.Address, deadline time.Time) (id domain.MarketID, poolID domain.PoolID, poolLP, sharesOut *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		id, poolID, poolLP, sharesOut, err = tx.BootstrapMarket(caller, description, resolver,
			collateralKey, closeTime, canClose, feeFlag, cfg, collateralForLP, buyYes, buyCollateral,
			minSharesOut, receiver)
		return err
	})
	return
}

func (e *Engine) UpdateTWAP(id domain.MarketID) (bps int64, err error) {
	err = e.Execute(func(tx *Tx) error {
		bps, err = tx.UpdateTWAP(id)
		return err
	})
	return
}

func (e *Engine) DepositToVault(caller common.Address, id domain.MarketID, yes bool,
	shares *big.Int, to common.Address, deadline time.Time) (lp *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		lp, err = tx.DepositToVault(caller, id, yes, shares, to)
		return err
	})
	return
}

func (e *Engine) WithdrawFromVault(caller common.Address, id domain.MarketID, yes bool,
	lp *big.Int, deadline time.Time) (shares, fee *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		shares, fee, err = tx.WithdrawFromVault(caller, id, yes, lp)
		return err
	})
	return
}

func (e *Engine) HarvestVaultFees(caller common.Address, id domain.MarketID) (fee *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		fee, err = tx.HarvestVaultFees(caller, id)
		return err
	})
	return
}

func (e *Engine) Buy(caller common.Address, id domain.MarketID, buyYes bool,
	collateralIn, minSharesOut *big.Int, receiver common.Address, deadline time.Time) (shares *big.Int, venue domain.VenueSource, vaultMinted *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		shares, venue, vaultMinted, err = tx.Buy(caller, id, buyYes, collateralIn, minSharesOut, receiver)
		return err
	})
	return
}

func (e *Engine) Sell(caller common.Address, id domain.MarketID, sellYes bool,
	sharesIn, minCollateralOut *big.Int, receiver common.Address, deadline time.Time) (payout *big.Int, venue domain.VenueSource, err error) {
	err = e.Execute(func(tx *Tx) error {
		if err := tx.CheckDeadline(deadline); err != nil {
			return err
		}
		payout, venue, err = tx.Sell(caller, id, sellYes, sharesIn, minCollateralOut, receiver)
		return err
	})
	return
}

func (e *Engine) SettleRebalanceBudget(caller common.Address, id domain.MarketID) (swept *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		swept, err = tx.SettleRebalanceBudget(caller, id)
		return err
	})
	return
}

func (e *Engine) FinalizeMarket(caller common.Address, id domain.MarketID) (swept *big.Int, err error) {
	err = e.Execute(func(tx *Tx) error {
		swept, err = tx.FinalizeMarket(caller, id)
		return err
	})
	return
}

// ---- 只读访问 ----

// Seq 当前引擎序号
func (e *Engine) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// MarketInfo 市场信息副本
func (e *Engine) MarketInfo(id domain.MarketID) (*domain.Market, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.ledger.Market(id)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// MarketIDs 全部市场 ID
func (e *Engine) MarketIDs() []domain.MarketID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Markets()
}

// Balance 份额余额
func (e *Engine) Balance(holder common.Address, tok domain.TokenID) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Book().Balance(holder, tok)
}

// CollateralBalance 抵押品余额
func (e *Engine) CollateralBalance(assetKey string, holder common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.ledger.Asset(assetKey)
	if !ok {
		return new(big.Int)
	}
	return a.BalanceOf(holder)
}

// Registration 市场的池绑定信息
func (e *Engine) Registration(id domain.MarketID) (router.Registration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.Registration(id)
}

// VaultInfo 金库只读视图
type VaultInfo struct {
	YesInventory    *big.Int
	NoInventory     *big.Int
	YesTotalLP      *big.Int
	NoTotalLP       *big.Int
	RebalanceBudget *big.Int
	Finalized       bool
}

// Vault 金库视图
func (e *Engine) Vault(id domain.MarketID) (*VaultInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.router.Vault(id)
	if !ok {
		return nil, false
	}
	return &VaultInfo{
		YesInventory:    new(big.Int).Set(v.Yes.Inventory),
		NoInventory:     new(big.Int).Set(v.No.Inventory),
		YesTotalLP:      new(big.Int).Set(v.Yes.TotalLP),
		NoTotalLP:       new(big.Int).Set(v.No.TotalLP),
		RebalanceBudget: new(big.Int).Set(v.RebalanceBudget),
		Finalized:       v.Finalized,
	}, true
}

// VaultPosition 用户金库持仓视图
func (e *Engine) VaultPosition(id domain.MarketID, yes bool, user common.Address) (*router.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.router.Vault(id)
	if !ok {
		return nil, false
	}
	p, ok := v.Side(yes).Position(user)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// TWAP 缓存的 TWAP 读取
func (e *Engine) TWAP(id domain.MarketID) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bps, _, ok := e.oracle.TWAP(id)
	return bps, ok
}

// PoolView 市场规范池的只读视图
func (e *Engine) PoolView(id domain.MarketID) (amm.PoolView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.router.Registration(id)
	if !ok {
		return amm.PoolView{}, false
	}
	return e.pools.Pools(reg.PoolID)
}

// CurrentFee 当前费率状态
func (e *Engine) CurrentFee(id domain.MarketID) (domain.FeeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.router.Registration(id)
	if !ok {
		return domain.FeeState{}, false
	}
	hook, ok := e.hooks.Get(reg.PoolID)
	if !ok {
		return domain.FeeState{}, false
	}
	m, ok := e.ledger.Market(id)
	if !ok {
		return domain.FeeState{}, false
	}
	view, _ := e.pools.Pools(reg.PoolID)
	return hook.CurrentFee(e.now(), m.CloseTime, view), true
}

// MarketProbability 瞬时 YES 概率价（bps）
func (e *Engine) MarketProbability(id domain.MarketID) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.router.Registration(id)
	if !ok {
		return 0, false
	}
	view, ok := e.pools.Pools(reg.PoolID)
	if !ok {
		return 0, false
	}
	return e.hooks.MarketProbability(reg.PoolID, view)
}

// QuoteBuy 只读买入报价
func (e *Engine) QuoteBuy(id domain.MarketID, buyYes bool, collateralIn *big.Int) (*big.Int, domain.VenueSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.QuoteBuy(e.now(), e.seq+1, id, buyYes, collateralIn)
}

// QuoteSell 只读卖出报价
func (e *Engine) QuoteSell(id domain.MarketID, sellYes bool, sharesIn *big.Int) (*big.Int, domain.VenueSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.QuoteSell(e.now(), e.seq+1, id, sellYes, sharesIn)
}

// CheckInvariants 核对单市场的账本不变量：
// locked == yesSupply*cps、yesSupply == noSupply、托管余额足以覆盖 locked。
func (e *Engine) CheckInvariants(id domain.MarketID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.ledger.Market(id)
	if !ok {
		return domain.ErrMarketNotFound
	}
	if m.YesSupply.Cmp(m.NoSupply) != 0 {
		return fmt.Errorf("supply mismatch: yes=%s no=%s", m.YesSupply, m.NoSupply)
	}
	backed := new(big.Int).Mul(m.YesSupply, m.CollateralPerShare())
	if backed.Cmp(m.Locked) != 0 {
		return fmt.Errorf("collateral mismatch: locked=%s backed=%s", m.Locked, backed)
	}
	a, _ := e.ledger.Asset(m.CollateralKey)
	if a.BalanceOf(ledger.EscrowAddress).Cmp(m.Locked) < 0 {
		return fmt.Errorf("escrow underfunded: balance=%s locked=%s", a.BalanceOf(ledger.EscrowAddress), m.Locked)
	}
	return nil
}
