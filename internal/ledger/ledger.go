package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/token"
)

var log = logrus.WithField("component", "ledger")

// EscrowAddress 账本托管地址：split 锁入的抵押品都记在这个地址名下
var EscrowAddress = common.BytesToAddress([]byte("pmcore/ledger"))

// Ledger 抵押品账本：市场生命周期 + 份额铸造/销毁 + 结算。
// 核心不变量：Locked == YesSupply * collateralPerShare，YesSupply == NoSupply。
// 并发控制由上层引擎的互斥锁提供，本层不加锁。
type Ledger struct {
	markets map[domain.MarketID]*domain.Market
	book    *Book
	assets  map[string]token.Asset
}

// New 创建空账本
func New() *Ledger {
	return &Ledger{
		markets: make(map[domain.MarketID]*domain.Market),
		book:    NewBook(),
		assets:  make(map[string]token.Asset),
	}
}

// RegisterAsset 注册抵押品资产
func (l *Ledger) RegisterAsset(a token.Asset) {
	l.assets[a.Key()] = a
}

// Asset 按 key 查资产
func (l *Ledger) Asset(key string) (token.Asset, bool) {
	a, ok := l.assets[key]
	return a, ok
}

// Book 份额账本
func (l *Ledger) Book() *Book {
	return l.book
}

// Market 按 ID 查市场（返回内部指针，引擎锁保护下使用）
func (l *Ledger) Market(id domain.MarketID) (*domain.Market, bool) {
	m, ok := l.markets[id]
	return m, ok
}

// Markets 返回全部市场 ID（遍历用）
func (l *Ledger) Markets() []domain.MarketID {
	out := make([]domain.MarketID, 0, len(l.markets))
	for id := range l.markets {
		out = append(out, id)
	}
	return out
}

// CreateMarket 创建市场。
// 失败条件：resolver 为零地址、closeTime 不在未来、(描述, resolver, 抵押品) 已存在、
// 抵押品 decimals 探测失败或超过合理上限。
func (l *Ledger) CreateMarket(now time.Time, description string, resolver common.Address,
	collateralKey string, closeTime time.Time, canClose bool) (domain.MarketID, domain.TokenID, error) {

	if resolver == (common.Address{}) {
		return domain.MarketID{}, domain.TokenID{}, domain.ErrInvalidResolver
	}
	if !closeTime.After(now) {
		return domain.MarketID{}, domain.TokenID{}, domain.ErrInvalidCloseTime
	}
	asset, ok := l.assets[collateralKey]
	if !ok {
		return domain.MarketID{}, domain.TokenID{}, fmt.Errorf("%w: unknown collateral %q", domain.ErrBadDecimals, collateralKey)
	}
	decimals, err := asset.Decimals()
	if err != nil {
		return domain.MarketID{}, domain.TokenID{}, fmt.Errorf("%w: %v", domain.ErrBadDecimals, err)
	}
	if decimals > domain.MaxCollateralDecimals {
		return domain.MarketID{}, domain.TokenID{}, fmt.Errorf("%w: decimals %d", domain.ErrBadDecimals, decimals)
	}

	id := domain.NewMarketID(description, resolver, collateralKey)
	if _, exists := l.markets[id]; exists {
		return domain.MarketID{}, domain.TokenID{}, domain.ErrMarketExists
	}

	l.markets[id] = &domain.Market{
		ID:            id,
		Description:   description,
		Resolver:      resolver,
		CollateralKey: collateralKey,
		Decimals:      decimals,
		CanClose:      canClose,
		CloseTime:     closeTime,
		Locked:        new(big.Int),
		YesSupply:     new(big.Int),
		NoSupply:      new(big.Int),
	}

	log.WithFields(logrus.Fields{
		"market":   id.Hex(),
		"resolver": resolver.Hex(),
		"close":    closeTime.Unix(),
	}).Info("市场已创建")

	return id, id.No(), nil
}

// Split 将抵押品拆分为等量 YES+NO 份额对。
// shares = collateralIn / collateralPerShare（截断），used = shares * cps，零头不扣。
// value 为原生资产市场随调用附带的金额；token 市场必须为 nil/0。
func (l *Ledger) Split(now time.Time, caller common.Address, id domain.MarketID,
	collateralIn *big.Int, to common.Address, value *big.Int) (shares, used *big.Int, err error) {

	m, ok := l.markets[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotFound
	}
	if !m.Open(now) {
		return nil, nil, domain.ErrMarketClosed
	}
	asset := l.assets[m.CollateralKey]

	if asset.Native() {
		if value == nil || value.Sign() == 0 {
			return nil, nil, fmt.Errorf("%w: native market requires attached value", domain.ErrWrongCollateral)
		}
		if collateralIn == nil || collateralIn.Sign() == 0 {
			collateralIn = value
		} else if collateralIn.Cmp(value) != 0 {
			return nil, nil, fmt.Errorf("%w: collateralIn != attached value", domain.ErrWrongCollateral)
		}
	} else if value != nil && value.Sign() != 0 {
		return nil, nil, fmt.Errorf("%w: token market rejects attached value", domain.ErrWrongCollateral)
	}

	cps := m.CollateralPerShare()
	if collateralIn == nil || collateralIn.Cmp(cps) < 0 {
		return nil, nil, domain.ErrCollateralTooSmall
	}

	shares = new(big.Int).Quo(collateralIn, cps)
	used = new(big.Int).Mul(shares, cps)

	// 只划走 used，零头等价于当场退还
	if err := asset.TransferFrom(caller, caller, EscrowAddress, used); err != nil {
		return nil, nil, err
	}

	l.book.Mint(to, id.Yes(), shares)
	l.book.Mint(to, id.No(), shares)
	m.Locked.Add(m.Locked, used)
	m.YesSupply.Add(m.YesSupply, shares)
	m.NoSupply.Add(m.NoSupply, shares)

	log.WithFields(logrus.Fields{
		"market": id.Hex(),
		"shares": shares.String(),
		"used":   used.String(),
	}).Debug("split")

	return shares, used, nil
}

// Merge 将等量 YES+NO 份额对合并回抵押品。
// 实际销毁 min(amount, yes 余额, no 余额)；两侧都没有持仓时报零数量错误。
func (l *Ledger) Merge(now time.Time, caller common.Address, id domain.MarketID,
	amount *big.Int, to common.Address) (merged, collateralOut *big.Int, err error) {

	m, ok := l.markets[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotFound
	}
	if !m.Open(now) {
		return nil, nil, domain.ErrMarketClosed
	}

	yesBal := l.book.Balance(caller, id.Yes())
	noBal := l.book.Balance(caller, id.No())
	merged = domain.BigMin(amount, yesBal, noBal)
	if merged.Sign() <= 0 {
		return nil, nil, domain.ErrZeroAmount
	}

	if err := l.book.Burn(caller, id.Yes(), merged); err != nil {
		return nil, nil, err
	}
	if err := l.book.Burn(caller, id.No(), merged); err != nil {
		return nil, nil, err
	}

	collateralOut = new(big.Int).Mul(merged, m.CollateralPerShare())
	asset := l.assets[m.CollateralKey]
	if err := asset.Transfer(EscrowAddress, to, collateralOut); err != nil {
		return nil, nil, err
	}

	m.Locked.Sub(m.Locked, collateralOut)
	m.YesSupply.Sub(m.YesSupply, merged)
	m.NoSupply.Sub(m.NoSupply, merged)

	return merged, collateralOut, nil
}

// Resolve 市场裁决：仅 resolver、仅一次、仅在关闭时间之后。不可逆。
func (l *Ledger) Resolve(now time.Time, caller common.Address, id domain.MarketID, outcome bool) error {
	m, ok := l.markets[id]
	if !ok {
		return domain.ErrMarketNotFound
	}
	if caller != m.Resolver {
		return domain.ErrNotResolver
	}
	if m.Resolved {
		return domain.ErrAlreadyResolved
	}
	if now.Before(m.CloseTime) {
		return domain.ErrMarketNotClosed
	}
	m.Resolved = true
	m.Outcome = outcome

	log.WithFields(logrus.Fields{
		"market":  id.Hex(),
		"outcome": outcome,
	}).Info("市场已裁决")
	return nil
}

// Claim 领取胜方赔付：销毁 caller 的全部胜方份额，按 collateralPerShare 计毛赔付，
// 扣除 resolver 费（claim 时实时读取费率——resolver 可中途改费，已知的 griefing 面）。
// 这里把两侧 supply 同步减少：supply 始终表示“仍由抵押品背书的份额对数量”。
func (l *Ledger) Claim(caller common.Address, id domain.MarketID, to common.Address) (shares, payout *big.Int, err error) {
	m, ok := l.markets[id]
	if !ok {
		return nil, nil, domain.ErrMarketNotFound
	}
	if !m.Resolved {
		return nil, nil, domain.ErrNotResolved
	}

	winID := id.Yes()
	if !m.Outcome {
		winID = id.No()
	}
	shares = l.book.Balance(caller, winID)
	if shares.Sign() <= 0 {
		return nil, nil, domain.ErrZeroAmount
	}
	if err := l.book.Burn(caller, winID, shares); err != nil {
		return nil, nil, err
	}

	gross := new(big.Int).Mul(shares, m.CollateralPerShare())
	fee := domain.MulBps(gross, m.ResolverFeeBps)
	payout = new(big.Int).Sub(gross, fee)

	asset := l.assets[m.CollateralKey]
	if fee.Sign() > 0 {
		if err := asset.Transfer(EscrowAddress, m.Resolver, fee); err != nil {
			return nil, nil, err
		}
	}
	if err := asset.Transfer(EscrowAddress, to, payout); err != nil {
		return nil, nil, err
	}

	m.Locked.Sub(m.Locked, gross)
	m.YesSupply.Sub(m.YesSupply, shares)
	m.NoSupply.Sub(m.NoSupply, shares)

	return shares, payout, nil
}

// ClaimMany 批量领取：未裁决或无持仓的市场跳过（不报错），
// 但如果所有条目都被跳过则整体失败。
func (l *Ledger) ClaimMany(caller common.Address, ids []domain.MarketID, to common.Address) (totalShares, totalPayout *big.Int, err error) {
	totalShares = new(big.Int)
	totalPayout = new(big.Int)
	claimed := 0
	for _, id := range ids {
		m, ok := l.markets[id]
		if !ok {
			return nil, nil, domain.ErrMarketNotFound
		}
		if !m.Resolved {
			continue
		}
		winID := id.Yes()
		if !m.Outcome {
			winID = id.No()
		}
		if l.book.Balance(caller, winID).Sign() <= 0 {
			continue
		}
		shares, payout, err := l.Claim(caller, id, to)
		if err != nil {
			return nil, nil, err
		}
		totalShares.Add(totalShares, shares)
		totalPayout.Add(totalPayout, payout)
		claimed++
	}
	if claimed == 0 {
		return nil, nil, fmt.Errorf("%w: no claimable markets", domain.ErrZeroAmount)
	}
	return totalShares, totalPayout, nil
}

// CloseMarket 提前关闭：仅 canClose 市场、仅 resolver、仅在原关闭时间之前。
// 把关闭时间改写为当前时间，使市场立即进入可裁决状态。
func (l *Ledger) CloseMarket(now time.Time, caller common.Address, id domain.MarketID) error {
	m, ok := l.markets[id]
	if !ok {
		return domain.ErrMarketNotFound
	}
	if !m.CanClose {
		return domain.ErrNotClosable
	}
	if caller != m.Resolver {
		return domain.ErrNotResolver
	}
	if !now.Before(m.CloseTime) {
		return domain.ErrMarketClosed
	}
	m.CloseTime = now
	return nil
}

// SetResolverFee 设置 resolver 费率（bps），系统上限 10%。
// resolver 可以随时调用，包括市场进行中（原始行为，保留不修）。
func (l *Ledger) SetResolverFee(caller common.Address, id domain.MarketID, feeBps int64) error {
	m, ok := l.markets[id]
	if !ok {
		return domain.ErrMarketNotFound
	}
	if caller != m.Resolver {
		return domain.ErrNotResolver
	}
	if feeBps < 0 || feeBps > domain.MaxResolverFeeBps {
		return domain.ErrFeeTooHigh
	}
	m.ResolverFeeBps = feeBps
	return nil
}

// snapshot 内部状态快照
type snapshot struct {
	markets map[domain.MarketID]*domain.Market
	book    *Book
	assets  map[string]token.Asset
}

// Snapshot 深拷贝当前状态
func (l *Ledger) Snapshot() interface{} {
	s := &snapshot{
		markets: make(map[domain.MarketID]*domain.Market, len(l.markets)),
		book:    l.book.Clone(),
		assets:  make(map[string]token.Asset, len(l.assets)),
	}
	for id, m := range l.markets {
		s.markets[id] = m.Clone()
	}
	for k, a := range l.assets {
		s.assets[k] = a.Clone()
	}
	return s
}

// Restore 用快照覆盖当前状态
func (l *Ledger) Restore(snap interface{}) {
	s := snap.(*snapshot)
	l.markets = s.markets
	l.book = s.book
	l.assets = s.assets
}
