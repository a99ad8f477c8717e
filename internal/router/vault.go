package router

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// DefaultCooldown 金库取款冷却时间（自加权入金时间起算）
const DefaultCooldown = 6 * time.Hour

// accFeeScale masterchef 式费用累积器的定点精度
var accFeeScale = big.NewInt(1_000_000_000_000)

// Position 单用户在金库一侧的持仓
type Position struct {
	LP          *big.Int
	FeeDebt     *big.Int // 入金时刻的累积费快照，pending = LP*acc/scale - FeeDebt
	LastDeposit time.Time
}

// Clone 深拷贝
func (p *Position) Clone() *Position {
	return &Position{
		LP:          new(big.Int).Set(p.LP),
		FeeDebt:     new(big.Int).Set(p.FeeDebt),
		LastDeposit: p.LastDeposit,
	}
}

// VaultSide 金库单侧（YES 或 NO）库存与 LP 记账。
// 费用分配走 masterchef 累积器：AccFeePerLP 单调不减，
// 每个用户记一份 FeeDebt 快照，差值即待领收益。
type VaultSide struct {
	Inventory   *big.Int // 持有的该侧份额
	TotalLP     *big.Int
	AccFeePerLP *big.Int // 抵押品/LP，accFeeScale 定点
	positions   map[common.Address]*Position
}

func newVaultSide() *VaultSide {
	return &VaultSide{
		Inventory:   new(big.Int),
		TotalLP:     new(big.Int),
		AccFeePerLP: new(big.Int),
		positions:   make(map[common.Address]*Position),
	}
}

// Position 查用户持仓
func (s *VaultSide) Position(user common.Address) (*Position, bool) {
	p, ok := s.positions[user]
	return p, ok
}

// pending 用户待领费用（抵押品）
func (s *VaultSide) pending(p *Position) *big.Int {
	owed := new(big.Int).Mul(p.LP, s.AccFeePerLP)
	owed.Quo(owed, accFeeScale)
	return owed.Sub(owed, p.FeeDebt)
}

// syncDebt 持仓变动后重置费用快照
func (s *VaultSide) syncDebt(p *Position) {
	p.FeeDebt.Mul(p.LP, s.AccFeePerLP)
	p.FeeDebt.Quo(p.FeeDebt, accFeeScale)
}

// accrue 向本侧全体 LP 摊入费用收入；无 LP 时入不了账，返回 false 由调用方改道
func (s *VaultSide) accrue(collateral *big.Int) bool {
	if s.TotalLP.Sign() == 0 {
		return false
	}
	delta := new(big.Int).Mul(collateral, accFeeScale)
	delta.Quo(delta, s.TotalLP)
	s.AccFeePerLP.Add(s.AccFeePerLP, delta)
	return true
}

// deposit 入金：首笔 1:1，其后按库存比例铸 LP。
// 入金时间戳按 LP 权重加权合并，小额补仓不能把旧仓的冷却期整体重置，
// 也堵住了“给别人转 1 wei 刷新冷却”的 griefing。
// 返回铸出的 LP 和顺带结清的待领费用。
func (s *VaultSide) deposit(now time.Time, user common.Address, shares *big.Int) (lp, fee *big.Int, err error) {
	if shares.Sign() <= 0 {
		return nil, nil, domain.ErrZeroAmount
	}
	if s.TotalLP.Sign() == 0 || s.Inventory.Sign() == 0 {
		// 首笔或库存被清空后按 1:1 计
		lp = new(big.Int).Set(shares)
	} else {
		lp = new(big.Int).Mul(shares, s.TotalLP)
		lp.Quo(lp, s.Inventory)
		if lp.Sign() <= 0 {
			return nil, nil, domain.ErrZeroVaultShares
		}
	}

	p := s.positions[user]
	if p == nil {
		p = &Position{LP: new(big.Int), FeeDebt: new(big.Int)}
		s.positions[user] = p
	}
	fee = s.pending(p)

	if p.LP.Sign() == 0 {
		p.LastDeposit = now
	} else {
		oldW := new(big.Int).Mul(big.NewInt(p.LastDeposit.Unix()), p.LP)
		newW := new(big.Int).Mul(big.NewInt(now.Unix()), lp)
		total := new(big.Int).Add(p.LP, lp)
		ts := oldW.Add(oldW, newW).Quo(oldW, total).Int64()
		p.LastDeposit = time.Unix(ts, 0)
	}

	p.LP.Add(p.LP, lp)
	s.TotalLP.Add(s.TotalLP, lp)
	s.Inventory.Add(s.Inventory, shares)
	s.syncDebt(p)
	return lp, fee, nil
}

// withdraw 出金：冷却期满后按 LP 占比取回库存份额，顺带结清待领费用
func (s *VaultSide) withdraw(now time.Time, user common.Address, lp *big.Int, cooldown time.Duration) (shares, fee *big.Int, err error) {
	if lp.Sign() <= 0 {
		return nil, nil, domain.ErrZeroVaultShares
	}
	p := s.positions[user]
	if p == nil || p.LP.Sign() == 0 {
		return nil, nil, domain.ErrNoVaultPosition
	}
	if lp.Cmp(p.LP) > 0 {
		return nil, nil, domain.ErrInsufficientBalance
	}
	if now.Sub(p.LastDeposit) < cooldown {
		return nil, nil, domain.ErrCooldownActive
	}

	fee = s.pending(p)
	shares = new(big.Int).Mul(lp, s.Inventory)
	shares.Quo(shares, s.TotalLP)

	p.LP.Sub(p.LP, lp)
	s.TotalLP.Sub(s.TotalLP, lp)
	s.Inventory.Sub(s.Inventory, shares)
	s.syncDebt(p)
	return shares, fee, nil
}

// harvest 只结费用，LP 不动
func (s *VaultSide) harvest(user common.Address) *big.Int {
	p := s.positions[user]
	if p == nil || p.LP.Sign() == 0 {
		return new(big.Int)
	}
	fee := s.pending(p)
	s.syncDebt(p)
	return fee
}

// Clone 深拷贝
func (s *VaultSide) Clone() *VaultSide {
	cp := &VaultSide{
		Inventory:   new(big.Int).Set(s.Inventory),
		TotalLP:     new(big.Int).Set(s.TotalLP),
		AccFeePerLP: new(big.Int).Set(s.AccFeePerLP),
		positions:   make(map[common.Address]*Position, len(s.positions)),
	}
	for addr, p := range s.positions {
		cp.positions[addr] = p.Clone()
	}
	return cp
}

// Vault 单市场启动金库：两侧库存 + 再平衡预算。
// 预算是 OTC 买入点差收入的蓄水池，OTC 卖出赔付只能从这里出，
// 保证金库永远不会被卖单掏空到资不抵债。
type Vault struct {
	Yes             *VaultSide
	No              *VaultSide
	RebalanceBudget *big.Int
	Finalized       bool
}

// NewVault 创建空金库
func NewVault() *Vault {
	return &Vault{
		Yes:             newVaultSide(),
		No:              newVaultSide(),
		RebalanceBudget: new(big.Int),
	}
}

// Side 按方向取侧
func (v *Vault) Side(yes bool) *VaultSide {
	if yes {
		return v.Yes
	}
	return v.No
}

// Clone 深拷贝
func (v *Vault) Clone() *Vault {
	return &Vault{
		Yes:             v.Yes.Clone(),
		No:              v.No.Clone(),
		RebalanceBudget: new(big.Int).Set(v.RebalanceBudget),
		Finalized:       v.Finalized,
	}
}
