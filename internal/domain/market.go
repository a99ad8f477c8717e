package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxResolverFeeBps 系统级 resolver 费率上限（10%）
const MaxResolverFeeBps = 1000

// MaxCollateralDecimals 抵押品 decimals 探测的合理上限
const MaxCollateralDecimals = 77

// Market 市场记录。
//
// 不变量（每次状态变更后都必须成立）：
//   Locked == YesSupply * CollateralPerShare
//   YesSupply == NoSupply（split/merge 同步铸造/销毁两侧）
type Market struct {
	ID             MarketID
	Description    string
	Resolver       common.Address
	CollateralKey  string // 抵押品资产 key
	Decimals       uint8
	Resolved       bool
	Outcome        bool // resolved 后有效：true=YES 胜
	CanClose       bool
	CloseTime      time.Time
	Locked         *big.Int // 已锁定抵押品
	YesSupply      *big.Int
	NoSupply       *big.Int
	ResolverFeeBps int64 // claim 时实时读取（resolver 可随时改，见已知风险）
}

// CollateralPerShare 每份额抵押品数量 = 10^decimals
func (m *Market) CollateralPerShare() *big.Int {
	return Pow10(m.Decimals)
}

// Open 市场是否仍可 split/merge（未关闭且未 resolve）
func (m *Market) Open(now time.Time) bool {
	return !m.Resolved && now.Before(m.CloseTime)
}

// Clone 深拷贝（快照/回滚用）
func (m *Market) Clone() *Market {
	cp := *m
	cp.Locked = new(big.Int).Set(m.Locked)
	cp.YesSupply = new(big.Int).Set(m.YesSupply)
	cp.NoSupply = new(big.Int).Set(m.NoSupply)
	return &cp
}
