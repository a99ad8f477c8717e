package feehook

import (
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/amm"
	"github.com/zammdefi/pmcore/internal/domain"
)

var log = logrus.WithField("component", "feehook")

// CurveMode 启动期费率衰减曲线
type CurveMode int

const (
	CurveLinear CurveMode = iota
	CurveQuadratic
)

// CloseMode 临近收盘窗口内的费率行为，四种模式为封闭枚举
type CloseMode int

const (
	CloseBlocked CloseMode = iota
	CloseFixedSurcharge
	CloseLinearRamp
	CloseDeferToNormal
)

// 费率与点差默认参数
const (
	DefaultMinFeeBps  = 10
	DefaultMaxFeeBps  = 75
	DefaultSkewFeeBps = 80   // 偏斜费上限，在参考偏斜处取满
	DefaultSkewRefBps = 4000 // 偏斜参考：|pYes-5000| 达到该值时偏斜费取满
	DefaultAsymFeeBps = 20   // 非对称费上限（线性）
	DefaultFeeCapBps  = 300  // 常规费率合计上限

	DefaultCloseSurchargeBps = 100

	DefaultSpreadBaseBps      = 100 // OTC 相对点差基数
	DefaultSpreadImbalanceBps = 400 // 库存失衡加点上限
	DefaultSpreadTimeBps      = 200 // 临近收盘加点上限
	DefaultSpreadCapBps       = 500
	DefaultSpreadFloorBps     = 20 // 绝对点差下限（bps，施加在价格上）
)

const (
	DefaultBootstrapWindow  = 48 * time.Hour
	DefaultCloseWindow      = time.Hour
	DefaultSpreadTimeWindow = 24 * time.Hour
)

// Config 单池费率配置，注册时固定
type Config struct {
	MinFeeBps int64
	MaxFeeBps int64

	BootstrapWindow time.Duration
	Curve           CurveMode

	SkewFeeBps int64
	SkewRefBps int64
	AsymFeeBps int64 // 0 关闭非对称分量
	FeeCapBps  int64

	CloseWindow       time.Duration
	CloseMode         CloseMode
	CloseSurchargeBps int64

	SpreadBaseBps      int64
	SpreadImbalanceBps int64
	SpreadTimeBps      int64
	SpreadTimeWindow   time.Duration
	SpreadCapBps       int64
	SpreadFloorBps     int64
}

// DefaultConfig 默认配置：线性衰减、收盘窗口阻断
func DefaultConfig() Config {
	return Config{
		MinFeeBps:          DefaultMinFeeBps,
		MaxFeeBps:          DefaultMaxFeeBps,
		BootstrapWindow:    DefaultBootstrapWindow,
		Curve:              CurveLinear,
		SkewFeeBps:         DefaultSkewFeeBps,
		SkewRefBps:         DefaultSkewRefBps,
		AsymFeeBps:         DefaultAsymFeeBps,
		FeeCapBps:          DefaultFeeCapBps,
		CloseWindow:        DefaultCloseWindow,
		CloseMode:          CloseBlocked,
		CloseSurchargeBps:  DefaultCloseSurchargeBps,
		SpreadBaseBps:      DefaultSpreadBaseBps,
		SpreadImbalanceBps: DefaultSpreadImbalanceBps,
		SpreadTimeBps:      DefaultSpreadTimeBps,
		SpreadTimeWindow:   DefaultSpreadTimeWindow,
		SpreadCapBps:       DefaultSpreadCapBps,
		SpreadFloorBps:     DefaultSpreadFloorBps,
	}
}

// State 单池 hook 状态。
// YesIsToken0 在注册时缓存：池键按 token id 字节序排序，YES/NO 谁是 token0
// 随市场而变，之后所有方向换算都依赖这个缓存位。
type State struct {
	RegisteredAt time.Time
	Active       bool
	YesIsToken0  bool
	Config       Config
}

// Clone 浅配置、按值拷贝
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

// probYesBps 从瞬时储备推 YES 概率价：pYes = noReserve/(yes+no)。
// 与路由用的 TWAP 是两条线：偏斜费要跟着当下库存走，不能被时间平均钝化。
func (s *State) probYesBps(view amm.PoolView) int64 {
	yes, no := view.Reserve0, view.Reserve1
	if !s.YesIsToken0 {
		yes, no = no, yes
	}
	total := new(big.Int).Add(yes, no)
	return domain.DivToBps(no, total, domain.BpsDenom/2)
}

// normalFeeBps 启动衰减 + 偏斜费 + 非对称费，合计受 FeeCapBps 约束
func (s *State) normalFeeBps(now time.Time, view amm.PoolView) int64 {
	cfg := s.Config

	// 基础费：启动窗口内从 MaxFee 衰减到 MinFee
	base := cfg.MinFeeBps
	elapsed := now.Sub(s.RegisteredAt)
	if elapsed < cfg.BootstrapWindow && cfg.BootstrapWindow > 0 {
		// remainBps ∈ (0, 10000]，窗口剩余占比
		remainBps := int64(cfg.BootstrapWindow-elapsed) * domain.BpsDenom / int64(cfg.BootstrapWindow)
		span := cfg.MaxFeeBps - cfg.MinFeeBps
		switch cfg.Curve {
		case CurveQuadratic:
			base = cfg.MinFeeBps + span*remainBps*remainBps/(domain.BpsDenom*domain.BpsDenom)
		default:
			base = cfg.MinFeeBps + span*remainBps/domain.BpsDenom
		}
	}

	pYes := s.probYesBps(view)
	dev := domain.AbsInt64(pYes - domain.BpsDenom/2)
	if dev > cfg.SkewRefBps {
		dev = cfg.SkewRefBps
	}

	// 偏斜费二次增长：小偏斜几乎免费，大偏斜迅速变贵
	skew := int64(0)
	if cfg.SkewRefBps > 0 {
		skew = cfg.SkewFeeBps * dev * dev / (cfg.SkewRefBps * cfg.SkewRefBps)
	}

	// 非对称费线性增长
	asym := int64(0)
	if cfg.AsymFeeBps > 0 && cfg.SkewRefBps > 0 {
		asym = cfg.AsymFeeBps * dev / cfg.SkewRefBps
	}

	fee := base + skew + asym
	if fee > cfg.FeeCapBps {
		fee = cfg.FeeCapBps
	}
	return fee
}

// CurrentFee 当前费率状态。
// 状态机 {Bootstrap, Normal, CloseWindow, Halted} 由时间和库存驱动，
// 不落盘显式状态字段；收盘时刻起恒为 Halted。
// 收盘窗口为 [closeTime-CloseWindow, closeTime)，左闭右开。
func (s *State) CurrentFee(now, closeTime time.Time, view amm.PoolView) domain.FeeState {
	if !s.Active {
		return domain.HaltedFee()
	}
	if !now.Before(closeTime) {
		return domain.HaltedFee()
	}

	cfg := s.Config
	closeStart := closeTime.Add(-cfg.CloseWindow)
	if cfg.CloseWindow > 0 && !now.Before(closeStart) {
		switch cfg.CloseMode {
		case CloseBlocked:
			return domain.HaltedFee()
		case CloseFixedSurcharge:
			return domain.ActiveFee(s.normalFeeBps(now, view) + cfg.CloseSurchargeBps)
		case CloseLinearRamp:
			inBps := int64(now.Sub(closeStart)) * domain.BpsDenom / int64(cfg.CloseWindow)
			return domain.ActiveFee(s.normalFeeBps(now, view) + cfg.CloseSurchargeBps*inBps/domain.BpsDenom)
		default:
			return domain.ActiveFee(s.normalFeeBps(now, view))
		}
	}

	return domain.ActiveFee(s.normalFeeBps(now, view))
}

// InCloseWindow 是否处于收盘窗口内（OTC 在窗口内一律不报价）
func (s *State) InCloseWindow(now, closeTime time.Time) bool {
	if s.Config.CloseWindow <= 0 {
		return false
	}
	return !now.Before(closeTime.Add(-s.Config.CloseWindow)) && now.Before(closeTime)
}

// OTCSpreadBps 金库 OTC 相对点差（bps）。
//
//	base + 库存失衡加点 + 临近收盘加点，封顶 SpreadCapBps。
//
// 失衡加点只在吃紧缺一侧时收：consumeInv 是本笔要消耗的库存侧。
func (s *State) OTCSpreadBps(now, closeTime time.Time, consumeInv, otherInv *big.Int) int64 {
	cfg := s.Config
	spread := cfg.SpreadBaseBps

	if consumeInv.Cmp(otherInv) < 0 {
		total := new(big.Int).Add(consumeInv, otherInv)
		deficit := new(big.Int).Sub(otherInv, consumeInv)
		spread += cfg.SpreadImbalanceBps * domain.DivToBps(deficit, total, 0) / domain.BpsDenom
	}

	if remaining := closeTime.Sub(now); remaining > 0 && remaining < cfg.SpreadTimeWindow {
		inBps := int64(cfg.SpreadTimeWindow-remaining) * domain.BpsDenom / int64(cfg.SpreadTimeWindow)
		spread += cfg.SpreadTimeBps * inBps / domain.BpsDenom
	}

	if spread > cfg.SpreadCapBps {
		spread = cfg.SpreadCapBps
	}
	return spread
}

// BuySpreadPriceBps 买入价 = TWAP 上浮相对点差，绝对加点不低于 SpreadFloorBps，封顶 10000
func (s *State) BuySpreadPriceBps(twapBps, spreadBps int64) int64 {
	markup := twapBps * spreadBps / domain.BpsDenom
	if markup < s.Config.SpreadFloorBps {
		markup = s.Config.SpreadFloorBps
	}
	price := twapBps + markup
	if price > domain.BpsDenom {
		price = domain.BpsDenom
	}
	return price
}

// SellSpreadPriceBps 卖出价 = TWAP 下浮相对点差，绝对减点不低于 SpreadFloorBps，下限 0
func (s *State) SellSpreadPriceBps(twapBps, spreadBps int64) int64 {
	markdown := twapBps * spreadBps / domain.BpsDenom
	if markdown < s.Config.SpreadFloorBps {
		markdown = s.Config.SpreadFloorBps
	}
	price := twapBps - markdown
	if price < 0 {
		price = 0
	}
	return price
}

// Registry 按池 ID 索引的 hook 注册表
type Registry struct {
	hooks map[domain.PoolID]*State
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[domain.PoolID]*State)}
}

// Register 注册 hook；同一池只能注册一次且之后不可替换
func (r *Registry) Register(id domain.PoolID, now time.Time, yesIsToken0 bool, cfg Config) error {
	if _, exists := r.hooks[id]; exists {
		return domain.ErrPoolExists
	}
	r.hooks[id] = &State{
		RegisteredAt: now,
		Active:       true,
		YesIsToken0:  yesIsToken0,
		Config:       cfg,
	}
	log.WithFields(logrus.Fields{
		"pool":        id.Hex(),
		"yesIsToken0": yesIsToken0,
	}).Debug("hook 已注册")
	return nil
}

// Get 取 hook 状态
func (r *Registry) Get(id domain.PoolID) (*State, bool) {
	s, ok := r.hooks[id]
	return s, ok
}

// Deactivate 市场终结后停用 hook，之后 CurrentFee 恒为 Halted
func (r *Registry) Deactivate(id domain.PoolID) {
	if s, ok := r.hooks[id]; ok {
		s.Active = false
	}
}

// MarketProbability 瞬时 YES 概率价（bps）
func (r *Registry) MarketProbability(id domain.PoolID, view amm.PoolView) (int64, bool) {
	s, ok := r.hooks[id]
	if !ok {
		return 0, false
	}
	return s.probYesBps(view), true
}

// Snapshot 深拷贝
func (r *Registry) Snapshot() interface{} {
	cp := make(map[domain.PoolID]*State, len(r.hooks))
	for id, s := range r.hooks {
		cp[id] = s.Clone()
	}
	return cp
}

// Restore 用快照覆盖
func (r *Registry) Restore(snap interface{}) {
	r.hooks = snap.(map[domain.PoolID]*State)
}
