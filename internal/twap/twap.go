package twap

import (
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/domain"
)

var log = logrus.WithField("component", "twap")

// DefaultMinInterval 两次观测之间的最小间隔。
// 攻击者想搬动 TWAP 必须把价格扭曲维持整个间隔，这是操纵成本的下界。
const DefaultMinInterval = 30 * time.Minute

// Observation 单市场的双槽观测环。
// 槽 0 旧、槽 1 新；时间戳单调：T0 <= T1 <= now，累积值单调不减。
// 深度为 2 是带窗 TWAP 的最小结构，不需要无界历史。
type Observation struct {
	T0 time.Time
	C0 *big.Int // YES 侧概率价累积（bps·秒）
	T1 time.Time
	C1 *big.Int

	// CachedBps 最近一次计算出的 TWAP（bps）；CachedSeq 是计算时的引擎操作序号，
	// 延迟敏感路径用它防止同一操作内复用刚写入的观测。
	CachedBps int64
	CachedSeq uint64
}

// Clone 深拷贝
func (o *Observation) Clone() *Observation {
	cp := *o
	cp.C0 = new(big.Int).Set(o.C0)
	cp.C1 = new(big.Int).Set(o.C1)
	return &cp
}

// Oracle 双槽 TWAP 预言机
type Oracle struct {
	obs         map[domain.MarketID]*Observation
	minInterval time.Duration
}

// New 创建预言机
func New(minInterval time.Duration) *Oracle {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Oracle{
		obs:         make(map[domain.MarketID]*Observation),
		minInterval: minInterval,
	}
}

// Initialize 在市场的池首次注入流动性时播种：两个槽取同一 (now, cumulative)，
// 初始隐含 TWAP 与即时现价相等。
func (o *Oracle) Initialize(id domain.MarketID, now time.Time, cumulative *big.Int, spotBps int64, seq uint64) error {
	if _, exists := o.obs[id]; exists {
		return domain.ErrPoolExists
	}
	o.obs[id] = &Observation{
		T0:        now,
		C0:        new(big.Int).Set(cumulative),
		T1:        now,
		C1:        new(big.Int).Set(cumulative),
		CachedBps: spotBps,
		CachedSeq: seq,
	}
	return nil
}

// Update 显式观测：距新槽时间戳不足最小间隔则失败。
// 成功时把新槽移入旧槽，读取当前累积值，按
//   twap = (cumulativeNow - cumulativeOld) / (timestampNow - timestampOld)
// 计算并缓存。
func (o *Oracle) Update(id domain.MarketID, now time.Time, cumulative *big.Int, seq uint64) (int64, error) {
	ob, ok := o.obs[id]
	if !ok {
		return 0, domain.ErrMarketNotRegistered
	}
	if now.Sub(ob.T1) < o.minInterval {
		return 0, domain.ErrTWAPInterval
	}

	elapsed := int64(now.Sub(ob.T1) / time.Second)
	diff := new(big.Int).Sub(cumulative, ob.C1)
	bps := new(big.Int).Quo(diff, big.NewInt(elapsed)).Int64()
	if bps < 0 {
		bps = 0
	}
	if bps > domain.BpsDenom {
		bps = domain.BpsDenom
	}

	ob.T0, ob.C0 = ob.T1, ob.C1
	ob.T1 = now
	ob.C1 = new(big.Int).Set(cumulative)
	ob.CachedBps = bps
	ob.CachedSeq = seq

	log.WithFields(logrus.Fields{
		"market": id.Hex(),
		"twap":   bps,
	}).Debug("twap 观测已更新")
	return bps, nil
}

// TWAP 读取缓存的 TWAP（bps）与计算时序号
func (o *Oracle) TWAP(id domain.MarketID) (bps int64, seq uint64, ok bool) {
	ob, found := o.obs[id]
	if !found {
		return 0, 0, false
	}
	return ob.CachedBps, ob.CachedSeq, true
}

// Get 读取观测记录
func (o *Oracle) Get(id domain.MarketID) (*Observation, bool) {
	ob, ok := o.obs[id]
	return ob, ok
}

// Snapshot 深拷贝
func (o *Oracle) Snapshot() interface{} {
	cp := make(map[domain.MarketID]*Observation, len(o.obs))
	for id, ob := range o.obs {
		cp[id] = ob.Clone()
	}
	return cp
}

// Restore 用快照覆盖
func (o *Oracle) Restore(snap interface{}) {
	o.obs = snap.(map[domain.MarketID]*Observation)
}
