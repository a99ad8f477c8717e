package twap

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// ObservationState 观测记录的可序列化状态
type ObservationState struct {
	MarketID  string `json:"marketId"`
	T0        int64  `json:"t0"`
	C0        string `json:"c0"`
	T1        int64  `json:"t1"`
	C1        string `json:"c1"`
	CachedBps int64  `json:"cachedBps"`
	CachedSeq uint64 `json:"cachedSeq"`
}

// Export 导出全部观测记录
func (o *Oracle) Export() []ObservationState {
	out := make([]ObservationState, 0, len(o.obs))
	for id, ob := range o.obs {
		out = append(out, ObservationState{
			MarketID:  id.Hex(),
			T0:        ob.T0.Unix(),
			C0:        ob.C0.String(),
			T1:        ob.T1.Unix(),
			C1:        ob.C1.String(),
			CachedBps: ob.CachedBps,
			CachedSeq: ob.CachedSeq,
		})
	}
	return out
}

// Import 从导出状态恢复全部观测记录
func (o *Oracle) Import(states []ObservationState) error {
	obs := make(map[domain.MarketID]*Observation, len(states))
	for _, s := range states {
		c0, err := domain.ParseBig(s.C0)
		if err != nil {
			return err
		}
		c1, err := domain.ParseBig(s.C1)
		if err != nil {
			return err
		}
		obs[domain.MarketID(common.HexToHash(s.MarketID))] = &Observation{
			T0:        time.Unix(s.T0, 0),
			C0:        c0,
			T1:        time.Unix(s.T1, 0),
			C1:        c1,
			CachedBps: s.CachedBps,
			CachedSeq: s.CachedSeq,
		}
	}
	o.obs = obs
	return nil
}
