package engine

import (
	"github.com/zammdefi/pmcore/internal/amm"
	"github.com/zammdefi/pmcore/internal/feehook"
	"github.com/zammdefi/pmcore/internal/ledger"
	"github.com/zammdefi/pmcore/internal/router"
	"github.com/zammdefi/pmcore/internal/twap"
)

// State 引擎全量状态的可序列化形态，重启恢复用
type State struct {
	Seq          uint64                  `json:"seq"`
	Ledger       *ledger.State           `json:"ledger"`
	Pools        []amm.PoolState         `json:"pools,omitempty"`
	Hooks        []feehook.HookState     `json:"hooks,omitempty"`
	Observations []twap.ObservationState `json:"observations,omitempty"`
	Router       *router.State           `json:"router"`
}

// Export 导出引擎全量状态
func (e *Engine) Export() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &State{
		Seq:          e.seq,
		Ledger:       e.ledger.Export(),
		Pools:        e.pools.Export(),
		Hooks:        e.hooks.Export(),
		Observations: e.oracle.Export(),
		Router:       e.router.Export(),
	}
}

// Import 从导出状态恢复引擎。资产必须先注册。
// 任一子系统失败就中止，不保证部分恢复后的一致性，调用方应整体弃用。
func (e *Engine) Import(s *State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Ledger != nil {
		if err := e.ledger.Import(s.Ledger); err != nil {
			return err
		}
	}
	if err := e.pools.Import(s.Pools); err != nil {
		return err
	}
	if err := e.hooks.Import(s.Hooks); err != nil {
		return err
	}
	if err := e.oracle.Import(s.Observations); err != nil {
		return err
	}
	if s.Router != nil {
		if err := e.router.Import(s.Router); err != nil {
			return err
		}
	}
	e.seq = s.Seq
	log.WithField("seq", s.Seq).Info("引擎状态已恢复")
	return nil
}
