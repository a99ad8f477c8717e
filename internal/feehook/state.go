package feehook

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// HookState hook 的可序列化状态。
// Config 内的 Duration 字段以纳秒整数编码（encoding/json 的默认行为）。
type HookState struct {
	PoolID       string `json:"poolId"`
	RegisteredAt int64  `json:"registeredAt"`
	Active       bool   `json:"active"`
	YesIsToken0  bool   `json:"yesIsToken0"`
	Config       Config `json:"config"`
}

// Export 导出全部 hook
func (r *Registry) Export() []HookState {
	out := make([]HookState, 0, len(r.hooks))
	for id, s := range r.hooks {
		out = append(out, HookState{
			PoolID:       id.Hex(),
			RegisteredAt: s.RegisteredAt.Unix(),
			Active:       s.Active,
			YesIsToken0:  s.YesIsToken0,
			Config:       s.Config,
		})
	}
	return out
}

// Import 从导出状态恢复全部 hook
func (r *Registry) Import(states []HookState) error {
	hooks := make(map[domain.PoolID]*State, len(states))
	for _, hs := range states {
		hooks[domain.PoolID(common.HexToHash(hs.PoolID))] = &State{
			RegisteredAt: time.Unix(hs.RegisteredAt, 0),
			Active:       hs.Active,
			YesIsToken0:  hs.YesIsToken0,
			Config:       hs.Config,
		}
	}
	r.hooks = hooks
	return nil
}
