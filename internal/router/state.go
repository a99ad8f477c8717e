package router

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// PositionState 金库持仓条目
type PositionState struct {
	User        string `json:"user"`
	LP          string `json:"lp"`
	FeeDebt     string `json:"feeDebt"`
	LastDeposit int64  `json:"lastDeposit"`
}

// SideState 金库单侧状态
type SideState struct {
	Inventory   string          `json:"inventory"`
	TotalLP     string          `json:"totalLp"`
	AccFeePerLP string          `json:"accFeePerLp"`
	Positions   []PositionState `json:"positions,omitempty"`
}

// VaultState 金库状态
type VaultState struct {
	MarketID        string    `json:"marketId"`
	Finalized       bool      `json:"finalized"`
	RebalanceBudget string    `json:"rebalanceBudget"`
	Yes             SideState `json:"yes"`
	No              SideState `json:"no"`
}

// RegState 市场与规范池的绑定
type RegState struct {
	MarketID    string `json:"marketId"`
	PoolID      string `json:"poolId"`
	FeeFlag     uint32 `json:"feeFlag"`
	YesIsToken0 bool   `json:"yesIsToken0"`
}

// State 路由器的可序列化状态
type State struct {
	Vaults        []VaultState `json:"vaults"`
	Registrations []RegState   `json:"registrations"`
}

func exportSide(s *VaultSide) SideState {
	out := SideState{
		Inventory:   s.Inventory.String(),
		TotalLP:     s.TotalLP.String(),
		AccFeePerLP: s.AccFeePerLP.String(),
	}
	for user, p := range s.positions {
		out.Positions = append(out.Positions, PositionState{
			User:        user.Hex(),
			LP:          p.LP.String(),
			FeeDebt:     p.FeeDebt.String(),
			LastDeposit: p.LastDeposit.Unix(),
		})
	}
	return out
}

func importSide(s SideState) (*VaultSide, error) {
	side := newVaultSide()
	var err error
	if side.Inventory, err = domain.ParseBig(s.Inventory); err != nil {
		return nil, err
	}
	if side.TotalLP, err = domain.ParseBig(s.TotalLP); err != nil {
		return nil, err
	}
	if side.AccFeePerLP, err = domain.ParseBig(s.AccFeePerLP); err != nil {
		return nil, err
	}
	for _, ps := range s.Positions {
		lp, err := domain.ParseBig(ps.LP)
		if err != nil {
			return nil, err
		}
		debt, err := domain.ParseBig(ps.FeeDebt)
		if err != nil {
			return nil, err
		}
		side.positions[common.HexToAddress(ps.User)] = &Position{
			LP:          lp,
			FeeDebt:     debt,
			LastDeposit: time.Unix(ps.LastDeposit, 0),
		}
	}
	return side, nil
}

// Export 导出全部金库与注册信息
func (r *Router) Export() *State {
	s := &State{}
	for id, v := range r.vaults {
		s.Vaults = append(s.Vaults, VaultState{
			MarketID:        id.Hex(),
			Finalized:       v.Finalized,
			RebalanceBudget: v.RebalanceBudget.String(),
			Yes:             exportSide(v.Yes),
			No:              exportSide(v.No),
		})
	}
	for id, reg := range r.regs {
		s.Registrations = append(s.Registrations, RegState{
			MarketID:    id.Hex(),
			PoolID:      reg.PoolID.Hex(),
			FeeFlag:     reg.FeeFlag,
			YesIsToken0: reg.YesIsToken0,
		})
	}
	return s
}

// Import 从导出状态恢复
func (r *Router) Import(s *State) error {
	vaults := make(map[domain.MarketID]*Vault, len(s.Vaults))
	for _, vs := range s.Vaults {
		budget, err := domain.ParseBig(vs.RebalanceBudget)
		if err != nil {
			return err
		}
		yes, err := importSide(vs.Yes)
		if err != nil {
			return err
		}
		no, err := importSide(vs.No)
		if err != nil {
			return err
		}
		vaults[domain.MarketID(common.HexToHash(vs.MarketID))] = &Vault{
			Yes:             yes,
			No:              no,
			RebalanceBudget: budget,
			Finalized:       vs.Finalized,
		}
	}
	regs := make(map[domain.MarketID]Registration, len(s.Registrations))
	for _, rs := range s.Registrations {
		regs[domain.MarketID(common.HexToHash(rs.MarketID))] = Registration{
			PoolID:      domain.PoolID(common.HexToHash(rs.PoolID)),
			FeeFlag:     rs.FeeFlag,
			YesIsToken0: rs.YesIsToken0,
		}
	}
	r.vaults = vaults
	r.regs = regs
	return nil
}
