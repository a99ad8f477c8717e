package domain

// VenueSource 成交来源标识。
// Composite 表示一笔交易跨越了多个流动性来源（集成方需要区分处理）。
type VenueSource int

const (
	VenueNone VenueSource = iota
	VenueVaultOTC
	VenueAMM
	VenueMint
	VenueComposite
)

func (v VenueSource) String() string {
	switch v {
	case VenueVaultOTC:
		return "otc"
	case VenueAMM:
		return "amm"
	case VenueMint:
		return "mint"
	case VenueComposite:
		return "mult"
	default:
		return "none"
	}
}

// FeeState 手续费状态（带标签的结果，替代“fee >= 10000 即停机”的魔数比较）。
type FeeState struct {
	Halted bool
	Bps    int64 // Halted 时无意义
}

// ActiveFee 构造正常收费状态
func ActiveFee(bps int64) FeeState {
	if bps >= BpsDenom {
		return FeeState{Halted: true}
	}
	return FeeState{Bps: bps}
}

// HaltedFee 构造停机状态
func HaltedFee() FeeState {
	return FeeState{Halted: true}
}
