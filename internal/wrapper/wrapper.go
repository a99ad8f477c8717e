package wrapper

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/engine"
	"github.com/zammdefi/pmcore/internal/token"
)

// Call 批量执行中的一步。所有步骤跑在同一个受保护变更里，
// 任何一步失败都会让整批回滚，不存在半完成状态。
type Call func(tx *engine.Tx) error

// Multicall 原子执行一批调用
func Multicall(e *engine.Engine, calls []Call) error {
	return e.Execute(func(tx *engine.Tx) error {
		for _, c := range calls {
			if err := c(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Deadline 截止时间检查步骤，放在批首可给整批加截止
func Deadline(deadline time.Time) Call {
	return func(tx *engine.Tx) error {
		return tx.CheckDeadline(deadline)
	}
}

// Permit 向抵押品资产转发签名授权
func Permit(assetKey string, style token.PermitStyle, args token.PermitArgs) Call {
	return func(tx *engine.Tx) error {
		return tx.Permit(assetKey, style, args)
	}
}

// SplitResult Split 步骤的输出
type SplitResult struct {
	Shares *big.Int
	Used   *big.Int
}

// Split 拆分步骤；out 可为 nil
func Split(caller common.Address, id domain.MarketID, collateralIn *big.Int,
	to common.Address, value *big.Int, out *SplitResult) Call {
	return func(tx *engine.Tx) error {
		shares, used, err := tx.Split(caller, id, collateralIn, to, value)
		if err != nil {
			return err
		}
		if out != nil {
			out.Shares, out.Used = shares, used
		}
		return nil
	}
}

// Merge 合并步骤
func Merge(caller common.Address, id domain.MarketID, amount *big.Int, to common.Address) Call {
	return func(tx *engine.Tx) error {
		_, _, err := tx.Merge(caller, id, amount, to)
		return err
	}
}

// BuyResult Buy 步骤的输出
type BuyResult struct {
	Shares      *big.Int
	Venue       domain.VenueSource
	VaultMinted *big.Int
}

// Buy 路由买入步骤；out 可为 nil
func Buy(caller common.Address, id domain.MarketID, buyYes bool,
	collateralIn, minSharesOut *big.Int, receiver common.Address, out *BuyResult) Call {
	return func(tx *engine.Tx) error {
		shares, venue, vaultMinted, err := tx.Buy(caller, id, buyYes, collateralIn, minSharesOut, receiver)
		if err != nil {
			return err
		}
		if out != nil {
			out.Shares, out.Venue, out.VaultMinted = shares, venue, vaultMinted
		}
		return nil
	}
}

// SellResult Sell 步骤的输出
type SellResult struct {
	Payout *big.Int
	Venue  domain.VenueSource
}

// Sell 路由卖出步骤；out 可为 nil
func Sell(caller common.Address, id domain.MarketID, sellYes bool,
	sharesIn, minCollateralOut *big.Int, receiver common.Address, out *SellResult) Call {
	return func(tx *engine.Tx) error {
		payout, venue, err := tx.Sell(caller, id, sellYes, sharesIn, minCollateralOut, receiver)
		if err != nil {
			return err
		}
		if out != nil {
			out.Payout, out.Venue = payout, venue
		}
		return nil
	}
}

// Claim 领取步骤
func Claim(caller common.Address, id domain.MarketID, to common.Address) Call {
	return func(tx *engine.Tx) error {
		_, _, err := tx.Claim(caller, id, to)
		return err
	}
}

// ClaimMany 批量领取步骤
func ClaimMany(caller common.Address, ids []domain.MarketID, to common.Address) Call {
	return func(tx *engine.Tx) error {
		_, _, err := tx.ClaimMany(caller, ids, to)
		return err
	}
}

// DepositToVault 金库入金步骤
func DepositToVault(caller common.Address, id domain.MarketID, yes bool, shares *big.Int, to common.Address) Call {
	return func(tx *engine.Tx) error {
		_, err := tx.DepositToVault(caller, id, yes, shares, to)
		return err
	}
}

// WithdrawFromVault 金库出金步骤
func WithdrawFromVault(caller common.Address, id domain.MarketID, yes bool, lp *big.Int) Call {
	return func(tx *engine.Tx) error {
		_, _, err := tx.WithdrawFromVault(caller, id, yes, lp)
		return err
	}
}

// UpdateTWAP 观测推进步骤
func UpdateTWAP(id domain.MarketID) Call {
	return func(tx *engine.Tx) error {
		_, err := tx.UpdateTWAP(id)
		return err
	}
}
