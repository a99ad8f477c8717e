package router

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/amm"
	"github.com/zammdefi/pmcore/internal/domain"
)

// buyPlan 买入路由计划：先算全量，再一次性落账。
// 执行方只照计划搬钱，所有定价决策都在规划阶段完成。
type buyPlan struct {
	otcShares *big.Int
	otcCost   *big.Int
	otcFair   *big.Int // 按 TWAP 计的公允价值，归该侧 LP
	otcSpread *big.Int // 点差收入，归再平衡预算

	ammSplitShares *big.Int // split 出的对数，同时是换入池子的反向份额数
	ammCollateral  *big.Int
	ammSwapOut     *big.Int

	mintShares     *big.Int
	mintCollateral *big.Int
	mintToVault    bool

	feeBps int64
}

func newBuyPlan() *buyPlan {
	return &buyPlan{
		otcShares: new(big.Int), otcCost: new(big.Int),
		otcFair: new(big.Int), otcSpread: new(big.Int),
		ammSplitShares: new(big.Int), ammCollateral: new(big.Int), ammSwapOut: new(big.Int),
		mintShares: new(big.Int), mintCollateral: new(big.Int),
	}
}

func (p *buyPlan) totalShares() *big.Int {
	t := new(big.Int).Add(p.otcShares, p.ammSplitShares)
	t.Add(t, p.ammSwapOut)
	return t.Add(t, p.mintShares)
}

func (p *buyPlan) venue() domain.VenueSource {
	legs := 0
	src := domain.VenueNone
	if p.otcShares.Sign() > 0 {
		legs++
		src = domain.VenueVaultOTC
	}
	if p.ammSplitShares.Sign() > 0 {
		legs++
		src = domain.VenueAMM
	}
	if p.mintShares.Sign() > 0 {
		legs++
		src = domain.VenueMint
	}
	if legs > 1 {
		return domain.VenueComposite
	}
	return src
}

// swapOutBig 常乘积产出：out = in*(10000-fee)*rOut / (rIn*10000 + in*(10000-fee))
func swapOutBig(amountIn, reserveIn, reserveOut *big.Int, feeBps int64) *big.Int {
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 || amountIn.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(domain.BpsDenom-feeBps))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(domain.BpsDenom))
	den.Add(den, inWithFee)
	return num.Quo(num, den)
}

// ammBuyQuote 模拟“把 s 份反向份额换成买入侧”的产出与价格冲击
func ammBuyQuote(view amm.PoolView, yesIsToken0, buyYes bool, s *big.Int, feeBps int64) (out *big.Int, impactBps int64) {
	rYes, rNo := view.Reserve0, view.Reserve1
	if !yesIsToken0 {
		rYes, rNo = rNo, rYes
	}
	rIn, rOut := rNo, rYes // 买 YES：换入 NO
	if !buyYes {
		rIn, rOut = rYes, rNo
	}
	out = swapOutBig(s, rIn, rOut, feeBps)
	if out.Cmp(rOut) >= 0 {
		return new(big.Int), domain.BpsDenom
	}
	oldP := spotYesBps(view, yesIsToken0)
	newYes, newNo := new(big.Int).Set(rYes), new(big.Int).Set(rNo)
	if buyYes {
		newNo.Add(newNo, s)
		newYes.Sub(newYes, out)
	} else {
		newYes.Add(newYes, s)
		newNo.Sub(newNo, out)
	}
	newP := domain.DivToBps(newNo, new(big.Int).Add(newYes, newNo), oldP)
	return out, domain.AbsInt64(newP - oldP)
}

// planBuy 只读规划买入路径。场所优先级：金库 OTC → AMM（冲击护栏内部分成交）→ 铸造回补。
func (r *Router) planBuy(now time.Time, seq uint64, id domain.MarketID, buyYes bool,
	collateralIn *big.Int) (*buyPlan, error) {

	reg, ok := r.regs[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	v := r.vaults[id]
	m, _ := r.ledger.Market(id)
	hook, _ := r.hooks.Get(reg.PoolID)
	view, _ := r.pools.Pools(reg.PoolID)

	fee := hook.CurrentFee(now, m.CloseTime, view)
	if fee.Halted {
		return nil, domain.ErrHalted
	}

	cps := m.CollateralPerShare()
	remaining := new(big.Int).Set(collateralIn)
	plan := newBuyPlan()
	plan.feeBps = fee.Bps

	// 1. 金库 OTC：TWAP+点差定价，单笔最多吃掉该侧库存的 30%，收盘窗口内一律关闭。
	// TWAP 是本操作内刚写入的观测时不用（防同操作内自报价格）。
	if !hook.InCloseWindow(now, m.CloseTime) {
		twapBps, tseq, hasTwap := r.oracle.TWAP(id)
		inv := v.Side(buyYes).Inventory
		if hasTwap && tseq != seq && twapBps > 0 && inv.Sign() > 0 {
			spread := hook.OTCSpreadBps(now, m.CloseTime, inv, v.Side(!buyYes).Inventory)
			priceBps := hook.BuySpreadPriceBps(twapBps, spread)
			unit := domain.MulBps(cps, priceBps)
			if unit.Sign() > 0 {
				shares := domain.BigMin(
					domain.MulBps(inv, MaxDepletionBps),
					new(big.Int).Quo(remaining, unit),
				)
				if shares.Sign() > 0 {
					cost := new(big.Int).Mul(shares, unit)
					fair := domain.MulBps(new(big.Int).Mul(shares, cps), twapBps)
					if fair.Cmp(cost) > 0 {
						fair.Set(cost)
					}
					plan.otcShares.Set(shares)
					plan.otcCost.Set(cost)
					plan.otcFair.Set(fair)
					plan.otcSpread.Sub(cost, fair)
					remaining.Sub(remaining, cost)
				}
			}
		}
	}

	// 2. AMM：split 后把反向份额换进池子。对 1200 bps 冲击护栏做二分，
	// 取护栏内能成交的最大对数，剩余让给下一场所。
	if remaining.Cmp(cps) >= 0 && view.Reserve0.Sign() > 0 && view.Reserve1.Sign() > 0 {
		sMax := new(big.Int).Quo(remaining, cps)
		if _, impact := ammBuyQuote(view, reg.YesIsToken0, buyYes, sMax, fee.Bps); impact > MaxPriceImpactBps {
			lo, hi := new(big.Int), new(big.Int).Set(sMax)
			for i := 0; i < 64 && lo.Cmp(hi) < 0; i++ {
				mid := new(big.Int).Add(lo, hi)
				mid.Add(mid, big.NewInt(1)).Rsh(mid, 1)
				if _, impact := ammBuyQuote(view, reg.YesIsToken0, buyYes, mid, fee.Bps); impact <= MaxPriceImpactBps {
					lo.Set(mid)
				} else {
					hi.Sub(mid, big.NewInt(1))
				}
			}
			sMax = lo
		}
		if sMax.Sign() > 0 {
			out, _ := ammBuyQuote(view, reg.YesIsToken0, buyYes, sMax, fee.Bps)
			if out.Sign() > 0 {
				plan.ammSplitShares.Set(sMax)
				plan.ammCollateral.Mul(sMax, cps)
				plan.ammSwapOut.Set(out)
				remaining.Sub(remaining, plan.ammCollateral)
			}
		}
	}

	// 3. 铸造回补：剩余抵押品直接 split。买入侧给买家；反向侧在不恶化金库
	// 偏斜的前提下替买家自动入金库，否则原样交给买家。
	if remaining.Cmp(cps) >= 0 {
		shares := new(big.Int).Quo(remaining, cps)
		plan.mintShares.Set(shares)
		plan.mintCollateral.Mul(shares, cps)

		opp := v.Side(!buyYes)
		newOpp := new(big.Int).Add(opp.Inventory, shares)
		total := new(big.Int).Add(v.Side(buyYes).Inventory, newOpp)
		plan.mintToVault = domain.DivToBps(newOpp, total, domain.BpsDenom) <= MaxMintSkewBps
	}

	if plan.totalShares().Sign() == 0 {
		return nil, domain.ErrInsufficientLiquidity
	}
	return plan, nil
}

// QuoteBuy 只读买入报价
func (r *Router) QuoteBuy(now time.Time, seq uint64, id domain.MarketID, buyYes bool,
	collateralIn *big.Int) (*big.Int, domain.VenueSource, error) {

	if err := checkCollateralIn(collateralIn); err != nil {
		return nil, domain.VenueNone, err
	}
	if _, _, err := r.activeVault(now, id); err != nil {
		return nil, domain.VenueNone, err
	}
	plan, err := r.planBuy(now, seq, id, buyYes, collateralIn)
	if err != nil {
		return nil, domain.VenueNone, err
	}
	return plan.totalShares(), plan.venue(), nil
}

// Buy 按计划执行买入，返回 (总份额, 成交来源, 铸造路径替买家铸出的金库 LP)
func (r *Router) Buy(now time.Time, seq uint64, caller common.Address, id domain.MarketID,
	buyYes bool, collateralIn, minSharesOut *big.Int, receiver common.Address) (*big.Int, domain.VenueSource, *big.Int, error) {

	if receiver == (common.Address{}) {
		return nil, domain.VenueNone, nil, domain.ErrInvalidReceiver
	}
	if err := checkCollateralIn(collateralIn); err != nil {
		return nil, domain.VenueNone, nil, err
	}
	v, m, err := r.activeVault(now, id)
	if err != nil {
		return nil, domain.VenueNone, nil, err
	}
	plan, err := r.planBuy(now, seq, id, buyYes, collateralIn)
	if err != nil {
		return nil, domain.VenueNone, nil, err
	}

	reg := r.regs[id]
	book := r.ledger.Book()
	asset, _ := r.ledger.Asset(m.CollateralKey)
	buyTok, oppTok := id.Yes(), id.No()
	if !buyYes {
		buyTok, oppTok = oppTok, buyTok
	}
	total := new(big.Int)
	vaultMinted := new(big.Int)

	if plan.otcShares.Sign() > 0 {
		if err := asset.TransferFrom(caller, caller, RouterAddress, plan.otcCost); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if err := book.Transfer(RouterAddress, receiver, buyTok, plan.otcShares); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		v.Side(buyYes).Inventory.Sub(v.Side(buyYes).Inventory, plan.otcShares)
		if !v.Side(buyYes).accrue(plan.otcFair) {
			v.RebalanceBudget.Add(v.RebalanceBudget, plan.otcFair)
		}
		v.RebalanceBudget.Add(v.RebalanceBudget, plan.otcSpread)
		total.Add(total, plan.otcShares)
	}

	if plan.ammSplitShares.Sign() > 0 {
		if _, _, err := r.ledger.Split(now, caller, id, plan.ammCollateral, RouterAddress, r.nativeValue(m, plan.ammCollateral)); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if err := book.Transfer(RouterAddress, AMMAddress, oppTok, plan.ammSplitShares); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		zeroForOne := reg.YesIsToken0 != buyYes // 换入的是反向份额
		out, err := r.pools.SwapExactIn(now, reg.PoolID, zeroForOne, plan.ammSplitShares, nil, plan.feeBps)
		if err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if err := book.Transfer(AMMAddress, receiver, buyTok, out); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if err := book.Transfer(RouterAddress, receiver, buyTok, plan.ammSplitShares); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		total.Add(total, plan.ammSplitShares)
		total.Add(total, out)
	}

	if plan.mintShares.Sign() > 0 {
		if _, _, err := r.ledger.Split(now, caller, id, plan.mintCollateral, RouterAddress, r.nativeValue(m, plan.mintCollateral)); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if err := book.Transfer(RouterAddress, receiver, buyTok, plan.mintShares); err != nil {
			return nil, domain.VenueNone, nil, err
		}
		if plan.mintToVault {
			lp, fee, err := v.Side(!buyYes).deposit(now, receiver, plan.mintShares)
			if err != nil {
				return nil, domain.VenueNone, nil, err
			}
			if err := r.payCollateral(m, receiver, fee); err != nil {
				return nil, domain.VenueNone, nil, err
			}
			vaultMinted.Set(lp)
		} else {
			if err := book.Transfer(RouterAddress, receiver, oppTok, plan.mintShares); err != nil {
				return nil, domain.VenueNone, nil, err
			}
		}
		total.Add(total, plan.mintShares)
	}

	if minSharesOut != nil && total.Cmp(minSharesOut) < 0 {
		return nil, domain.VenueNone, nil, domain.ErrSlippage
	}

	log.WithFields(logrus.Fields{
		"market": id.Hex(),
		"yes":    buyYes,
		"shares": total.String(),
		"venue":  plan.venue().String(),
	}).Debug("buy")
	return total, plan.venue(), vaultMinted, nil
}

// sellPlan 卖出路由计划
type sellPlan struct {
	otcShares *big.Int
	otcPayout *big.Int

	ammShares  *big.Int // 进入 AMM 腿的份额总数
	ammSwapIn  *big.Int // 其中换进池子的部分 x
	ammSwapOut *big.Int
	ammMerged  *big.Int // 配对合并的对数 = ammShares - ammSwapIn
	ammDust    *big.Int // 换出超过配对需要的零头，以反向份额交给 receiver

	feeBps int64
}

func newSellPlan() *sellPlan {
	return &sellPlan{
		otcShares: new(big.Int), otcPayout: new(big.Int),
		ammShares: new(big.Int), ammSwapIn: new(big.Int),
		ammSwapOut: new(big.Int), ammMerged: new(big.Int), ammDust: new(big.Int),
	}
}

func (p *sellPlan) venue() domain.VenueSource {
	legs := 0
	src := domain.VenueNone
	if p.otcShares.Sign() > 0 {
		legs++
		src = domain.VenueVaultOTC
	}
	if p.ammShares.Sign() > 0 {
		legs++
		src = domain.VenueAMM
	}
	if legs > 1 {
		return domain.VenueComposite
	}
	return src
}

// planSell 只读规划卖出路径：金库 OTC（赔付受预算封顶）→ AMM（换一部分、配对合并其余）。
// 卖出没有铸造等价物，路不完就整体失败。
func (r *Router) planSell(now time.Time, seq uint64, id domain.MarketID, sellYes bool,
	sharesIn *big.Int) (*sellPlan, error) {

	reg, ok := r.regs[id]
	if !ok {
		return nil, domain.ErrMarketNotRegistered
	}
	v := r.vaults[id]
	m, _ := r.ledger.Market(id)
	hook, _ := r.hooks.Get(reg.PoolID)
	view, _ := r.pools.Pools(reg.PoolID)

	fee := hook.CurrentFee(now, m.CloseTime, view)
	if fee.Halted {
		return nil, domain.ErrHalted
	}

	cps := m.CollateralPerShare()
	remaining := new(big.Int).Set(sharesIn)
	plan := newSellPlan()
	plan.feeBps = fee.Bps

	// 1. 金库 OTC：TWAP-点差收购，赔付只能从再平衡预算里出
	if !hook.InCloseWindow(now, m.CloseTime) && v.RebalanceBudget.Sign() > 0 {
		twapBps, tseq, hasTwap := r.oracle.TWAP(id)
		if hasTwap && tseq != seq {
			inv := v.Side(sellYes).Inventory
			spread := hook.OTCSpreadBps(now, m.CloseTime, inv, v.Side(!sellYes).Inventory)
			priceBps := hook.SellSpreadPriceBps(twapBps, spread)
			unit := domain.MulBps(cps, priceBps)
			if unit.Sign() > 0 {
				shares := domain.BigMin(remaining, new(big.Int).Quo(v.RebalanceBudget, unit))
				if shares.Sign() > 0 {
					plan.otcShares.Set(shares)
					plan.otcPayout.Mul(shares, unit)
					remaining.Sub(remaining, shares)
				}
			}
		}
	}

	// 2. AMM：把 x 份换成反向份额，剩下 s-x 与换得的份额配对合并回抵押品。
	// 二分求最小的 x 使 swapOut(x) >= s-x；冲击超护栏即整单失败。
	if remaining.Sign() > 0 {
		rYes, rNo := view.Reserve0, view.Reserve1
		if !reg.YesIsToken0 {
			rYes, rNo = rNo, rYes
		}
		rIn, rOut := rYes, rNo // 卖 YES：换入 YES 拿 NO
		if !sellYes {
			rIn, rOut = rNo, rYes
		}
		if rIn.Sign() == 0 || rOut.Sign() == 0 {
			return nil, domain.ErrInsufficientLiquidity
		}

		s := remaining
		lo, hi := new(big.Int), new(big.Int).Set(s)
		for lo.Cmp(hi) < 0 {
			mid := new(big.Int).Add(lo, hi)
			mid.Rsh(mid, 1)
			need := new(big.Int).Sub(s, mid)
			if swapOutBig(mid, rIn, rOut, fee.Bps).Cmp(need) >= 0 {
				hi.Set(mid)
			} else {
				lo.Add(mid, big.NewInt(1))
			}
		}
		x := lo
		out := swapOutBig(x, rIn, rOut, fee.Bps)
		merged := new(big.Int).Sub(s, x)
		if out.Cmp(merged) < 0 || out.Cmp(rOut) >= 0 {
			return nil, domain.ErrInsufficientLiquidity
		}

		oldP := spotYesBps(view, reg.YesIsToken0)
		newIn, newOut := new(big.Int).Add(rIn, x), new(big.Int).Sub(rOut, out)
		newYes, newNo := newIn, newOut
		if !sellYes {
			newYes, newNo = newOut, newIn
		}
		newP := domain.DivToBps(newNo, new(big.Int).Add(newYes, newNo), oldP)
		if domain.AbsInt64(newP-oldP) > MaxPriceImpactBps {
			return nil, domain.ErrPriceImpact
		}

		plan.ammShares.Set(s)
		plan.ammSwapIn.Set(x)
		plan.ammSwapOut.Set(out)
		plan.ammMerged.Set(merged)
		plan.ammDust.Sub(out, merged)
		remaining = new(big.Int)
	}

	if plan.otcShares.Sign() == 0 && plan.ammShares.Sign() == 0 {
		return nil, domain.ErrInsufficientLiquidity
	}
	return plan, nil
}

// QuoteSell 只读卖出报价，返回预期抵押品产出
func (r *Router) QuoteSell(now time.Time, seq uint64, id domain.MarketID, sellYes bool,
	sharesIn *big.Int) (*big.Int, domain.VenueSource, error) {

	if sharesIn == nil || sharesIn.Sign() <= 0 {
		return nil, domain.VenueNone, domain.ErrZeroAmount
	}
	if _, _, err := r.activeVault(now, id); err != nil {
		return nil, domain.VenueNone, err
	}
	plan, err := r.planSell(now, seq, id, sellYes, sharesIn)
	if err != nil {
		return nil, domain.VenueNone, err
	}
	m, _ := r.ledger.Market(id)
	out := new(big.Int).Mul(plan.ammMerged, m.CollateralPerShare())
	out.Add(out, plan.otcPayout)
	return out, plan.venue(), nil
}

// Sell 按计划执行卖出，返回 (抵押品产出, 成交来源)
func (r *Router) Sell(now time.Time, seq uint64, caller common.Address, id domain.MarketID,
	sellYes bool, sharesIn, minCollateralOut *big.Int, receiver common.Address) (*big.Int, domain.VenueSource, error) {

	if receiver == (common.Address{}) {
		return nil, domain.VenueNone, domain.ErrInvalidReceiver
	}
	if sharesIn == nil || sharesIn.Sign() <= 0 {
		return nil, domain.VenueNone, domain.ErrZeroAmount
	}
	v, m, err := r.activeVault(now, id)
	if err != nil {
		return nil, domain.VenueNone, err
	}
	plan, err := r.planSell(now, seq, id, sellYes, sharesIn)
	if err != nil {
		return nil, domain.VenueNone, err
	}

	reg := r.regs[id]
	book := r.ledger.Book()
	sellTok, oppTok := id.Yes(), id.No()
	if !sellYes {
		sellTok, oppTok = oppTok, sellTok
	}
	payout := new(big.Int)

	if plan.otcShares.Sign() > 0 {
		if err := book.Transfer(caller, RouterAddress, sellTok, plan.otcShares); err != nil {
			return nil, domain.VenueNone, err
		}
		v.Side(sellYes).Inventory.Add(v.Side(sellYes).Inventory, plan.otcShares)
		v.RebalanceBudget.Sub(v.RebalanceBudget, plan.otcPayout)
		if err := r.payCollateral(m, receiver, plan.otcPayout); err != nil {
			return nil, domain.VenueNone, err
		}
		payout.Add(payout, plan.otcPayout)
	}

	if plan.ammShares.Sign() > 0 {
		if err := book.Transfer(caller, RouterAddress, sellTok, plan.ammShares); err != nil {
			return nil, domain.VenueNone, err
		}
		if plan.ammSwapIn.Sign() > 0 {
			if err := book.Transfer(RouterAddress, AMMAddress, sellTok, plan.ammSwapIn); err != nil {
				return nil, domain.VenueNone, err
			}
			zeroForOne := reg.YesIsToken0 == sellYes
			out, err := r.pools.SwapExactIn(now, reg.PoolID, zeroForOne, plan.ammSwapIn, nil, plan.feeBps)
			if err != nil {
				return nil, domain.VenueNone, err
			}
			if err := book.Transfer(AMMAddress, RouterAddress, oppTok, out); err != nil {
				return nil, domain.VenueNone, err
			}
		}
		if plan.ammMerged.Sign() > 0 {
			if _, _, err := r.ledger.Merge(now, RouterAddress, id, plan.ammMerged, receiver); err != nil {
				return nil, domain.VenueNone, err
			}
			payout.Add(payout, new(big.Int).Mul(plan.ammMerged, m.CollateralPerShare()))
		}
		if plan.ammDust.Sign() > 0 {
			if err := book.Transfer(RouterAddress, receiver, oppTok, plan.ammDust); err != nil {
				return nil, domain.VenueNone, err
			}
		}
	}

	if minCollateralOut != nil && payout.Cmp(minCollateralOut) < 0 {
		return nil, domain.VenueNone, domain.ErrSlippage
	}

	log.WithFields(logrus.Fields{
		"market": id.Hex(),
		"yes":    sellYes,
		"payout": payout.String(),
		"venue":  plan.venue().String(),
	}).Debug("sell")
	return payout, plan.venue(), nil
}

func checkCollateralIn(collateralIn *big.Int) error {
	if collateralIn == nil || collateralIn.Sign() <= 0 {
		return domain.ErrZeroAmount
	}
	if collateralIn.Cmp(MaxCollateralIn) > 0 {
		return domain.ErrCollateralCeiling
	}
	return nil
}
