package domain

import "math/big"

// BpsDenom 基点分母：10000 bps = 100%
// 与 pips 约定一致：价格/概率一律用 [0,10000] 的整数表示，避免浮点误差。
const BpsDenom = 10000

var bpsDenomBig = big.NewInt(BpsDenom)

// Pow10 返回 10^n
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulBps 返回 x * bps / 10000（向零截断）
func MulBps(x *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(bps))
	return out.Quo(out, bpsDenomBig)
}

// DivToBps 返回 num * 10000 / den（向零截断）；den 为 0 时返回 fallback
func DivToBps(num, den *big.Int, fallback int64) int64 {
	if den.Sign() == 0 {
		return fallback
	}
	out := new(big.Int).Mul(num, bpsDenomBig)
	out.Quo(out, den)
	return out.Int64()
}

// CeilDiv 返回 ceil(a / b)，b 必须为正
func CeilDiv(a, b *big.Int) *big.Int {
	sum := new(big.Int).Add(a, b)
	sum.Sub(sum, big.NewInt(1))
	return sum.Quo(sum, b)
}

// BigMin 返回多个值中的最小值
func BigMin(xs ...*big.Int) *big.Int {
	min := xs[0]
	for _, x := range xs[1:] {
		if x.Cmp(min) < 0 {
			min = x
		}
	}
	return new(big.Int).Set(min)
}

// AbsInt64 int64 绝对值
func AbsInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
