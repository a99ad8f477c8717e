package domain

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketID 市场 ID（内容寻址：keccak256(描述, resolver, 抵押品)）
// 同一 (描述, resolver, 抵押品) 组合只允许创建一次市场。
type MarketID common.Hash

// TokenID 份额 token ID。
// YES 侧直接复用 MarketID，NO 侧由 MarketID 再做一次 keccak 派生（纯函数，无存储）。
type TokenID common.Hash

// PoolID AMM 池 ID（keccak256(token0, token1, feeOrHook)，token0 为较小的 token id）
type PoolID common.Hash

// NewMarketID 计算市场的内容寻址 ID
func NewMarketID(description string, resolver common.Address, collateralKey string) MarketID {
	h := crypto.Keccak256Hash([]byte(description), resolver.Bytes(), []byte(collateralKey))
	return MarketID(h)
}

// Yes 返回 YES 侧 token ID（即市场 ID 本身）
func (m MarketID) Yes() TokenID {
	return TokenID(m)
}

// No 返回 NO 侧 token ID（确定性派生，纯函数）
func (m MarketID) No() TokenID {
	return TokenID(crypto.Keccak256Hash(m[:]))
}

func (m MarketID) Hex() string {
	return common.Hash(m).Hex()
}

func (t TokenID) Hex() string {
	return common.Hash(t).Hex()
}

// Cmp 按字节序比较两个 token ID（用于池内 token 排序：较小者为 token0）
func (t TokenID) Cmp(other TokenID) int {
	return bytes.Compare(t[:], other[:])
}

func (p PoolID) Hex() string {
	return common.Hash(p).Hex()
}
