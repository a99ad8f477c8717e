package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// Book 份额余额账本：按 (holder, tokenID) 记账。
// 第三方转移走标准的 allowance/operator 委托模型（ERC-6909 风格）。
type Book struct {
	balances   map[balKey]*big.Int
	allowances map[allowKey]*big.Int
	operators  map[opKey]bool
}

type balKey struct {
	holder common.Address
	token  domain.TokenID
}

type allowKey struct {
	owner   common.Address
	spender common.Address
	token   domain.TokenID
}

type opKey struct {
	owner    common.Address
	operator common.Address
}

// NewBook 创建空账本
func NewBook() *Book {
	return &Book{
		balances:   make(map[balKey]*big.Int),
		allowances: make(map[allowKey]*big.Int),
		operators:  make(map[opKey]bool),
	}
}

// Balance 查询余额（返回副本）
func (b *Book) Balance(holder common.Address, token domain.TokenID) *big.Int {
	if v, ok := b.balances[balKey{holder, token}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *Book) add(holder common.Address, token domain.TokenID, amount *big.Int) {
	k := balKey{holder, token}
	cur := b.balances[k]
	if cur == nil {
		cur = new(big.Int)
	}
	b.balances[k] = new(big.Int).Add(cur, amount)
}

// Mint 铸造份额（仅 Ledger 内部调用）
func (b *Book) Mint(to common.Address, token domain.TokenID, amount *big.Int) {
	b.add(to, token, amount)
}

// Burn 销毁份额，余额不足报错
func (b *Book) Burn(from common.Address, token domain.TokenID, amount *big.Int) error {
	k := balKey{from, token}
	cur := b.balances[k]
	if cur == nil || cur.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	b.balances[k] = new(big.Int).Sub(cur, amount)
	return nil
}

// Transfer 持有人自己转移份额
func (b *Book) Transfer(from, to common.Address, token domain.TokenID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return domain.ErrZeroAmount
	}
	if err := b.Burn(from, token, amount); err != nil {
		return err
	}
	b.add(to, token, amount)
	return nil
}

// TransferFrom 第三方转移：spender 需要足额 allowance 或 operator 授权
func (b *Book) TransferFrom(spender, from, to common.Address, token domain.TokenID, amount *big.Int) error {
	if spender != from && !b.IsOperator(from, spender) {
		ak := allowKey{from, spender, token}
		allowed := b.allowances[ak]
		if allowed == nil || allowed.Cmp(amount) < 0 {
			return domain.ErrInsufficientAllowance
		}
		b.allowances[ak] = new(big.Int).Sub(allowed, amount)
	}
	return b.Transfer(from, to, token, amount)
}

// Approve 设置单 token 额度
func (b *Book) Approve(owner, spender common.Address, token domain.TokenID, amount *big.Int) {
	b.allowances[allowKey{owner, spender, token}] = new(big.Int).Set(amount)
}

// Allowance 查询额度（返回副本）
func (b *Book) Allowance(owner, spender common.Address, token domain.TokenID) *big.Int {
	if v, ok := b.allowances[allowKey{owner, spender, token}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SetOperator 设置全局操作员授权
func (b *Book) SetOperator(owner, operator common.Address, approved bool) {
	if approved {
		b.operators[opKey{owner, operator}] = true
	} else {
		delete(b.operators, opKey{owner, operator})
	}
}

// IsOperator 查询操作员授权
func (b *Book) IsOperator(owner, operator common.Address) bool {
	return b.operators[opKey{owner, operator}]
}

// Clone 深拷贝（快照/回滚用）
func (b *Book) Clone() *Book {
	cp := NewBook()
	for k, v := range b.balances {
		cp.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range b.allowances {
		cp.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range b.operators {
		cp.operators[k] = v
	}
	return cp
}
