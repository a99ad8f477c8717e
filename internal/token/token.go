package token

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

// PermitStyle 抵押品资产的签名授权风格
type PermitStyle int

const (
	// PermitNone 资产不支持 permit（适配器直接报错）
	PermitNone PermitStyle = iota
	// PermitEIP2612 标准 EIP-2612：permit(owner, spender, value, deadline, v, r, s)
	PermitEIP2612
	// PermitDAI DAI 风格：permit(holder, spender, nonce, expiry, allowed, v, r, s)
	PermitDAI
)

// PermitArgs permit 转发参数（两种风格的并集）
type PermitArgs struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int // EIP-2612
	Deadline int64    // EIP-2612，unix 秒
	Nonce    uint64   // DAI
	Expiry   int64    // DAI，unix 秒，0 表示不过期
	Allowed  bool     // DAI
	V        uint8
	R        common.Hash
	S        common.Hash
}

// Asset 抵押品资产接口。
// 签名校验属于资产自身的事（外部协作者），引擎只做转发与返回值解释。
type Asset interface {
	Key() string
	Native() bool
	Decimals() (uint8, error)
	BalanceOf(addr common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
	Approve(owner, spender common.Address, amount *big.Int)
	Allowance(owner, spender common.Address) *big.Int
	// RawPermit 低层 permit 入口：返回原始返回字节，资产内部错误原样冒泡。
	// 返回值形状由 ForwardPermit 统一解释（无返回 / true / false / 其它）。
	RawPermit(style PermitStyle, args PermitArgs, now time.Time) ([]byte, error)
	Clone() Asset
}

// trueWord / falseWord ABI bool 返回字（32 字节）
var (
	trueWord  = append(make([]byte, 31), 1)
	falseWord = make([]byte, 32)
)

// ForwardPermit 通用 permit 转发契约：
//   - 资产返回 error：原样冒泡；
//   - 无返回数据：成功；
//   - 32 字节 true：成功；
//   - 32 字节 false 或任何其它长度：失败。
//
// 该解释必须精确保留，野外 token 的 permit 返回行为并不统一。
func ForwardPermit(a Asset, style PermitStyle, args PermitArgs, now time.Time) error {
	if style == PermitNone {
		return fmt.Errorf("%w: asset %s does not support permit", domain.ErrPermitRejected, a.Key())
	}
	ret, err := a.RawPermit(style, args, now)
	if err != nil {
		return err
	}
	if len(ret) == 0 {
		return nil
	}
	if len(ret) == 32 {
		ok := true
		for i := 0; i < 31; i++ {
			if ret[i] != 0 {
				ok = false
				break
			}
		}
		if ok && ret[31] == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected permit return (%d bytes)", domain.ErrPermitRejected, len(ret))
}

// PermitReturnMode 测试/兼容用：MemAsset 成功时的返回值形状
type PermitReturnMode int

const (
	ReturnEmpty PermitReturnMode = iota
	ReturnTrueWord
	ReturnFalseWord // 行为异常的 token：校验通过却返回 false
	ReturnGarbage   // 返回长度不是 0/32
)

// MemAsset 进程内抵押品资产（参考实现）。
// 支持 ERC-20 式余额/授权、decimals 探测和两种 permit 风格。
type MemAsset struct {
	key        string
	native     bool
	decimals   uint8
	probeErr   error
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	nonces     map[common.Address]uint64

	// SigValid 签名校验钩子（外部校验 oracle 的替身），默认接受非零 R。
	SigValid func(args PermitArgs) bool
	// PermitReturn 成功 permit 的返回值形状
	PermitReturn PermitReturnMode
	// RejectIncoming 拒收转账的地址集合（模拟 revert 的收款方）
	RejectIncoming map[common.Address]bool
}

// NewMemAsset 创建进程内资产
func NewMemAsset(key string, decimals uint8, native bool) *MemAsset {
	return &MemAsset{
		key:        key,
		native:     native,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		nonces:     make(map[common.Address]uint64),
	}
}

// SetProbeError 让 Decimals 探测失败（测试坏资产用）
func (a *MemAsset) SetProbeError(err error) { a.probeErr = err }

func (a *MemAsset) Key() string  { return a.key }
func (a *MemAsset) Native() bool { return a.native }

func (a *MemAsset) Decimals() (uint8, error) {
	if a.probeErr != nil {
		return 0, a.probeErr
	}
	return a.decimals, nil
}

func (a *MemAsset) BalanceOf(addr common.Address) *big.Int {
	if b, ok := a.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Mint 铸造余额（测试与初始化用）
func (a *MemAsset) Mint(addr common.Address, amount *big.Int) {
	cur := a.balances[addr]
	if cur == nil {
		cur = new(big.Int)
	}
	a.balances[addr] = new(big.Int).Add(cur, amount)
}

func (a *MemAsset) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return domain.ErrZeroAmount
	}
	if a.RejectIncoming[to] {
		return fmt.Errorf("%w: receiver %s rejects transfer", domain.ErrTransferFailed, to.Hex())
	}
	bal := a.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	a.balances[from] = new(big.Int).Sub(bal, amount)
	cur := a.balances[to]
	if cur == nil {
		cur = new(big.Int)
	}
	a.balances[to] = new(big.Int).Add(cur, amount)
	return nil
}

func (a *MemAsset) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if spender != from {
		allowed := a.Allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return domain.ErrInsufficientAllowance
		}
		a.Approve(from, spender, new(big.Int).Sub(allowed, amount))
	}
	return a.Transfer(from, to, amount)
}

func (a *MemAsset) Approve(owner, spender common.Address, amount *big.Int) {
	inner := a.allowances[owner]
	if inner == nil {
		inner = make(map[common.Address]*big.Int)
		a.allowances[owner] = inner
	}
	inner[spender] = new(big.Int).Set(amount)
}

func (a *MemAsset) Allowance(owner, spender common.Address) *big.Int {
	if inner, ok := a.allowances[owner]; ok {
		if v, ok := inner[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

// maxUint256 DAI permit allowed=true 时授予的“无限”额度
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (a *MemAsset) RawPermit(style PermitStyle, args PermitArgs, now time.Time) ([]byte, error) {
	sigValid := a.SigValid
	if sigValid == nil {
		sigValid = func(args PermitArgs) bool { return args.R != (common.Hash{}) }
	}
	if !sigValid(args) {
		return nil, fmt.Errorf("%w: invalid signature", domain.ErrPermitRejected)
	}

	switch style {
	case PermitEIP2612:
		if args.Deadline > 0 && now.Unix() > args.Deadline {
			return nil, fmt.Errorf("%w: permit deadline expired", domain.ErrDeadlineExpired)
		}
		a.Approve(args.Owner, args.Spender, args.Value)
	case PermitDAI:
		if args.Expiry > 0 && now.Unix() > args.Expiry {
			return nil, fmt.Errorf("%w: permit expired", domain.ErrDeadlineExpired)
		}
		if args.Nonce != a.nonces[args.Owner] {
			return nil, fmt.Errorf("%w: bad nonce", domain.ErrPermitRejected)
		}
		a.nonces[args.Owner]++
		if args.Allowed {
			a.Approve(args.Owner, args.Spender, maxUint256)
		} else {
			a.Approve(args.Owner, args.Spender, new(big.Int))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported permit style", domain.ErrPermitRejected)
	}

	switch a.PermitReturn {
	case ReturnTrueWord:
		out := make([]byte, 32)
		copy(out, trueWord)
		return out, nil
	case ReturnFalseWord:
		out := make([]byte, 32)
		copy(out, falseWord)
		return out, nil
	case ReturnGarbage:
		return []byte{0x01, 0x02}, nil
	default:
		return nil, nil
	}
}

func (a *MemAsset) Clone() Asset {
	cp := NewMemAsset(a.key, a.decimals, a.native)
	cp.probeErr = a.probeErr
	cp.SigValid = a.SigValid
	cp.PermitReturn = a.PermitReturn
	for addr, b := range a.balances {
		cp.balances[addr] = new(big.Int).Set(b)
	}
	for owner, inner := range a.allowances {
		m := make(map[common.Address]*big.Int, len(inner))
		for spender, v := range inner {
			m[spender] = new(big.Int).Set(v)
		}
		cp.allowances[owner] = m
	}
	for addr, n := range a.nonces {
		cp.nonces[addr] = n
	}
	if a.RejectIncoming != nil {
		cp.RejectIncoming = make(map[common.Address]bool, len(a.RejectIncoming))
		for addr, v := range a.RejectIncoming {
			cp.RejectIncoming[addr] = v
		}
	}
	return cp
}
