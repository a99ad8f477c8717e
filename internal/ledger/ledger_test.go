package ledger

import (
	"errors"
	"math/big"
	"testing"
	"testing/quick"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/token"
)

var (
	alice    = common.BytesToAddress([]byte("alice"))
	bob      = common.BytesToAddress([]byte("bob"))
	resolver = common.BytesToAddress([]byte("resolver"))
	t0       = time.Unix(1_700_000_000, 0)
)

// newFixture 返回带一个 usdc(6) 资产的账本和一个开放市场
func newFixture(t *testing.T) (*Ledger, *token.MemAsset, domain.MarketID) {
	t.Helper()
	l := New()
	usdc := token.NewMemAsset("usdc", 6, false)
	l.RegisterAsset(usdc)

	id, noID, err := l.CreateMarket(t0, "btc above 100k", resolver, "usdc", t0.Add(72*time.Hour), false)
	if err != nil {
		t.Fatal(err)
	}
	if noID != id.No() {
		t.Fatal("returned no-side token id mismatch")
	}
	return l, usdc, id
}

func cps() *big.Int { return domain.Pow10(6) }

func checkInvariants(t *testing.T, l *Ledger, usdc *token.MemAsset, id domain.MarketID) {
	t.Helper()
	m, _ := l.Market(id)
	if m.YesSupply.Cmp(m.NoSupply) != 0 {
		t.Fatalf("supply symmetry broken: yes=%s no=%s", m.YesSupply, m.NoSupply)
	}
	backed := new(big.Int).Mul(m.YesSupply, cps())
	if backed.Cmp(m.Locked) != 0 {
		t.Fatalf("collateral conservation broken: locked=%s backed=%s", m.Locked, backed)
	}
	if usdc.BalanceOf(EscrowAddress).Cmp(m.Locked) < 0 {
		t.Fatalf("escrow underfunded: have=%s locked=%s", usdc.BalanceOf(EscrowAddress), m.Locked)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	l := New()
	usdc := token.NewMemAsset("usdc", 6, false)
	l.RegisterAsset(usdc)

	if _, _, err := l.CreateMarket(t0, "m", common.Address{}, "usdc", t0.Add(time.Hour), false); !errors.Is(err, domain.ErrInvalidResolver) {
		t.Fatalf("zero resolver: got %v", err)
	}
	if _, _, err := l.CreateMarket(t0, "m", resolver, "usdc", t0, false); !errors.Is(err, domain.ErrInvalidCloseTime) {
		t.Fatalf("closeTime not future: got %v", err)
	}
	if _, _, err := l.CreateMarket(t0, "m", resolver, "nope", t0.Add(time.Hour), false); !errors.Is(err, domain.ErrBadDecimals) {
		t.Fatalf("unknown collateral: got %v", err)
	}

	bad := token.NewMemAsset("bad", 6, false)
	bad.SetProbeError(errors.New("revert"))
	l.RegisterAsset(bad)
	if _, _, err := l.CreateMarket(t0, "m", resolver, "bad", t0.Add(time.Hour), false); !errors.Is(err, domain.ErrBadDecimals) {
		t.Fatalf("probe failure: got %v", err)
	}

	if _, _, err := l.CreateMarket(t0, "m", resolver, "usdc", t0.Add(time.Hour), false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.CreateMarket(t0, "m", resolver, "usdc", t0.Add(2*time.Hour), false); !errors.Is(err, domain.ErrMarketExists) {
		t.Fatalf("duplicate market: got %v", err)
	}
}

func TestSplitRoundsDownAndKeepsDust(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_500_000))

	shares, used, err := l.Split(t0, alice, id, big.NewInt(2_500_000), alice, nil)
	if err != nil {
		t.Fatal(err)
	}
	if shares.Int64() != 2 {
		t.Fatalf("shares = %s, want 2", shares)
	}
	if used.Int64() != 2_000_000 {
		t.Fatalf("used = %s, want 2000000", used)
	}
	// 零头没被划走
	if got := usdc.BalanceOf(alice); got.Int64() != 8_500_000 {
		t.Fatalf("alice balance = %s, want 8500000", got)
	}
	if got := l.Book().Balance(alice, id.Yes()); got.Int64() != 2 {
		t.Fatalf("yes balance = %s", got)
	}
	if got := l.Book().Balance(alice, id.No()); got.Int64() != 2 {
		t.Fatalf("no balance = %s", got)
	}
	checkInvariants(t, l, usdc, id)
}

func TestSplitTooSmall(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_000_000))
	if _, _, err := l.Split(t0, alice, id, big.NewInt(999_999), alice, nil); !errors.Is(err, domain.ErrCollateralTooSmall) {
		t.Fatalf("got %v", err)
	}
}

func TestSplitNativeValueRules(t *testing.T) {
	l := New()
	eth := token.NewMemAsset("eth", 18, true)
	l.RegisterAsset(eth)
	id, _, err := l.CreateMarket(t0, "m", resolver, "eth", t0.Add(time.Hour), false)
	if err != nil {
		t.Fatal(err)
	}
	amount := new(big.Int).Mul(big.NewInt(3), domain.Pow10(18))
	eth.Mint(alice, amount)

	// 原生市场必须附带 value
	if _, _, err := l.Split(t0, alice, id, amount, alice, nil); !errors.Is(err, domain.ErrWrongCollateral) {
		t.Fatalf("missing value: got %v", err)
	}
	// collateralIn 与 value 不一致
	if _, _, err := l.Split(t0, alice, id, amount, alice, big.NewInt(1)); !errors.Is(err, domain.ErrWrongCollateral) {
		t.Fatalf("mismatched value: got %v", err)
	}
	if _, _, err := l.Split(t0, alice, id, amount, alice, amount); err != nil {
		t.Fatal(err)
	}

	// token 市场拒绝附带 value
	usdc := token.NewMemAsset("usdc", 6, false)
	l.RegisterAsset(usdc)
	tid, _, _ := l.CreateMarket(t0, "m2", resolver, "usdc", t0.Add(time.Hour), false)
	usdc.Mint(alice, big.NewInt(5_000_000))
	if _, _, err := l.Split(t0, alice, tid, big.NewInt(1_000_000), alice, big.NewInt(1)); !errors.Is(err, domain.ErrWrongCollateral) {
		t.Fatalf("token market with value: got %v", err)
	}
}

func TestMergeTakesMinimum(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_000_000))
	if _, _, err := l.Split(t0, alice, id, big.NewInt(10_000_000), alice, nil); err != nil {
		t.Fatal(err)
	}
	// 转走 6 个 NO，只剩 4 对可合并
	if err := l.Book().Transfer(alice, bob, id.No(), big.NewInt(6)); err != nil {
		t.Fatal(err)
	}

	merged, out, err := l.Merge(t0, alice, id, big.NewInt(100), alice)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Int64() != 4 {
		t.Fatalf("merged = %s, want 4", merged)
	}
	if out.Int64() != 4_000_000 {
		t.Fatalf("collateral out = %s, want 4000000", out)
	}
	checkInvariants(t, l, usdc, id)

	// 两侧都空：零数量错误
	if _, _, err := l.Merge(t0, alice, id, big.NewInt(1), alice); !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveRules(t *testing.T) {
	l, usdc, id := newFixture(t)
	_ = usdc

	if err := l.Resolve(t0, alice, id, true); !errors.Is(err, domain.ErrNotResolver) {
		t.Fatalf("non-resolver: got %v", err)
	}
	if err := l.Resolve(t0, resolver, id, true); !errors.Is(err, domain.ErrMarketNotClosed) {
		t.Fatalf("before close: got %v", err)
	}
	after := t0.Add(73 * time.Hour)
	if err := l.Resolve(after, resolver, id, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Resolve(after, resolver, id, false); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("double resolve: got %v", err)
	}
}

func TestClaimPaysWinnerMinusFee(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_000_000))
	if _, _, err := l.Split(t0, alice, id, big.NewInt(10_000_000), alice, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.SetResolverFee(resolver, id, 100); err != nil { // 1%
		t.Fatal(err)
	}

	after := t0.Add(73 * time.Hour)
	if _, _, err := l.Claim(alice, id, alice); !errors.Is(err, domain.ErrNotResolved) {
		t.Fatalf("claim before resolve: got %v", err)
	}
	if err := l.Resolve(after, resolver, id, true); err != nil {
		t.Fatal(err)
	}

	shares, payout, err := l.Claim(alice, id, alice)
	if err != nil {
		t.Fatal(err)
	}
	if shares.Int64() != 10 {
		t.Fatalf("claimed shares = %s, want 10", shares)
	}
	// 毛赔付 10_000_000，费 1% = 100_000
	if payout.Int64() != 9_900_000 {
		t.Fatalf("payout = %s, want 9900000", payout)
	}
	if got := usdc.BalanceOf(resolver); got.Int64() != 100_000 {
		t.Fatalf("resolver fee = %s, want 100000", got)
	}
	// 败方份额仍在但一文不值；账面两侧 supply 同步归零
	m, _ := l.Market(id)
	if m.YesSupply.Sign() != 0 || m.NoSupply.Sign() != 0 || m.Locked.Sign() != 0 {
		t.Fatalf("post-claim accounting: yes=%s no=%s locked=%s", m.YesSupply, m.NoSupply, m.Locked)
	}

	// 再领：零数量
	if _, _, err := l.Claim(alice, id, alice); !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("second claim: got %v", err)
	}
}

func TestClaimManySkipsButNotUnknown(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_000_000))
	if _, _, err := l.Split(t0, alice, id, big.NewInt(10_000_000), alice, nil); err != nil {
		t.Fatal(err)
	}

	id2, _, err := l.CreateMarket(t0, "second", resolver, "usdc", t0.Add(72*time.Hour), false)
	if err != nil {
		t.Fatal(err)
	}

	// 不存在的市场：整体失败
	var missing domain.MarketID
	missing[0] = 0xff
	if _, _, err := l.ClaimMany(alice, []domain.MarketID{id, missing}, alice); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("got %v", err)
	}

	// 全部被跳过（都未裁决）：失败
	if _, _, err := l.ClaimMany(alice, []domain.MarketID{id, id2}, alice); !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("got %v", err)
	}

	after := t0.Add(73 * time.Hour)
	if err := l.Resolve(after, resolver, id, true); err != nil {
		t.Fatal(err)
	}
	// id 可领、id2 未裁决被跳过
	shares, payout, err := l.ClaimMany(alice, []domain.MarketID{id, id2}, alice)
	if err != nil {
		t.Fatal(err)
	}
	if shares.Int64() != 10 || payout.Int64() != 10_000_000 {
		t.Fatalf("shares=%s payout=%s", shares, payout)
	}
}

func TestCloseMarketEarly(t *testing.T) {
	l := New()
	usdc := token.NewMemAsset("usdc", 6, false)
	l.RegisterAsset(usdc)

	fixed, _, _ := l.CreateMarket(t0, "fixed", resolver, "usdc", t0.Add(time.Hour), false)
	if err := l.CloseMarket(t0, resolver, fixed); !errors.Is(err, domain.ErrNotClosable) {
		t.Fatalf("fixed market closable: got %v", err)
	}

	closable, _, _ := l.CreateMarket(t0, "closable", resolver, "usdc", t0.Add(time.Hour), true)
	if err := l.CloseMarket(t0, alice, closable); !errors.Is(err, domain.ErrNotResolver) {
		t.Fatalf("non-resolver close: got %v", err)
	}
	mid := t0.Add(30 * time.Minute)
	if err := l.CloseMarket(mid, resolver, closable); err != nil {
		t.Fatal(err)
	}
	// 立即可裁决
	if err := l.Resolve(mid, resolver, closable, true); err != nil {
		t.Fatal(err)
	}
	// 已过关闭时间再关：报错
	if err := l.CloseMarket(t0.Add(2*time.Hour), resolver, fixed); !errors.Is(err, domain.ErrNotClosable) {
		t.Fatalf("got %v", err)
	}
}

func TestSetResolverFeeBounds(t *testing.T) {
	l, _, id := newFixture(t)
	if err := l.SetResolverFee(alice, id, 10); !errors.Is(err, domain.ErrNotResolver) {
		t.Fatalf("got %v", err)
	}
	if err := l.SetResolverFee(resolver, id, domain.MaxResolverFeeBps+1); !errors.Is(err, domain.ErrFeeTooHigh) {
		t.Fatalf("got %v", err)
	}
	if err := l.SetResolverFee(resolver, id, domain.MaxResolverFeeBps); err != nil {
		t.Fatal(err)
	}
}

// 随机 split/merge 序列之后不变量始终成立
func TestSplitMergeInvariantProperty(t *testing.T) {
	f := func(ops []uint32) bool {
		l, usdc, id := func() (*Ledger, *token.MemAsset, domain.MarketID) {
			l := New()
			usdc := token.NewMemAsset("usdc", 6, false)
			l.RegisterAsset(usdc)
			id, _, _ := l.CreateMarket(t0, "prop", resolver, "usdc", t0.Add(72*time.Hour), false)
			return l, usdc, id
		}()
		usdc.Mint(alice, new(big.Int).Mul(big.NewInt(1_000_000), domain.Pow10(6)))

		for i, op := range ops {
			amt := big.NewInt(int64(op%50_000_000) + 1)
			if i%2 == 0 {
				_, _, _ = l.Split(t0, alice, id, amt, alice, nil)
			} else {
				_, _, _ = l.Merge(t0, alice, id, amt, alice)
			}
		}
		m, _ := l.Market(id)
		if m.YesSupply.Cmp(m.NoSupply) != 0 {
			return false
		}
		backed := new(big.Int).Mul(m.YesSupply, domain.Pow10(6))
		if backed.Cmp(m.Locked) != 0 {
			return false
		}
		return usdc.BalanceOf(EscrowAddress).Cmp(m.Locked) >= 0
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l, usdc, id := newFixture(t)
	usdc.Mint(alice, big.NewInt(10_000_000))
	if _, _, err := l.Split(t0, alice, id, big.NewInt(5_000_000), alice, nil); err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()
	if _, _, err := l.Split(t0, alice, id, big.NewInt(5_000_000), alice, nil); err != nil {
		t.Fatal(err)
	}
	if got := l.Book().Balance(alice, id.Yes()); got.Int64() != 10 {
		t.Fatalf("pre-restore balance = %s", got)
	}

	l.Restore(snap)
	if got := l.Book().Balance(alice, id.Yes()); got.Int64() != 5 {
		t.Fatalf("post-restore balance = %s, want 5", got)
	}
	m, _ := l.Market(id)
	if m.Locked.Int64() != 5_000_000 {
		t.Fatalf("post-restore locked = %s", m.Locked)
	}
	// 资产余额也要一起回滚
	if got := usdc.BalanceOf(alice); got.Int64() != 5_000_000 {
		t.Fatalf("post-restore asset balance = %s", got)
	}
}
