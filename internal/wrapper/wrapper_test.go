package wrapper

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/engine"
	"github.com/zammdefi/pmcore/internal/feehook"
	"github.com/zammdefi/pmcore/internal/token"
)

var (
	alice    = common.BytesToAddress([]byte("alice"))
	bob      = common.BytesToAddress([]byte("bob"))
	resolver = common.BytesToAddress([]byte("resolver"))

	t0      = time.Unix(1_700_000_000, 0)
	closeAt = t0.Add(72 * time.Hour)
)

func newFixture(t *testing.T) (*engine.Engine, *token.MemAsset, domain.MarketID) {
	t.Helper()
	e := engine.New(engine.Options{Clock: func() time.Time { return t0 }})
	usdc := token.NewMemAsset("usdc", 6, false)
	e.RegisterAsset(usdc)
	usdc.Mint(alice, big.NewInt(10_000_000_000))
	id, _, _, _, err := e.BootstrapMarket(alice, "btc above 100k", resolver, "usdc",
		closeAt, false, 0, feehook.DefaultConfig(),
		big.NewInt(10_000_000_000), false, nil, nil, alice, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	return e, usdc, id
}

func TestMulticallPermitSplitDeposit(t *testing.T) {
	e, usdc, id := newFixture(t)
	usdc.Mint(bob, big.NewInt(1_000_000_000))

	var split SplitResult
	err := Multicall(e, []Call{
		Deadline(t0.Add(time.Minute)),
		Permit("usdc", token.PermitEIP2612, token.PermitArgs{
			Owner:   bob,
			Spender: alice,
			Value:   big.NewInt(123),
			R:       common.HexToHash("0x01"),
		}),
		Split(bob, id, big.NewInt(1_000_000_000), bob, nil, &split),
		DepositToVault(bob, id, true, big.NewInt(400), bob),
	})
	if err != nil {
		t.Fatal(err)
	}
	if split.Shares.Int64() != 1000 {
		t.Fatalf("split shares = %s, want 1000", split.Shares)
	}
	if got := e.Balance(bob, id.Yes()); got.Int64() != 600 {
		t.Fatalf("yes balance = %s, want 600", got)
	}
	if got := usdc.Allowance(bob, alice); got.Int64() != 123 {
		t.Fatalf("permit allowance = %s, want 123", got)
	}
	v, _ := e.Vault(id)
	if v.YesInventory.Int64() != 400 {
		t.Fatalf("vault inventory = %s, want 400", v.YesInventory)
	}
}

func TestMulticallFailureRollsBackEverything(t *testing.T) {
	e, usdc, id := newFixture(t)
	usdc.Mint(bob, big.NewInt(1_000_000_000))

	// 末步出错：前面的 permit 与 split 必须一并消失
	err := Multicall(e, []Call{
		Permit("usdc", token.PermitEIP2612, token.PermitArgs{
			Owner:   bob,
			Spender: alice,
			Value:   big.NewInt(123),
			R:       common.HexToHash("0x01"),
		}),
		Split(bob, id, big.NewInt(1_000_000_000), bob, nil, nil),
		DepositToVault(bob, id, true, big.NewInt(5_000_000), bob), // 超出持仓
	})
	if err == nil {
		t.Fatal("want error")
	}
	if got := usdc.Allowance(bob, alice); got.Sign() != 0 {
		t.Fatalf("permit must roll back, allowance = %s", got)
	}
	if got := e.Balance(bob, id.Yes()); got.Sign() != 0 {
		t.Fatalf("split must roll back, balance = %s", got)
	}
	if got := usdc.BalanceOf(bob); got.Int64() != 1_000_000_000 {
		t.Fatalf("collateral must roll back, balance = %s", got)
	}
}

func TestMulticallDeadlineGuardsWholeBatch(t *testing.T) {
	e, usdc, id := newFixture(t)
	usdc.Mint(bob, big.NewInt(1_000_000_000))

	err := Multicall(e, []Call{
		Deadline(t0.Add(-time.Second)),
		Split(bob, id, big.NewInt(1_000_000_000), bob, nil, nil),
	})
	if !errors.Is(err, domain.ErrDeadlineExpired) {
		t.Fatalf("got %v", err)
	}
	if got := e.Balance(bob, id.Yes()); got.Sign() != 0 {
		t.Fatalf("nothing may execute after an expired deadline, balance = %s", got)
	}
}

func TestMulticallSplitThenBuy(t *testing.T) {
	e, usdc, id := newFixture(t)
	usdc.Mint(bob, big.NewInt(1_101_000_000))

	// 同批内 split 自持 + 路由买入，份额同序落账
	var buy BuyResult
	err := Multicall(e, []Call{
		Split(bob, id, big.NewInt(1_000_000_000), bob, nil, nil),
		Buy(bob, id, true, big.NewInt(101_000_000), nil, bob, &buy),
	})
	if err != nil {
		t.Fatal(err)
	}
	if buy.Venue != domain.VenueAMM {
		t.Fatalf("venue = %v, want amm", buy.Venue)
	}
	want := new(big.Int).Add(big.NewInt(1000), buy.Shares)
	if got := e.Balance(bob, id.Yes()); got.Cmp(want) != 0 {
		t.Fatalf("yes balance = %s, want %s", got, want)
	}
	if err := e.CheckInvariants(id); err != nil {
		t.Fatal(err)
	}
}
