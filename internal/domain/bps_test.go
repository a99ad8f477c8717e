package domain

import (
	"math/big"
	"testing"
	"testing/quick"

	"github.com/ethereum/go-ethereum/common"
)

func commonAddr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestMulBps(t *testing.T) {
	cases := []struct {
		x    int64
		bps  int64
		want int64
	}{
		{10000, 10000, 10000},
		{10000, 5000, 5000},
		{10000, 0, 0},
		{100, 33, 0},    // 截断
		{1000, 33, 3},   // 3.3 -> 3
		{505000, 75, 3787},
	}
	for _, c := range cases {
		got := MulBps(big.NewInt(c.x), c.bps)
		if got.Int64() != c.want {
			t.Fatalf("MulBps(%d, %d) = %s, want %d", c.x, c.bps, got, c.want)
		}
	}
}

func TestMulBpsNeverExceedsInput(t *testing.T) {
	f := func(x uint32, bps uint16) bool {
		b := int64(bps) % (BpsDenom + 1)
		out := MulBps(big.NewInt(int64(x)), b)
		return out.Cmp(big.NewInt(int64(x))) <= 0
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDivToBps(t *testing.T) {
	if got := DivToBps(big.NewInt(1), big.NewInt(2), 0); got != 5000 {
		t.Fatalf("1/2 = %d bps, want 5000", got)
	}
	if got := DivToBps(big.NewInt(3), big.NewInt(0), 4444); got != 4444 {
		t.Fatalf("div by zero fallback = %d, want 4444", got)
	}
	if got := DivToBps(big.NewInt(2), big.NewInt(3), 0); got != 6666 {
		t.Fatalf("2/3 = %d bps, want 6666", got)
	}
}

func TestCeilDiv(t *testing.T) {
	if got := CeilDiv(big.NewInt(10), big.NewInt(3)); got.Int64() != 4 {
		t.Fatalf("ceil(10/3) = %s, want 4", got)
	}
	if got := CeilDiv(big.NewInt(9), big.NewInt(3)); got.Int64() != 3 {
		t.Fatalf("ceil(9/3) = %s, want 3", got)
	}
}

func TestBigMin(t *testing.T) {
	got := BigMin(big.NewInt(5), big.NewInt(2), big.NewInt(9))
	if got.Int64() != 2 {
		t.Fatalf("BigMin = %s, want 2", got)
	}
	// 返回副本，修改不影响原值
	a := big.NewInt(7)
	m := BigMin(a, big.NewInt(8))
	m.SetInt64(0)
	if a.Int64() != 7 {
		t.Fatal("BigMin should return a copy")
	}
}

func TestMarketIDDerivation(t *testing.T) {
	resolver := commonAddr(0x11)
	a := NewMarketID("btc above 100k", resolver, "usdc")
	b := NewMarketID("btc above 100k", resolver, "usdc")
	if a != b {
		t.Fatal("market id must be deterministic")
	}
	c := NewMarketID("btc above 100k", resolver, "dai")
	if a == c {
		t.Fatal("different collateral must derive a different market id")
	}
	if a.Yes() == a.No() {
		t.Fatal("yes and no token ids must differ")
	}
	if TokenID(a) != a.Yes() {
		t.Fatal("yes token id must equal the market id")
	}
}

func TestFeeStateHaltSentinel(t *testing.T) {
	if ActiveFee(9999).Halted {
		t.Fatal("9999 bps is still active")
	}
	if !ActiveFee(BpsDenom).Halted {
		t.Fatal("10000 bps must be the halt sentinel")
	}
	if !HaltedFee().Halted {
		t.Fatal("HaltedFee must be halted")
	}
}
