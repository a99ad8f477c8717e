package token

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
)

var (
	owner   = common.BytesToAddress([]byte("owner"))
	spender = common.BytesToAddress([]byte("spender"))
	now     = time.Unix(1_700_000_000, 0)
)

func validArgs() PermitArgs {
	return PermitArgs{
		Owner:   owner,
		Spender: spender,
		Value:   big.NewInt(1000),
		R:       common.HexToHash("0x01"),
	}
}

func TestForwardPermitReturnShapes(t *testing.T) {
	cases := []struct {
		name   string
		mode   PermitReturnMode
		wantOK bool
	}{
		{"empty return", ReturnEmpty, true},
		{"true word", ReturnTrueWord, true},
		{"false word", ReturnFalseWord, false},
		{"garbage length", ReturnGarbage, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := NewMemAsset("usdc", 6, false)
			a.PermitReturn = c.mode
			err := ForwardPermit(a, PermitEIP2612, validArgs(), now)
			if c.wantOK && err != nil {
				t.Fatalf("want success, got %v", err)
			}
			if !c.wantOK {
				if !errors.Is(err, domain.ErrPermitRejected) {
					t.Fatalf("want ErrPermitRejected, got %v", err)
				}
			}
		})
	}
}

func TestForwardPermitBubblesAssetError(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	args := validArgs()
	args.R = common.Hash{} // 默认校验拒绝零签名
	err := ForwardPermit(a, PermitEIP2612, args, now)
	if !errors.Is(err, domain.ErrPermitRejected) {
		t.Fatalf("want asset error bubbled, got %v", err)
	}
}

func TestForwardPermitNoneStyle(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	if err := ForwardPermit(a, PermitNone, validArgs(), now); !errors.Is(err, domain.ErrPermitRejected) {
		t.Fatalf("permit-none asset must reject, got %v", err)
	}
}

func TestPermitEIP2612SetsAllowance(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	if err := ForwardPermit(a, PermitEIP2612, validArgs(), now); err != nil {
		t.Fatal(err)
	}
	if got := a.Allowance(owner, spender); got.Int64() != 1000 {
		t.Fatalf("allowance = %s, want 1000", got)
	}
}

func TestPermitEIP2612Deadline(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	args := validArgs()
	args.Deadline = now.Unix() - 1
	err := ForwardPermit(a, PermitEIP2612, args, now)
	if !errors.Is(err, domain.ErrDeadlineExpired) {
		t.Fatalf("want ErrDeadlineExpired, got %v", err)
	}
}

func TestPermitDAINonceAndUnlimited(t *testing.T) {
	a := NewMemAsset("dai", 18, false)
	args := validArgs()
	args.Nonce = 0
	args.Allowed = true
	if err := ForwardPermit(a, PermitDAI, args, now); err != nil {
		t.Fatal(err)
	}
	if a.Allowance(owner, spender).BitLen() != 256 {
		t.Fatal("dai permit allowed=true must grant max allowance")
	}

	// 重放同一个 nonce 必须失败
	if err := ForwardPermit(a, PermitDAI, args, now); !errors.Is(err, domain.ErrPermitRejected) {
		t.Fatalf("nonce replay must be rejected, got %v", err)
	}

	// 下一个 nonce、allowed=false 清零额度
	args.Nonce = 1
	args.Allowed = false
	if err := ForwardPermit(a, PermitDAI, args, now); err != nil {
		t.Fatal(err)
	}
	if a.Allowance(owner, spender).Sign() != 0 {
		t.Fatal("dai permit allowed=false must clear allowance")
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	a.Mint(owner, big.NewInt(500))
	a.Approve(owner, spender, big.NewInt(300))

	to := common.BytesToAddress([]byte("to"))
	if err := a.TransferFrom(spender, owner, to, big.NewInt(200)); err != nil {
		t.Fatal(err)
	}
	if got := a.Allowance(owner, spender); got.Int64() != 100 {
		t.Fatalf("allowance after spend = %s, want 100", got)
	}
	if err := a.TransferFrom(spender, owner, to, big.NewInt(200)); !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("want ErrInsufficientAllowance, got %v", err)
	}
}

func TestTransferRejectingReceiver(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	bad := common.BytesToAddress([]byte("bad"))
	a.RejectIncoming = map[common.Address]bool{bad: true}
	a.Mint(owner, big.NewInt(100))
	if err := a.Transfer(owner, bad, big.NewInt(1)); !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("want ErrTransferFailed, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	a := NewMemAsset("usdc", 6, false)
	a.Mint(owner, big.NewInt(12345))
	a.Approve(owner, spender, big.NewInt(99))

	b := NewMemAsset("usdc", 6, false)
	if err := b.Import(a.Export()); err != nil {
		t.Fatal(err)
	}
	if b.BalanceOf(owner).Int64() != 12345 {
		t.Fatalf("imported balance = %s", b.BalanceOf(owner))
	}
	if b.Allowance(owner, spender).Int64() != 99 {
		t.Fatalf("imported allowance = %s", b.Allowance(owner, spender))
	}
}
