package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/token"
)

// MarketState 市场的可序列化状态
type MarketState struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Resolver       string `json:"resolver"`
	CollateralKey  string `json:"collateralKey"`
	Decimals       uint8  `json:"decimals"`
	Resolved       bool   `json:"resolved"`
	Outcome        bool   `json:"outcome"`
	CanClose       bool   `json:"canClose"`
	CloseTime      int64  `json:"closeTime"`
	Locked         string `json:"locked"`
	YesSupply      string `json:"yesSupply"`
	NoSupply       string `json:"noSupply"`
	ResolverFeeBps int64  `json:"resolverFeeBps"`
}

// BalanceState 份额余额条目
type BalanceState struct {
	Holder string `json:"holder"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// AllowanceState 份额授权条目
type AllowanceState struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

// OperatorState 操作员授权条目
type OperatorState struct {
	Owner    string `json:"owner"`
	Operator string `json:"operator"`
}

// State 账本的可序列化状态
type State struct {
	Markets    []MarketState       `json:"markets"`
	Balances   []BalanceState      `json:"balances,omitempty"`
	Allowances []AllowanceState    `json:"allowances,omitempty"`
	Operators  []OperatorState     `json:"operators,omitempty"`
	Assets     []*token.AssetState `json:"assets,omitempty"`
}

// Export 导出账本全量状态
func (l *Ledger) Export() *State {
	s := &State{}
	for _, m := range l.markets {
		s.Markets = append(s.Markets, MarketState{
			ID:             m.ID.Hex(),
			Description:    m.Description,
			Resolver:       m.Resolver.Hex(),
			CollateralKey:  m.CollateralKey,
			Decimals:       m.Decimals,
			Resolved:       m.Resolved,
			Outcome:        m.Outcome,
			CanClose:       m.CanClose,
			CloseTime:      m.CloseTime.Unix(),
			Locked:         m.Locked.String(),
			YesSupply:      m.YesSupply.String(),
			NoSupply:       m.NoSupply.String(),
			ResolverFeeBps: m.ResolverFeeBps,
		})
	}
	for k, v := range l.book.balances {
		s.Balances = append(s.Balances, BalanceState{
			Holder: k.holder.Hex(),
			Token:  common.Hash(k.token).Hex(),
			Amount: v.String(),
		})
	}
	for k, v := range l.book.allowances {
		s.Allowances = append(s.Allowances, AllowanceState{
			Owner:   k.owner.Hex(),
			Spender: k.spender.Hex(),
			Token:   common.Hash(k.token).Hex(),
			Amount:  v.String(),
		})
	}
	for k := range l.book.operators {
		s.Operators = append(s.Operators, OperatorState{
			Owner:    k.owner.Hex(),
			Operator: k.operator.Hex(),
		})
	}
	for _, a := range l.assets {
		if p, ok := a.(token.Persistable); ok {
			s.Assets = append(s.Assets, p.Export())
		}
	}
	return s
}

// Import 从导出状态恢复账本。资产必须先注册好，不认识的资产报错。
func (l *Ledger) Import(s *State) error {
	markets := make(map[domain.MarketID]*domain.Market, len(s.Markets))
	for _, ms := range s.Markets {
		locked, err := domain.ParseBig(ms.Locked)
		if err != nil {
			return err
		}
		yes, err := domain.ParseBig(ms.YesSupply)
		if err != nil {
			return err
		}
		no, err := domain.ParseBig(ms.NoSupply)
		if err != nil {
			return err
		}
		id := domain.MarketID(common.HexToHash(ms.ID))
		markets[id] = &domain.Market{
			ID:             id,
			Description:    ms.Description,
			Resolver:       common.HexToAddress(ms.Resolver),
			CollateralKey:  ms.CollateralKey,
			Decimals:       ms.Decimals,
			Resolved:       ms.Resolved,
			Outcome:        ms.Outcome,
			CanClose:       ms.CanClose,
			CloseTime:      time.Unix(ms.CloseTime, 0),
			Locked:         locked,
			YesSupply:      yes,
			NoSupply:       no,
			ResolverFeeBps: ms.ResolverFeeBps,
		}
	}

	book := NewBook()
	for _, b := range s.Balances {
		v, err := domain.ParseBig(b.Amount)
		if err != nil {
			return err
		}
		book.balances[balKey{common.HexToAddress(b.Holder), domain.TokenID(common.HexToHash(b.Token))}] = v
	}
	for _, a := range s.Allowances {
		v, err := domain.ParseBig(a.Amount)
		if err != nil {
			return err
		}
		book.allowances[allowKey{common.HexToAddress(a.Owner), common.HexToAddress(a.Spender),
			domain.TokenID(common.HexToHash(a.Token))}] = v
	}
	for _, o := range s.Operators {
		book.operators[opKey{common.HexToAddress(o.Owner), common.HexToAddress(o.Operator)}] = true
	}

	for _, as := range s.Assets {
		a, ok := l.assets[as.Key]
		if !ok {
			return fmt.Errorf("asset %q in saved state is not registered", as.Key)
		}
		p, ok := a.(token.Persistable)
		if !ok {
			return fmt.Errorf("asset %q does not support state import", as.Key)
		}
		if err := p.Import(as); err != nil {
			return err
		}
	}

	l.markets = markets
	l.book = book
	return nil
}
