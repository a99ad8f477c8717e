package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/engine"
)

var log = logrus.WithField("component", "server")

// Server 只读查询 API。所有变更都走引擎进程内接口，HTTP 面只暴露读。
type Server struct {
	engine *engine.Engine
	router chi.Router
}

// New 创建 HTTP 服务
func New(e *engine.Engine) *Server {
	s := &Server{engine: e}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/markets", s.handleMarkets)
	r.Route("/markets/{id}", func(r chi.Router) {
		r.Get("/", s.handleMarket)
		r.Get("/vault", s.handleVault)
		r.Get("/quote", s.handleQuote)
	})
	s.router = r
	return s
}

// Handler 返回路由根
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("写响应失败")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bpsToDecimal 把 bps 转成 0..1 的小数概率展示
func bpsToDecimal(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(decimal.NewFromInt(domain.BpsDenom))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"seq":    s.engine.Seq(),
	})
}

type marketSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Resolved    bool   `json:"resolved"`
	CloseTime   int64  `json:"closeTime"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.MarketIDs()
	out := make([]marketSummary, 0, len(ids))
	for _, id := range ids {
		m, ok := s.engine.MarketInfo(id)
		if !ok {
			continue
		}
		out = append(out, marketSummary{
			ID:          id.Hex(),
			Description: m.Description,
			Resolved:    m.Resolved,
			CloseTime:   m.CloseTime.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) marketID(r *http.Request) (domain.MarketID, bool) {
	raw := chi.URLParam(r, "id")
	if len(raw) != 66 || raw[:2] != "0x" {
		return domain.MarketID{}, false
	}
	return domain.MarketID(common.HexToHash(raw)), true
}

type marketDetail struct {
	marketSummary
	Resolver       string `json:"resolver"`
	CollateralKey  string `json:"collateralKey"`
	Outcome        *bool  `json:"outcome,omitempty"`
	CanClose       bool   `json:"canClose"`
	Locked         string `json:"locked"`
	YesSupply      string `json:"yesSupply"`
	NoSupply       string `json:"noSupply"`
	ResolverFeeBps int64  `json:"resolverFeeBps"`
	Probability    string `json:"probability,omitempty"`
	TWAP           string `json:"twap,omitempty"`
	FeeBps         *int64 `json:"feeBps,omitempty"`
	Halted         bool   `json:"halted"`
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	m, ok := s.engine.MarketInfo(id)
	if !ok {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	d := marketDetail{
		marketSummary: marketSummary{
			ID:          id.Hex(),
			Description: m.Description,
			Resolved:    m.Resolved,
			CloseTime:   m.CloseTime.Unix(),
		},
		Resolver:       m.Resolver.Hex(),
		CollateralKey:  m.CollateralKey,
		CanClose:       m.CanClose,
		Locked:         m.Locked.String(),
		YesSupply:      m.YesSupply.String(),
		NoSupply:       m.NoSupply.String(),
		ResolverFeeBps: m.ResolverFeeBps,
	}
	if m.Resolved {
		outcome := m.Outcome
		d.Outcome = &outcome
	}
	if prob, ok := s.engine.MarketProbability(id); ok {
		d.Probability = bpsToDecimal(prob).String()
	}
	if twapBps, ok := s.engine.TWAP(id); ok {
		d.TWAP = bpsToDecimal(twapBps).String()
	}
	if fee, ok := s.engine.CurrentFee(id); ok {
		d.Halted = fee.Halted
		if !fee.Halted {
			bps := fee.Bps
			d.FeeBps = &bps
		}
	}
	writeJSON(w, http.StatusOK, d)
}

type vaultDetail struct {
	YesInventory    string `json:"yesInventory"`
	NoInventory     string `json:"noInventory"`
	YesTotalLP      string `json:"yesTotalLp"`
	NoTotalLP       string `json:"noTotalLp"`
	RebalanceBudget string `json:"rebalanceBudget"`
	Finalized       bool   `json:"finalized"`
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	v, ok := s.engine.Vault(id)
	if !ok {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	writeJSON(w, http.StatusOK, vaultDetail{
		YesInventory:    v.YesInventory.String(),
		NoInventory:     v.NoInventory.String(),
		YesTotalLP:      v.YesTotalLP.String(),
		NoTotalLP:       v.NoTotalLP.String(),
		RebalanceBudget: v.RebalanceBudget.String(),
		Finalized:       v.Finalized,
	})
}

type quoteResponse struct {
	Action string `json:"action"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
	Out    string `json:"out"`
	Venue  string `json:"venue"`
}

// handleQuote 报价：?action=buy|sell&side=yes|no&amount=<整数>
// buy 的 amount 是抵押品数量，sell 的 amount 是份额数量。
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	q := r.URL.Query()
	action := q.Get("action")
	side := q.Get("side")
	if (action != "buy" && action != "sell") || (side != "yes" && side != "no") {
		writeError(w, http.StatusBadRequest, "action must be buy|sell and side must be yes|no")
		return
	}
	amount, err := domain.ParseBig(q.Get("amount"))
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	yes := side == "yes"
	if action == "buy" {
		shares, venue, err := s.engine.QuoteBuy(id, yes, amount)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, quoteResponse{
			Action: action, Side: side, Amount: amount.String(),
			Out: shares.String(), Venue: venue.String(),
		})
		return
	}
	payout, venue, err := s.engine.QuoteSell(id, yes, amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Action: action, Side: side, Amount: amount.String(),
		Out: payout.String(), Venue: venue.String(),
	})
}
