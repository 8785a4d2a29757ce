package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/types"
)

// PaperVenue simulates fills against live market data. Orders fill
// instantly at market price shifted by the configured slippage, rounded to
// the venue's precision. Market data is delegated to the wrapped data
// venue; tests can instead pin prices with SetPrice.
type PaperVenue struct {
	cfg  config.ExchangeConfig
	data VenueAdapter

	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*types.Order
	positions map[string]*types.BrokerPosition
}

func NewPaperVenue(cfg config.ExchangeConfig, data VenueAdapter) *PaperVenue {
	return &PaperVenue{
		cfg:       cfg,
		data:      data,
		prices:    make(map[string]float64),
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*types.BrokerPosition),
	}
}

func (p *PaperVenue) Name() string { return "paper" }

// SetPrice pins a pair's market price; used by tests and the ticker feed.
func (p *PaperVenue) SetPrice(pair string, price float64) {
	p.mu.Lock()
	p.prices[types.NormalizePair(pair)] = price
	p.mu.Unlock()
}

func (p *PaperVenue) GetOHLC(ctx context.Context, pair string, tfMinutes, limit int) ([]types.Bar, error) {
	if p.data == nil {
		return nil, fmt.Errorf("paper venue has no data source")
	}
	return p.data.GetOHLC(ctx, pair, tfMinutes, limit)
}

func (p *PaperVenue) GetTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	pair = types.NormalizePair(pair)
	p.mu.Lock()
	price, ok := p.prices[pair]
	p.mu.Unlock()
	if ok {
		return &types.Ticker{Pair: pair, Price: price, UpdatedAt: time.Now().UTC()}, nil
	}
	if p.data == nil {
		return nil, fmt.Errorf("paper venue: no price for %s", pair)
	}
	t, err := p.data.GetTicker(ctx, pair)
	if err == nil {
		p.SetPrice(pair, t.Price)
	}
	return t, err
}

func (p *PaperVenue) GetOrderBook(ctx context.Context, pair string, depth int) (*types.OrderBookSnapshot, error) {
	if p.data == nil {
		return nil, fmt.Errorf("paper venue has no data source")
	}
	return p.data.GetOrderBook(ctx, pair, depth)
}

// SubmitOrder fills instantly. Slippage is symmetric and adverse: buys fill
// above market, sells below.
func (p *PaperVenue) SubmitOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.Quantity <= 0 {
		return nil, Permanent("order quantity must be positive")
	}
	if req.Quantity < p.cfg.MinOrderQty {
		return nil, Permanent("quantity %.8f below venue minimum %.8f", req.Quantity, p.cfg.MinOrderQty)
	}

	market, err := p.GetTicker(ctx, req.Pair)
	if err != nil {
		return nil, fmt.Errorf("paper fill price: %w", err)
	}

	ref := decimal.NewFromFloat(market.Price)
	if req.Type == "limit" && req.Price > 0 {
		ref = decimal.NewFromFloat(req.Price)
	}
	slip := decimal.NewFromFloat(p.cfg.SlippagePct)
	if req.Side == types.SideBuy {
		ref = ref.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		ref = ref.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	fillPrice, _ := ref.Round(int32(p.cfg.PriceDecimals)).Float64()
	qty, _ := decimal.NewFromFloat(req.Quantity).Round(int32(p.cfg.QuantityDecimals)).Float64()
	if qty <= 0 {
		return nil, Permanent("quantity rounds to zero at venue precision")
	}

	order := &types.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Pair:          types.NormalizePair(req.Pair),
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      qty,
		FilledQty:     qty,
		AvgFillPrice:  fillPrice,
		Status:        types.OrderFilled,
		SubmittedAt:   time.Now().UTC(),
	}

	p.mu.Lock()
	p.orders[order.OrderID] = order
	p.applyFillLocked(order)
	p.mu.Unlock()

	log.Info().Str("pair", order.Pair).Str("side", string(order.Side)).
		Float64("qty", qty).Float64("fill", fillPrice).Msg("📝 Paper fill")
	return order, nil
}

// applyFillLocked nets the fill into the simulated position book.
func (p *PaperVenue) applyFillLocked(o *types.Order) {
	pos, ok := p.positions[o.Pair]
	if !ok {
		pos = &types.BrokerPosition{Pair: o.Pair}
		p.positions[o.Pair] = pos
	}
	signed := o.FilledQty * o.Side.Sign()
	newQty := pos.Quantity + signed
	if pos.Quantity == 0 || (pos.Quantity > 0) == (signed > 0) {
		// Adding to (or opening) a position: volume-weighted entry.
		total := pos.Quantity + signed
		if total != 0 {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + o.AvgFillPrice*signed) / total
		}
	}
	pos.Quantity = newQty
	if pos.Quantity == 0 {
		delete(p.positions, o.Pair)
	}
}

func (p *PaperVenue) GetOrder(_ context.Context, orderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, Permanent("unknown order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return Permanent("unknown order %s", orderID)
	}
	if o.Status.Terminal() {
		return Permanent("order %s already %s", orderID, o.Status)
	}
	o.Status = types.OrderCancelled
	return nil
}

func (p *PaperVenue) ListOpenPositions(context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperVenue) ClosePosition(ctx context.Context, pair string, qty float64) (*types.Order, error) {
	pair = types.NormalizePair(pair)
	p.mu.Lock()
	pos, ok := p.positions[pair]
	var held float64
	if ok {
		held = pos.Quantity
	}
	p.mu.Unlock()
	if !ok || held == 0 {
		return nil, Permanent("no open position for %s", pair)
	}
	if qty <= 0 || qty > absFloat(held) {
		qty = absFloat(held)
	}
	side := types.SideSell
	if held < 0 {
		side = types.SideBuy
	}
	return p.SubmitOrder(ctx, OrderRequest{Pair: pair, Side: side, Type: "market", Quantity: qty})
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
