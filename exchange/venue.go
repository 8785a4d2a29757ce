// Package exchange contains the venue adapters: a Kraken-style spot REST
// adapter, the websocket market-data client, and the paper venue used for
// simulation. Everything above this package talks to the VenueAdapter
// interface only.
package exchange

import (
	"context"

	"github.com/gravix-labs/confluxbot/types"
)

// OrderRequest is the executor's ask.
type OrderRequest struct {
	Pair          string
	Side          types.Side
	Type          string // market | limit
	Price         float64
	Quantity      float64
	ClientOrderID string
	PostOnly      bool
}

// VenueAdapter is the full venue surface the engine needs.
type VenueAdapter interface {
	Name() string

	GetOHLC(ctx context.Context, pair string, tfMinutes, limit int) ([]types.Bar, error)
	GetTicker(ctx context.Context, pair string) (*types.Ticker, error)
	GetOrderBook(ctx context.Context, pair string, depth int) (*types.OrderBookSnapshot, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	ListOpenPositions(ctx context.Context) ([]types.BrokerPosition, error)
	ClosePosition(ctx context.Context, pair string, qty float64) (*types.Order, error)
}
