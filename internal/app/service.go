package app

import (
	"context"
	"fmt"

	"hypertrader/internal/domain"
	"hypertrader/internal/ledger"
	"hypertrader/internal/ports"
	"hypertrader/internal/risk"
)

// pendingRegistry is the slice of the pending-order monitor the service needs.
type pendingRegistry interface {
	Register(ctx context.Context, sig *domain.Signal) (*domain.PendingOrder, error)
	CancelFor(symbol, timeframe string) []string
}

// stopRegistry removes candle-close stop watches for closed positions.
type stopRegistry interface {
	Unwatch(orderID string)
}

// tradeLedger is the slice of the position ledger the service needs.
type tradeLedger interface {
	TradesBySymbolTimeframe(symbol, timeframe string) []*domain.Trade
	RecordTP1(ctx context.Context, tradeID string, price, qty float64) error
	RecordTP2(ctx context.Context, tradeID string, price float64) error
	RecordNegation(ctx context.Context, tradeID string) error
	Summarize() ledger.Summary
}

// Service routes inbound signals to the pending-order registry and the
// position lifecycle. Entry signals create conditional setups; take-profit
// and negation signals act on pending setups first and live positions
// second.
type Service struct {
	pending           pendingRegistry
	stops             stopRegistry
	ledger            tradeLedger
	gateway           ports.ExecutionGateway
	notifier          ports.Notifier
	logger            ports.Logger
	defaultAmountUSD  float64
	defaultLeverage   int
	minTP1NotionalUSD float64
}

// Config holds dependencies for the signal-routing service.
type Config struct {
	Pending           pendingRegistry
	Stops             stopRegistry
	Ledger            tradeLedger
	Gateway           ports.ExecutionGateway
	Notifier          ports.Notifier
	Logger            ports.Logger
	DefaultAmountUSD  float64
	DefaultLeverage   int
	MinTP1NotionalUSD float64
}

// New creates a signal-routing service.
func New(cfg Config) (*Service, error) {
	if cfg.Pending == nil || cfg.Stops == nil || cfg.Ledger == nil || cfg.Gateway == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for signal service")
	}
	if cfg.DefaultAmountUSD <= 0 || cfg.DefaultLeverage <= 0 {
		return nil, fmt.Errorf("default amount and leverage must be positive")
	}
	if cfg.MinTP1NotionalUSD < 0 {
		return nil, fmt.Errorf("minimum TP1 notional cannot be negative")
	}
	return &Service{
		pending:           cfg.Pending,
		stops:             cfg.Stops,
		ledger:            cfg.Ledger,
		gateway:           cfg.Gateway,
		notifier:          cfg.Notifier,
		logger:            cfg.Logger,
		defaultAmountUSD:  cfg.DefaultAmountUSD,
		defaultLeverage:   cfg.DefaultLeverage,
		minTP1NotionalUSD: cfg.MinTP1NotionalUSD,
	}, nil
}

// HandleSignal dispatches a validated signal to the matching flow.
func (s *Service) HandleSignal(ctx context.Context, sig *domain.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidSignal, err)
	}

	s.logger.Info(ctx, "Signal received", map[string]interface{}{
		"action": sig.Action, "symbol": sig.Symbol, "timeframe": sig.Timeframe,
	})

	switch {
	case sig.Action.IsEntry():
		if sig.AmountUSD == 0 {
			sig.AmountUSD = s.defaultAmountUSD
		}
		if sig.Leverage == 0 {
			sig.Leverage = s.defaultLeverage
		}
		_, err := s.pending.Register(ctx, sig)
		return err
	case sig.Action.IsTP1():
		return s.handleTP1(ctx, sig)
	case sig.Action.IsTP2():
		return s.handleTP2(ctx, sig)
	case sig.Action.IsNegation():
		return s.handleNegation(ctx, sig)
	}
	return fmt.Errorf("%w: unhandled action %q", ports.ErrInvalidSignal, sig.Action)
}

// handleTP1 closes half of each matching position. When the half that would
// remain is worth less than the minimum tradable notional, the whole
// position is closed instead and the second take-profit stage is skipped.
func (s *Service) handleTP1(ctx context.Context, sig *domain.Signal) error {
	s.pending.CancelFor(sig.Symbol, sig.Timeframe)

	trades := s.matchingTrades(sig, domain.StatusActive)
	if len(trades) == 0 {
		s.logger.Info(ctx, "No active trades for TP1 signal", map[string]interface{}{
			"symbol": sig.Symbol, "timeframe": sig.Timeframe,
		})
		return nil
	}

	price, err := s.gateway.GetLastPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrPriceUnavailable, err)
	}

	var firstErr error
	for _, t := range trades {
		decision := risk.TP1CloseQuantity(t.OriginalQtyAsset, t.CurrentQtyAsset, price, s.minTP1NotionalUSD)

		fill, err := s.flatten(ctx, t, decision.Qty)
		if err != nil {
			s.logger.Error(ctx, err, "TP1 close order failed", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		fillPrice := fill.AvgPrice
		if fillPrice == 0 {
			fillPrice = price
		}
		closedQty := fill.AssetAmount
		// A full close must record the entire remainder; a fill reported a
		// hair short of it would otherwise strand the trade in tp1_achieved
		// with both stop legs released.
		if decision.FullClose || closedQty == 0 || closedQty > t.CurrentQtyAsset {
			closedQty = decision.Qty
		}
		if err := s.ledger.RecordTP1(ctx, t.ID, fillPrice, closedQty); err != nil {
			s.logger.Error(ctx, err, "Failed to record TP1", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if decision.FullClose {
			s.releaseStops(ctx, t)
			s.notify(ctx, fmt.Sprintf("TP1 closed %s %s fully at %v (remainder below minimum notional)", t.Currency, t.Timeframe, fillPrice))
		} else {
			s.notify(ctx, fmt.Sprintf("TP1 hit for %s %s: closed %v at %v, %v remains", t.Currency, t.Timeframe, closedQty, fillPrice, t.CurrentQtyAsset-closedQty))
		}
	}
	return firstErr
}

// handleTP2 closes the remainder of each position that already realized TP1.
func (s *Service) handleTP2(ctx context.Context, sig *domain.Signal) error {
	s.pending.CancelFor(sig.Symbol, sig.Timeframe)

	trades := s.matchingTrades(sig, domain.StatusTP1Achieved)
	if len(trades) == 0 {
		s.logger.Info(ctx, "No TP1-stage trades for TP2 signal", map[string]interface{}{
			"symbol": sig.Symbol, "timeframe": sig.Timeframe,
		})
		return nil
	}

	price, err := s.gateway.GetLastPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrPriceUnavailable, err)
	}

	var firstErr error
	for _, t := range trades {
		fill, err := s.flatten(ctx, t, t.CurrentQtyAsset)
		if err != nil {
			s.logger.Error(ctx, err, "TP2 close order failed", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		fillPrice := fill.AvgPrice
		if fillPrice == 0 {
			fillPrice = price
		}
		if err := s.ledger.RecordTP2(ctx, t.ID, fillPrice); err != nil {
			s.logger.Error(ctx, err, "Failed to record TP2", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.releaseStops(ctx, t)
		s.notify(ctx, fmt.Sprintf("TP2 hit for %s %s: closed remaining %v at %v", t.Currency, t.Timeframe, fill.AssetAmount, fillPrice))
	}
	return firstErr
}

// handleNegation drops matching pending setups and flattens matching live
// positions. A negated position records no realized fill on the ledger;
// the setup was invalidated rather than resolved.
func (s *Service) handleNegation(ctx context.Context, sig *domain.Signal) error {
	cancelled := s.pending.CancelFor(sig.Symbol, sig.Timeframe)
	if len(cancelled) > 0 {
		s.notify(ctx, fmt.Sprintf("Negation cancelled %d pending setup(s) for %s %s", len(cancelled), sig.Symbol, sig.Timeframe))
	}

	// Only never-scaled positions can negate; a trade past TP1 resolved its
	// setup and exits through TP2, a stop or a manual close.
	open := s.matchingTrades(sig, domain.StatusActive)
	if len(open) == 0 {
		return nil
	}

	var firstErr error
	for _, t := range open {
		if _, err := s.flatten(ctx, t, t.CurrentQtyAsset); err != nil {
			s.logger.Error(ctx, err, "Negation close order failed", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.ledger.RecordNegation(ctx, t.ID); err != nil {
			s.logger.Error(ctx, err, "Failed to record negation", map[string]interface{}{"tradeID": t.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.releaseStops(ctx, t)
		s.notify(ctx, fmt.Sprintf("Negation closed %s %s position (%v released)", t.Currency, t.Timeframe, t.CurrentQtyAsset))
	}
	return firstErr
}

// matchingTrades filters the ledger by symbol, timeframe, direction and status.
func (s *Service) matchingTrades(sig *domain.Signal, status domain.TradeStatus) []*domain.Trade {
	var out []*domain.Trade
	for _, t := range s.ledger.TradesBySymbolTimeframe(sig.Symbol, sig.Timeframe) {
		if t.Status == status && t.Side == sig.Action.Side() {
			out = append(out, t)
		}
	}
	return out
}

// flatten closes qty of the position with an opposite-direction market order.
func (s *Service) flatten(ctx context.Context, t *domain.Trade, qty float64) (*ports.Fill, error) {
	adjusted, err := s.gateway.Quantize(ctx, t.Currency, qty)
	if err != nil || adjusted <= 0 {
		// Below the exchange step size the raw quantity is the best we have.
		adjusted = qty
	}
	fill, err := s.gateway.PlaceMarketOrder(ctx, t.Currency, !t.Side.IsLong(), adjusted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrOrderPlacementFailed, err)
	}
	return fill, nil
}

// releaseStops tears down both stop legs after the position closed by a
// non-stop path. Cancellation of the resting stop is best-effort.
func (s *Service) releaseStops(ctx context.Context, t *domain.Trade) {
	s.stops.Unwatch(t.ExchangeOrderID)
	if t.AbsoluteSLOrderID != nil {
		if err := s.gateway.CancelOrder(ctx, t.Currency, *t.AbsoluteSLOrderID); err != nil {
			s.logger.Warn(ctx, "Failed to cancel resting stop order", map[string]interface{}{
				"orderID": *t.AbsoluteSLOrderID, "symbol": t.Currency, "error": err.Error(),
			})
		}
	}
}

func (s *Service) notify(ctx context.Context, msg string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, msg)
	}
}

// SendDailySummary pushes the lifetime statistics line to the notifier,
// wired to a cron schedule at startup.
func (s *Service) SendDailySummary(ctx context.Context) {
	line := s.ledger.Summarize().Line()
	s.logger.Info(ctx, "Daily summary", map[string]interface{}{"summary": line})
	s.notify(ctx, line)
}
