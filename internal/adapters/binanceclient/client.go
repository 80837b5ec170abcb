package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	quoteAsset = "USDT"
)

// Client implements ports.ExecutionGateway on Binance USD-M futures using
// the go-binance library. Core components pass raw asset symbols ("BTC");
// the client maps them to trading pairs ("BTCUSDT") at the boundary.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger

	mu        sync.Mutex
	stepSizes map[string]decimal.Decimal // pair -> LOT_SIZE step
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		stepSizes:     map[string]decimal.Decimal{},
	}, nil
}

// pair maps a raw asset symbol to its USDT-quoted trading pair. Symbols that
// already carry the quote suffix pass through unchanged.
func pair(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(s, quoteAsset) {
		return s
	}
	return s + quoteAsset
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key invalid or lacking permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041, -4047: // Margin/balance/position limits
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -4003, -4014, -4015: // Qty/price/leverage out of range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetLastPrice retrieves the last traded price for a raw asset symbol.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetLastPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(pair(symbol)).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("%w: no ticker data returned for symbol %s", ports.ErrPriceUnavailable, symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetReferenceCandle retrieves the most recently completed candle for the
// given symbol and timeframe. The klines endpoint returns the in-progress
// candle last, so the completed one is the second from the end. Returns
// nil, nil when the exchange has no data for the pair.
func (c *Client) GetReferenceCandle(ctx context.Context, symbol, timeframe string) (*domain.Candle, error) {
	op := "GetReferenceCandle"
	klines, err := c.futuresClient.NewKlinesService().
		Symbol(pair(symbol)).
		Interval(timeframe).
		Limit(3).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(klines) < 2 {
		c.logger.Debug(ctx, op+": insufficient kline history", map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "returned": len(klines)})
		return nil, nil
	}

	completed := klines[len(klines)-2]
	candle, err := translateKline(completed, symbol, timeframe)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return candle, nil
}

// PlaceMarketOrder places a market order. isBuy true buys, false sells.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity float64) (*ports.Fill, error) {
	op := "PlaceMarketOrder"
	side := futures.SideTypeSell
	if isBuy {
		side = futures.SideTypeBuy
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	fill := translateFill(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "isBuy": isBuy, "quantity": quantity,
		"orderID": fill.OrderID, "avgPrice": fill.AvgPrice, "filled": fill.AssetAmount,
	})
	return fill, nil
}

// PlaceStopMarketOrder places a reduce-only stop-market order resting on the
// exchange book.
func (c *Client) PlaceStopMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity, stopPrice float64) (*ports.RestingOrder, error) {
	op := "PlaceStopMarketOrder"
	side := futures.SideTypeSell
	if isBuy {
		side = futures.SideTypeBuy
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(side).
		Type(futures.OrderTypeStopMarket).
		Quantity(formatQty(quantity)).
		StopPrice(formatQty(stopPrice)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := &ports.RestingOrder{
		OrderID:      strconv.FormatInt(order.OrderID, 10),
		Symbol:       symbol,
		TriggerPrice: stopPrice,
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "isBuy": isBuy, "quantity": quantity, "stopPrice": stopPrice, "orderID": resp.OrderID,
	})
	return resp, nil
}

// CancelOrder cancels a resting order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: order id %q is not numeric", ports.ErrInvalidRequest, orderID)
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(pair(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(pair(symbol)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// Quantize rounds a raw asset amount down to the symbol's tradable quantity
// step. Step sizes are fetched from exchange info once per pair and cached
// for the process lifetime.
func (c *Client) Quantize(ctx context.Context, symbol string, rawAmount float64) (float64, error) {
	op := "Quantize"
	step, err := c.stepSize(ctx, symbol)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if step.IsZero() {
		return rawAmount, nil
	}

	raw := decimal.NewFromFloat(rawAmount)
	quantized := raw.Div(step).Floor().Mul(step)
	out, _ := quantized.Float64()
	return out, nil
}

func (c *Client) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p := pair(symbol)

	c.mu.Lock()
	step, ok := c.stepSizes[p]
	c.mu.Unlock()
	if ok {
		return step, nil
	}

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != p {
			continue
		}
		for _, f := range s.Filters {
			if f["filterType"] != "LOT_SIZE" {
				continue
			}
			stepStr, _ := f["stepSize"].(string)
			step, err := decimal.NewFromString(stepStr)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse step size '%s' for %s: %w", stepStr, p, err)
			}
			c.mu.Lock()
			c.stepSizes[p] = step
			c.mu.Unlock()
			return step, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no LOT_SIZE filter for pair %s", p)
}

// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance", asset)
	return 0, c.handleError(ctx, err, op)
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// --- Translation Helpers ---

func translateFill(order *futures.CreateOrderResponse) *ports.Fill {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.Fill{
		AssetAmount: execQty,
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		AvgPrice:    avgPrice,
		TotalUSD:    execQty * avgPrice,
	}
}

func translateKline(bk *futures.Kline, symbol, timeframe string) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Candle{
		OpenTime: time.UnixMilli(bk.OpenTime),
		Symbol:   symbol,
		Interval: timeframe,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cls,
		Volume:   vol,
	}, nil
}

// formatQty renders a float without exponent notation for the API.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
