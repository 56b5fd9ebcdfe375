package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Page sizes for history endpoints
	accountTradePageSize = 1000
	incomePageSize       = 1000

	incomeTypeFunding = "FUNDING_FEE"

	// userTrades rejects startTime/endTime spans longer than this.
	accountTradeWindow = 7 * 24 * time.Hour
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	now           func() time.Time
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
		return nil, fmt.Errorf("%w: API key and secret are required to read positions and fills", ports.ErrInvalidAPIKeys)
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
		now:           time.Now,
	}, nil
}

// mapAPIError maps a Binance error code onto a ports sentinel.
func mapAPIError(code int64) error {
	switch code {
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
		return ports.ErrInvalidAPIKeys
	case -4044: // Position not found
		return ports.ErrPositionNotFound
	default:
		return ports.ErrUnknown
	}
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

		mappedErr := mapAPIError(apiErr.Code)
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		if errors.Is(mappedErr, ports.ErrOrderNotFound) {
			// Expected when a protective order already filled.
			c.logger.Debug(ctx, fmt.Sprintf("%s: order not found", operation), fields)
		} else {
			c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
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
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrExchangeUnavailable, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetPositionRisk retrieves the risk information for a specific position symbol.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	op := "GetPositionRisk"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(positions) == 0 {
		c.logger.Debug(ctx, op+": No position found for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil // It's valid not to have a position
	}

	// One-way mode: a single position per symbol
	binancePos := positions[0]
	resp, err := translatePositionRisk(binancePos)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if resp.PositionAmt == 0 {
		c.logger.Debug(ctx, op+": Position amount is zero for symbol", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}
	return resp, nil
}

// GetOpenOrders lists the orders still open for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OrderInfo, error) {
	op := "GetOpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]ports.OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetOrder looks up a single order, open or not.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderInfo, error) {
	op := "GetOrder"
	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	info := translateOrder(order)
	return &info, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		// handleError maps -2013 to ErrOrderNotFound.
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateCancelResponse(res)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// ListAccountTrades returns the account's executions for a symbol from since (inclusive),
// oldest first. The range up to now is walked in windows the endpoint accepts, so an idle
// stretch longer than one window does not hide later trades.
func (c *Client) ListAccountTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	op := "ListAccountTrades"
	var fills []domain.Fill
	seen := make(map[int64]bool)

	for _, w := range tradeWindows(since, c.now()) {
		start := w.start
		for {
			trades, err := c.futuresClient.NewListAccountTradeService().
				Symbol(symbol).
				StartTime(start.UnixMilli()).
				EndTime(w.end.UnixMilli()).
				Limit(accountTradePageSize).
				Do(ctx)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			for _, t := range trades {
				if seen[t.ID] {
					continue
				}
				seen[t.ID] = true
				fill, err := translateAccountTrade(t)
				if err != nil {
					return nil, c.handleError(ctx, fmt.Errorf("failed to translate account trade %d: %w", t.ID, err), op)
				}
				fills = append(fills, fill)
			}
			if len(trades) < accountTradePageSize {
				break
			}
			// fromId cannot be combined with a time range, so a full page resumes at the
			// last trade's millisecond; trades already returned are skipped above.
			next := time.UnixMilli(trades[len(trades)-1].Time)
			if !next.After(start) {
				next = start.Add(time.Millisecond)
			}
			start = next
		}
	}

	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "count": len(fills)})
	return fills, nil
}

type timeWindow struct {
	start, end time.Time // Both inclusive
}

// tradeWindows splits [since, now] into spans userTrades accepts. A zero since asks for
// the most recent window only.
func tradeWindows(since, now time.Time) []timeWindow {
	if since.IsZero() || since.After(now) {
		since = now.Add(-accountTradeWindow + time.Millisecond)
	}
	var out []timeWindow
	for start := since; !start.After(now); start = start.Add(accountTradeWindow) {
		end := start.Add(accountTradeWindow - time.Millisecond)
		if end.After(now) {
			end = now
		}
		out = append(out, timeWindow{start: start, end: end})
	}
	return out
}

// ListFundingFees returns funding-fee settlements for a symbol from since (inclusive), oldest first.
func (c *Client) ListFundingFees(ctx context.Context, symbol string, since time.Time) ([]domain.FundingEvent, error) {
	op := "ListFundingFees"
	var events []domain.FundingEvent
	start := since

	for {
		svc := c.futuresClient.NewGetIncomeHistoryService().
			Symbol(symbol).
			IncomeType(incomeTypeFunding).
			Limit(incomePageSize)
		if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}
		incomes, err := svc.Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		for _, in := range incomes {
			ev, err := translateIncome(in)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate income %d: %w", in.TranID, err), op)
			}
			events = append(events, ev)
		}
		if len(incomes) < incomePageSize {
			break
		}
		start = time.UnixMilli(incomes[len(incomes)-1].Time + 1)
	}
	return events, nil
}

// --- Translation Helpers ---

func translateCancelResponse(res *futures.CancelOrderResponse) *ports.OrderResponse {
	if res == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	origQty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       res.OrderID,
		Symbol:        res.Symbol,
		ClientOrderID: res.ClientOrderID,
		Price:         price,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(res.Status),
		Type:          string(res.Type),
		Side:          string(res.Side),
		Timestamp:     time.UnixMilli(res.UpdateTime),
	}
}

func translateOrder(o *futures.Order) ports.OrderInfo {
	if o == nil {
		return ports.OrderInfo{}
	}
	stop, _ := strconv.ParseFloat(o.StopPrice, 64)
	return ports.OrderInfo{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Type:      string(o.Type),
		Side:      string(o.Side),
		Status:    string(o.Status),
		StopPrice: stop,
		UpdatedAt: time.UnixMilli(o.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) (*ports.PositionRisk, error) {
	if pos == nil {
		return nil, errors.New("received nil position")
	}
	posAmt, err := strconv.ParseFloat(pos.PositionAmt, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing position amount '%s': %w", pos.PositionAmt, err)
	}
	entryPrice, err := strconv.ParseFloat(pos.EntryPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing entry price '%s': %w", pos.EntryPrice, err)
	}
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is string in go-binance
	isoMargin, _ := strconv.ParseFloat(pos.IsolatedMargin, 64)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
		MarginType:       pos.MarginType,
		IsolatedMargin:   isoMargin,
	}, nil
}

// translateAccountTrade converts one execution into a fill. Commission charged in an asset
// other than the symbol's quote asset (e.g. BNB discounts) cannot be compared with quote
// notionals and is left unset so the matching engine estimates it.
func translateAccountTrade(t *futures.AccountTrade) (domain.Fill, error) {
	if t == nil {
		return domain.Fill{}, errors.New("received nil account trade")
	}
	qty, err := strconv.ParseFloat(t.Quantity, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("parsing quantity '%s': %w", t.Quantity, err)
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("parsing price '%s': %w", t.Price, err)
	}
	notional, _ := strconv.ParseFloat(t.QuoteQuantity, 64)

	fill := domain.Fill{
		Symbol:          t.Symbol,
		Side:            domain.OrderSide(t.Side),
		Quantity:        qty,
		Price:           price,
		OrderID:         t.OrderID,
		TradeID:         t.ID,
		Timestamp:       time.UnixMilli(t.Time).UTC(),
		CommissionAsset: t.CommissionAsset,
		NotionalValue:   notional,
	}
	if t.CommissionAsset != "" && strings.HasSuffix(t.Symbol, t.CommissionAsset) {
		if fee, err := strconv.ParseFloat(t.Commission, 64); err == nil {
			fill.Commission = &fee
		}
	}
	return fill, nil
}

func translateIncome(in *futures.IncomeHistory) (domain.FundingEvent, error) {
	if in == nil {
		return domain.FundingEvent{}, errors.New("received nil income record")
	}
	amount, err := strconv.ParseFloat(in.Income, 64)
	if err != nil {
		return domain.FundingEvent{}, fmt.Errorf("parsing income '%s': %w", in.Income, err)
	}
	return domain.FundingEvent{
		Symbol: in.Symbol,
		Amount: amount,
		Asset:  in.Asset,
		Time:   time.UnixMilli(in.Time).UTC(),
		TranID: in.TranID,
	}, nil
}
