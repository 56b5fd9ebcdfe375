package binanceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{Logger: ports.NopLogger{}})
	assert.ErrorIs(t, err, ports.ErrInvalidAPIKeys)

	_, err = New(Config{APIKey: "k", SecretKey: "s"})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "k", SecretKey: "s", UseTestnet: true, Logger: ports.NopLogger{}})
	require.NoError(t, err)
	assert.Equal(t, baseURLTestnet, c.futuresClient.BaseURL)
}

func TestHandleError(t *testing.T) {
	c := &Client{logger: ports.NopLogger{}}
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"order not found", &common.APIError{Code: -2013, Message: "Order does not exist."}, ports.ErrOrderNotFound},
		{"rate limited", &common.APIError{Code: -1003}, ports.ErrRateLimited},
		{"bad key", &common.APIError{Code: -2015}, ports.ErrInvalidAPIKeys},
		{"unmapped code", &common.APIError{Code: -9999}, ports.ErrUnknown},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ports.ErrTimeout},
		{"canceled", context.Canceled, ports.ErrContextCanceled},
		{"refused", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed},
		{"other", errors.New("unexpected EOF"), ports.ErrExchangeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.handleError(ctx, tt.err, "Op")
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.NoError(t, c.handleError(ctx, nil, "Op"))
}

func TestTranslateAccountTrade(t *testing.T) {
	quote := &futures.AccountTrade{
		Symbol: "BTCUSDT", Side: futures.SideTypeBuy, ID: 7, OrderID: 42,
		Price: "50000", Quantity: "0.01", QuoteQuantity: "500",
		Commission: "0.2", CommissionAsset: "USDT", Time: 1700000000000,
	}
	fill, err := translateAccountTrade(quote)
	require.NoError(t, err)
	assert.Equal(t, domain.Buy, fill.Side)
	assert.Equal(t, int64(42), fill.OrderID)
	assert.Equal(t, int64(7), fill.TradeID)
	assert.Equal(t, 500.0, fill.NotionalValue)
	require.NotNil(t, fill.Commission)
	assert.Equal(t, 0.2, *fill.Commission)
	assert.True(t, fill.Timestamp.Equal(time.UnixMilli(1700000000000)))

	bnb := *quote
	bnb.CommissionAsset = "BNB"
	fill, err = translateAccountTrade(&bnb)
	require.NoError(t, err)
	assert.Nil(t, fill.Commission, "commission in another asset is left for estimation")

	bad := *quote
	bad.Price = "n/a"
	_, err = translateAccountTrade(&bad)
	assert.Error(t, err)
}

func TestTranslatePositionRisk(t *testing.T) {
	pos, err := translatePositionRisk(&futures.PositionRisk{
		Symbol: "ETHUSDT", PositionAmt: "-1.5", EntryPrice: "3000", MarkPrice: "2990",
		UnRealizedProfit: "15", Leverage: "5", MarginType: "isolated",
	})
	require.NoError(t, err)
	assert.Equal(t, -1.5, pos.PositionAmt)
	assert.Equal(t, 5, pos.Leverage)
	assert.Equal(t, "isolated", pos.MarginType)

	_, err = translatePositionRisk(nil)
	assert.Error(t, err)
}

func TestTranslateIncome(t *testing.T) {
	ev, err := translateIncome(&futures.IncomeHistory{Symbol: "BTCUSDT", Income: "-0.031", Asset: "USDT", Time: 1700000000000, TranID: 9})
	require.NoError(t, err)
	assert.Equal(t, -0.031, ev.Amount)
	assert.Equal(t, int64(9), ev.TranID)
}

func TestTradeWindows(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	recent := tradeWindows(now.Add(-time.Hour), now)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].start.Equal(now.Add(-time.Hour)))
	assert.True(t, recent[0].end.Equal(now))

	idle := tradeWindows(now.Add(-20*24*time.Hour), now)
	require.Len(t, idle, 3)
	for i, w := range idle {
		assert.LessOrEqual(t, w.end.Sub(w.start), accountTradeWindow, "window %d", i)
		if i > 0 {
			assert.True(t, w.start.Equal(idle[i-1].end.Add(time.Millisecond)), "window %d is contiguous", i)
		}
	}
	assert.True(t, idle[2].end.Equal(now))

	fresh := tradeWindows(time.Time{}, now)
	require.Len(t, fresh, 1)
	assert.True(t, fresh[0].end.Equal(now))
	assert.Equal(t, accountTradeWindow-time.Millisecond, fresh[0].end.Sub(fresh[0].start))
}

// userTradesServer answers userTrades with the trades inside the requested time range.
type userTradesServer struct {
	mu       sync.Mutex
	trades   []map[string]interface{}
	requests []tradeRange
}

type tradeRange struct{ start, end int64 }

func (s *userTradesServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	s.requests = append(s.requests, tradeRange{start: start, end: end})
	var out []map[string]interface{}
	for _, tr := range s.trades {
		ts := tr["time"].(int64)
		if ts >= start && ts <= end && (limit == 0 || len(out) < limit) {
			out = append(out, tr)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func TestListAccountTrades_WalksIdleGap(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	since := now.Add(-20 * 24 * time.Hour)
	trade := func(id int64, at time.Time) map[string]interface{} {
		return map[string]interface{}{
			"symbol": "BTCUSDT", "id": id, "orderId": id * 10, "side": "BUY",
			"price": "100", "qty": "1", "quoteQty": "100",
			"commission": "0.04", "commissionAsset": "USDT", "time": at.UnixMilli(),
		}
	}
	srv := &userTradesServer{trades: []map[string]interface{}{
		trade(1, since),
		trade(2, now.Add(-time.Hour)), // more than one window after the previous trade
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c, err := New(Config{APIKey: "k", SecretKey: "s", Logger: ports.NopLogger{}})
	require.NoError(t, err)
	c.futuresClient.BaseURL = ts.URL
	c.now = func() time.Time { return now }

	fills, err := c.ListAccountTrades(context.Background(), "BTCUSDT", since)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(1), fills[0].TradeID)
	assert.Equal(t, int64(2), fills[1].TradeID)

	require.Len(t, srv.requests, 3)
	for _, r := range srv.requests {
		assert.LessOrEqual(t, r.end-r.start, accountTradeWindow.Milliseconds())
	}
}
