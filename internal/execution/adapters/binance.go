// Package adapters provides ExchangeAdapter implementations for live
// trading venues. BinanceAdapter is adapted from the teacher's
// PlaceOrder/GetAccount/GetTicker/signedRequest HMAC-signed REST client,
// generalized from the teacher's internal Order/Position types to
// execution.ExchangeAdapter and switched from a hand-rolled token bucket
// to golang.org/x/time/rate, the rate limiter polybot (another pack repo)
// uses for its exchange clients.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/strategy-runtime/internal/execution"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// BinanceConfig configures a BinanceAdapter.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Derivative bool
}

// BinanceAdapter implements execution.ExchangeAdapter against Binance's
// spot (and, with Derivative set, USDⓈ-M futures) REST API.
type BinanceAdapter struct {
	logger     *zap.Logger
	apiKey     string
	apiSecret  string
	baseURL    string
	derivative bool
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBinanceAdapter creates an adapter against Binance's production or
// testnet REST endpoint depending on config.Testnet.
func NewBinanceAdapter(logger *zap.Logger, config BinanceConfig) *BinanceAdapter {
	baseURL := "https://api.binance.com"
	if config.Testnet {
		baseURL = "https://testnet.binance.vision"
	}
	if config.Derivative {
		baseURL = "https://fapi.binance.com"
		if config.Testnet {
			baseURL = "https://testnet.binancefuture.com"
		}
	}

	return &BinanceAdapter{
		logger:     logger.Named("binance"),
		apiKey:     config.APIKey,
		apiSecret:  config.APISecret,
		baseURL:    baseURL,
		derivative: config.Derivative,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// 1200 weight/min is Binance's spot limit; one token per call is
		// conservative but keeps the limiter simple and free of endpoint
		// weight tables.
		limiter: rate.NewLimiter(rate.Every(time.Minute/1200), 50),
	}
}

// FetchBalance implements execution.ExchangeAdapter.
func (b *BinanceAdapter) FetchBalance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	endpoint := "/api/v3/account"
	if b.derivative {
		endpoint = "/fapi/v2/account"
	}
	resp, err := b.signedRequest(ctx, "GET", endpoint, url.Values{})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fetch balance: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fetch balance failed with status %d: %s", resp.StatusCode, string(body))
	}

	if b.derivative {
		var account futuresAccount
		if err := json.Unmarshal(body, &account); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return account.TotalMarginBalance, account.AvailableBalance, nil
	}

	var account spotAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var free decimal.Decimal
	for _, bal := range account.Balances {
		if bal.Asset == "USDT" {
			free = bal.Free
			break
		}
	}
	return free, decimal.Max(decimal.Zero, free), nil
}

// FetchPositions implements execution.ExchangeAdapter. Spot accounts have
// no leveraged positions; only the derivative endpoint is queried.
func (b *BinanceAdapter) FetchPositions(ctx context.Context, symbols []string) (map[string]*types.PositionSnapshot, error) {
	out := make(map[string]*types.PositionSnapshot)
	if !b.derivative {
		return out, nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := b.signedRequest(ctx, "GET", "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch positions failed with status %d: %s", resp.StatusCode, string(body))
	}

	var raw []futuresPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ReplaceAll(s, "/", "")] = true
	}

	for _, p := range raw {
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}
		if p.PositionAmt.IsZero() {
			continue
		}
		tradeType := types.TradeTypeLong
		if p.PositionAmt.Sign() < 0 {
			tradeType = types.TradeTypeShort
		}
		inst := types.NewInstrumentRef(p.Symbol, "binance", true)
		out[inst.Key()] = &types.PositionSnapshot{
			Instrument: inst,
			Quantity:   p.PositionAmt,
			AvgPrice:   p.EntryPrice,
			Leverage:   p.Leverage,
			TradeType:  tradeType,
		}
	}
	return out, nil
}

// FetchTicker implements execution.ExchangeAdapter.
func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	endpoint := "/api/v3/ticker/price"
	if b.derivative {
		endpoint = "/fapi/v1/ticker/price"
	}
	binSymbol := strings.ReplaceAll(symbol, "/", "")
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+endpoint+"?symbol="+binSymbol, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch ticker failed: %s", string(body))
	}

	var ticker struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Zero, err
	}
	return ticker.Price, nil
}

// FetchOHLCV implements execution.ExchangeAdapter.
func (b *BinanceAdapter) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := "/api/v3/klines"
	if b.derivative {
		endpoint = "/fapi/v1/klines"
	}
	binSymbol := strings.ReplaceAll(symbol, "/", "")
	reqURL := fmt.Sprintf("%s%s?symbol=%s&interval=%s&limit=%d", b.baseURL, endpoint, binSymbol, interval, limit)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ohlcv failed: %s", string(body))
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	inst := types.NewInstrumentRef(symbol, "binance", b.derivative)
	candles := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		candles = append(candles, types.Candle{
			TsMs:       int64(openTime),
			Instrument: inst,
			Open:       decimalFromAny(row[1]),
			High:       decimalFromAny(row[2]),
			Low:        decimalFromAny(row[3]),
			Close:      decimalFromAny(row[4]),
			Volume:     decimalFromAny(row[5]),
			Interval:   interval,
		})
	}
	return candles, nil
}

// CreateOrder implements execution.ExchangeAdapter.
func (b *BinanceAdapter) CreateOrder(ctx context.Context, order execution.AdapterOrder) (types.TxResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.TxResult{}, err
	}

	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(order.Instrument.Symbol, "/", ""))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("quantity", order.Quantity.String())
	if order.PriceMode == types.PriceModeLimit && order.LimitPrice != nil {
		params.Set("type", "LIMIT")
		params.Set("price", order.LimitPrice.String())
		params.Set("timeInForce", "GTC")
	} else {
		params.Set("type", "MARKET")
	}
	if order.ReduceOnly && b.derivative {
		params.Set("reduceOnly", "true")
	}

	endpoint := "/api/v3/order"
	if b.derivative {
		endpoint = "/fapi/v1/order"
	}

	resp, err := b.signedRequest(ctx, "POST", endpoint, params)
	if err != nil {
		return types.TxResult{}, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TxResult{}, err
	}
	if resp.StatusCode == http.StatusBadRequest {
		return types.TxResult{}, execution.NewRejectionError(string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return types.TxResult{}, fmt.Errorf("create order failed with status %d: %s", resp.StatusCode, string(body))
	}

	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.TxResult{}, err
	}

	status := types.TxStatusFilled
	if raw.ExecutedQty.LessThan(raw.OrigQty) && raw.ExecutedQty.Sign() > 0 {
		status = types.TxStatusPartial
	}

	var avgPrice *decimal.Decimal
	if raw.ExecutedQty.Sign() > 0 && raw.CummulativeQuoteQty.Sign() > 0 {
		p := raw.CummulativeQuoteQty.Div(raw.ExecutedQty)
		avgPrice = &p
	}

	return types.TxResult{
		Instrument:   order.Instrument,
		Side:         order.Side,
		RequestedQty: order.Quantity,
		FilledQty:    raw.ExecutedQty,
		AvgExecPrice: avgPrice,
		Status:       status,
	}, nil
}

// Close implements execution.ExchangeAdapter. The REST-only adapter holds
// no persistent connection, so Close is a no-op.
func (b *BinanceAdapter) Close() error { return nil }

// signedRequest builds and sends an HMAC-SHA256-signed request, grounded
// on the teacher's BinanceAdapter.signedRequest/sign pair.
func (b *BinanceAdapter) signedRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Response, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	queryString := params.Encode()
	signature := b.sign(queryString)
	params.Set("signature", signature)

	reqURL := b.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.httpClient.Do(req)
}

func (b *BinanceAdapter) sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func decimalFromAny(v any) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type spotBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type spotAccount struct {
	Balances []spotBalance `json:"balances"`
}

type futuresAccount struct {
	TotalWalletBalance decimal.Decimal `json:"totalWalletBalance"`
	TotalMarginBalance decimal.Decimal `json:"totalMarginBalance"`
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
}

type futuresPosition struct {
	Symbol      string          `json:"symbol"`
	PositionAmt decimal.Decimal `json:"positionAmt"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	Leverage    decimal.Decimal `json:"leverage"`
}

type orderResponse struct {
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	OrigQty             decimal.Decimal `json:"origQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
}
