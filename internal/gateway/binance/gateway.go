// Package binance implements exchange.Gateway for Binance USDⓈ-M futures on
// top of the go-binance SDK.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quantcore/internal/gateway/exchange"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	symbolpkg "quantcore/internal/pkg/symbol"
	"quantcore/internal/types"
)

const maxHistoryLimit = 1500

// Gateway talks to the futures REST API. Exchange filters are cached for
// RulesTTL.
type Gateway struct {
	cfg    Config
	client *futures.Client

	// clockMu guards client.TimeOffset, which the SDK reads while signing
	clockMu sync.RWMutex

	rulesMu     sync.Mutex
	rules       map[string]exchange.SymbolRules
	rulesLoaded time.Time
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	if final.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Gateway{
		cfg:    final,
		client: client,
		rules:  make(map[string]exchange.SymbolRules),
	}, nil
}

// ApplyTimeOffset shifts the timestamp used to sign requests. offset is
// server minus local; the SDK subtracts TimeOffset from local time, so it
// stores local minus server.
func (g *Gateway) ApplyTimeOffset(offset time.Duration) {
	g.clockMu.Lock()
	g.client.TimeOffset = -offset.Milliseconds()
	g.clockMu.Unlock()
}

// signing holds the offset steady for one signed request.
func (g *Gateway) signing() func() {
	g.clockMu.RLock()
	return g.clockMu.RUnlock
}

func (g *Gateway) recvWindow() futures.RequestOption {
	return futures.WithRecvWindow(g.cfg.RecvWindow.Milliseconds())
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]exchange.Position, error) {
	unlock := g.signing()
	raw, err := g.client.NewGetPositionRiskService().Do(ctx, g.recvWindow())
	unlock()
	if err != nil {
		return nil, classify("fetch_positions", err)
	}
	now := time.Now()
	out := make([]exchange.Position, 0, len(raw))
	for _, p := range raw {
		if p == nil {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.SideLong
		if amt < 0 {
			side = types.SideShort
			amt = -amt
		}
		out = append(out, exchange.Position{
			Symbol:     symbolpkg.FromBinance(p.Symbol),
			Side:       side,
			Amount:     amt,
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
			Leverage:   parseFloat(p.Leverage),
			UpdatedAt:  now,
		})
	}
	return out, nil
}

func (g *Gateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	res, err := g.client.NewDepthService().Symbol(symbolpkg.ToBinance(symbol)).Limit(depthLimit(depth)).Do(ctx)
	if err != nil {
		return exchange.OrderBook{}, classify("fetch_order_book", err)
	}
	book := exchange.OrderBook{
		Symbol: symbol,
		Bids:   make([]exchange.Level, 0, len(res.Bids)),
		Asks:   make([]exchange.Level, 0, len(res.Asks)),
		At:     time.UnixMilli(res.Time),
	}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, exchange.Level{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, exchange.Level{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return book, nil
}

// depthLimit rounds up to one of the depths the endpoint accepts.
func depthLimit(depth int) int {
	for _, allowed := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= allowed {
			return allowed
		}
	}
	return 1000
}

func (g *Gateway) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	unlock := g.signing()
	acct, err := g.client.NewGetAccountService().Do(ctx, g.recvWindow())
	unlock()
	if err != nil {
		return exchange.Balance{}, classify("fetch_balance", err)
	}
	return exchange.Balance{
		Asset:     "USDT",
		Equity:    parseFloat(acct.TotalMarginBalance),
		Available: parseFloat(acct.AvailableBalance),
		UpdatedAt: time.Now(),
	}, nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	rules, err := g.SymbolRules(ctx, req.Symbol)
	if err != nil {
		return exchange.Order{}, err
	}
	req = rules.Normalize(req)
	svc := g.client.NewCreateOrderService().
		Symbol(symbolpkg.ToBinance(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(exchange.FormatStep(req.Amount, rules.StepSize))
	switch req.Type {
	case exchange.OrderTypeLimit:
		tif := futures.TimeInForceTypeGTC
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.TimeInForce(tif).Price(exchange.FormatStep(req.Price, rules.TickSize))
	case exchange.OrderTypeStopMarket, exchange.OrderTypeTakeProfit:
		svc = svc.StopPrice(exchange.FormatStep(req.StopPrice, rules.TickSize)).
			WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	unlock := g.signing()
	res, err := svc.Do(ctx, g.recvWindow())
	unlock()
	if err != nil {
		return exchange.Order{}, classify("create_order", err)
	}
	executed := parseFloat(res.ExecutedQuantity)
	order := exchange.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          exchange.OrderSide(res.Side),
		Type:          exchange.OrderType(res.Type),
		Status:        exchange.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		Amount:        parseFloat(res.OrigQuantity),
		Filled:        executed,
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}
	if executed > 0 {
		order.AvgPrice = parseFloat(res.CumQuote) / executed
	}
	return order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("cancel %s: bad order id %q: %w", symbol, orderID, err)
	}
	unlock := g.signing()
	res, err := g.client.NewCancelOrderService().Symbol(symbolpkg.ToBinance(symbol)).OrderID(id).Do(ctx, g.recvWindow())
	unlock()
	if err != nil {
		return exchange.Order{}, classify("cancel_order", err)
	}
	executed := parseFloat(res.ExecutedQuantity)
	order := exchange.Order{
		ID:            orderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          exchange.OrderSide(res.Side),
		Type:          exchange.OrderType(res.Type),
		Status:        exchange.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		Amount:        parseFloat(res.OrigQuantity),
		Filled:        executed,
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}
	if executed > 0 {
		order.AvgPrice = parseFloat(res.CumQuote) / executed
	}
	return order, nil
}

func (g *Gateway) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("fetch %s: bad order id %q: %w", symbol, orderID, err)
	}
	unlock := g.signing()
	res, err := g.client.NewGetOrderService().Symbol(symbolpkg.ToBinance(symbol)).OrderID(id).Do(ctx, g.recvWindow())
	unlock()
	if err != nil {
		return exchange.Order{}, classify("fetch_order", err)
	}
	return exchange.Order{
		ID:            orderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          exchange.OrderSide(res.Side),
		Type:          exchange.OrderType(res.Type),
		Status:        exchange.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		Amount:        parseFloat(res.OrigQuantity),
		Filled:        parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}, nil
}

func (g *Gateway) FetchServerTime(ctx context.Context) (time.Time, error) {
	ms, err := g.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, classify("fetch_server_time", err)
	}
	return time.UnixMilli(ms), nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	unlock := g.signing()
	_, err := g.client.NewChangeLeverageService().Symbol(symbolpkg.ToBinance(symbol)).Leverage(leverage).Do(ctx, g.recvWindow())
	unlock()
	return classify("set_leverage", err)
}

// SymbolRules returns the cached filters of symbol, reloading the whole
// exchange info when the cache is stale or the symbol is unknown.
func (g *Gateway) SymbolRules(ctx context.Context, symbol string) (exchange.SymbolRules, error) {
	symbol = symbolpkg.Normalize(symbol)
	g.rulesMu.Lock()
	defer g.rulesMu.Unlock()
	if r, ok := g.rules[symbol]; ok && time.Since(g.rulesLoaded) < g.cfg.RulesTTL {
		return r, nil
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		if r, ok := g.rules[symbol]; ok {
			logger.Warnf("Binance: exchange info refresh failed, using cached %s filters: %v", symbol, err)
			return r, nil
		}
		return exchange.SymbolRules{}, classify("exchange_info", err)
	}
	next := make(map[string]exchange.SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		rules := exchange.SymbolRules{Symbol: symbolpkg.FromBinance(s.Symbol)}
		if f := s.LotSizeFilter(); f != nil {
			rules.StepSize = parseFloat(f.StepSize)
			rules.MinQuantity = parseFloat(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			rules.TickSize = parseFloat(f.TickSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rules.MinNotional = parseFloat(f.Notional)
		}
		next[rules.Symbol] = rules
	}
	g.rules = next
	g.rulesLoaded = time.Now()
	r, ok := next[symbol]
	if !ok {
		return exchange.SymbolRules{}, &exchange.Error{Kind: exchange.KindFatal, Op: "symbol_rules", Err: fmt.Errorf("unknown symbol %s", symbol)}
	}
	return r, nil
}

// FetchCandles returns closed klines, oldest first.
func (g *Gateway) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := g.client.NewKlinesService().Symbol(symbolpkg.ToBinance(symbol)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("fetch_candles", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:       kl.OpenTime,
			CloseTime:      kl.CloseTime,
			Open:           parseFloat(kl.Open),
			High:           parseFloat(kl.High),
			Low:            parseFloat(kl.Low),
			Close:          parseFloat(kl.Close),
			Volume:         parseFloat(kl.Volume),
			TakerBuyVolume: parseFloat(kl.TakerBuyBaseAssetVolume),
			Trades:         kl.TradeNum,
		})
	}
	return market.DropUnclosed(out, time.Now()), nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

var (
	_ exchange.Gateway       = (*Gateway)(nil)
	_ exchange.ClockAdjuster = (*Gateway)(nil)
)
