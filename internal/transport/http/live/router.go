package livehttp

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quantcore/internal/config"
	"quantcore/internal/gateway/guarded"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/pkg/symbol"
	"quantcore/internal/risk"
	"quantcore/internal/store"
	"quantcore/internal/trader"
	"quantcore/internal/types"
)

// Trading is the part of the trader the API serves.
type Trading interface {
	Evaluate(ctx context.Context, sym string) (trader.Outcome, error)
	Positions() map[string]lifecycle.Position
	RiskState() risk.State
	Heartbeat() *logger.Heartbeat
	Frozen() map[string]types.Reason
	Unfreeze(sym string) bool
}

type ConfigManager interface {
	Current() config.Config
	Update(patch map[string]any) (config.Config, error)
	Reload() (config.Config, bool, error)
}

type Journal interface {
	ListPnL(ctx context.Context, symbol string, limit int) ([]lifecycle.PnLRecord, error)
	ListAudit(ctx context.Context, symbol string, limit int) ([]store.AuditEvent, error)
}

type StatusReporter interface {
	Status() guarded.Status
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	journalTimeout   = 2 * time.Second
)

type Router struct {
	trader   Trading
	config   ConfigManager
	journal  Journal
	exchange StatusReporter
	logPaths map[string]string
	logNames []string
}

func NewRouter(cfg ServerConfig) *Router {
	names := make([]string, 0, len(cfg.LogPaths))
	for name, path := range cfg.LogPaths {
		if strings.TrimSpace(path) == "" || strings.TrimSpace(name) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Router{
		trader:   cfg.Trader,
		config:   cfg.Config,
		journal:  cfg.Journal,
		exchange: cfg.Exchange,
		logPaths: cfg.LogPaths,
		logNames: names,
	}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/health", r.handleHealth)
	group.GET("/positions", r.handlePositions)
	group.GET("/risk", r.handleRisk)
	group.POST("/evaluate/:symbol", r.handleEvaluate)
	group.GET("/frozen", r.handleFrozen)
	group.DELETE("/frozen/:symbol", r.handleUnfreeze)
	group.GET("/config", r.handleConfig)
	group.PATCH("/config", r.handleConfigUpdate)
	group.POST("/config/reload", r.handleConfigReload)
	group.GET("/logs", r.handleLogs)
	if r.journal != nil {
		group.GET("/pnl", r.handlePnL)
		group.GET("/audit", r.handleAudit)
	}
}

// handleHealth answers 503 once the heartbeat is older than
// app.heartbeat_max_age so an external watchdog can restart the process.
func (r *Router) handleHealth(c *gin.Context) {
	hb := r.trader.Heartbeat()
	maxAge := r.config.Current().App.HeartbeatMaxAge
	stale := hb.Stale(maxAge)
	body := gin.H{
		"status":         "ok",
		"max_age_ms":     maxAge.Milliseconds(),
		"frozen":         r.trader.Frozen(),
		"open_positions": len(r.trader.Positions()),
	}
	if last := hb.Last(); !last.IsZero() {
		body["heartbeat"] = last.UTC().Format(time.RFC3339Nano)
		body["age_ms"] = hb.Age().Milliseconds()
	}
	if r.exchange != nil {
		body["exchange"] = r.exchange.Status()
	}
	if stale {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": r.trader.Positions()})
}

func (r *Router) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, r.trader.RiskState())
}

// handleEvaluate runs one tick for a configured instrument. The path takes
// the venue spelling (BTCUSDT) or a dash pair (BTC-USDT).
func (r *Router) handleEvaluate(c *gin.Context) {
	sym, ok := r.configuredSymbol(c)
	if !ok {
		return
	}
	out, err := r.trader.Evaluate(c.Request.Context(), sym)
	body := gin.H{"outcome": out}
	if err != nil {
		logger.Warnf("[api] evaluate %s failed ip=%s err=%v", sym, c.ClientIP(), err)
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (r *Router) handleFrozen(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"frozen": r.trader.Frozen()})
}

func (r *Router) handleUnfreeze(c *gin.Context) {
	sym := parseSymbol(c.Param("symbol"))
	if sym == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
		return
	}
	if !r.trader.Unfreeze(sym) {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol is not frozen", "symbol": sym})
		return
	}
	logger.Infof("[api] %s unfrozen by ip=%s", sym, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"symbol": sym, "frozen": false})
}

func (r *Router) handleConfig(c *gin.Context) {
	doc, err := r.config.Current().Redacted().Settings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (r *Router) handleConfigUpdate(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object: " + err.Error()})
		return
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty patch"})
		return
	}
	next, err := r.config.Update(patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] config updated by ip=%s", c.ClientIP())
	doc, err := next.Redacted().Settings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (r *Router) handleConfigReload(c *gin.Context) {
	next, changed, err := r.config.Reload()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	doc, err := next.Redacted().Settings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "config": doc})
}

func (r *Router) handlePnL(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), journalTimeout)
	defer cancel()
	recs, err := r.journal.ListPnL(ctx, parseSymbol(c.Query("symbol")), listLimit(c))
	if err != nil {
		logger.Errorf("[api] pnl list failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total := 0.0
	for _, rec := range recs {
		total += rec.PnL
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "total_pnl": total})
}

func (r *Router) handleAudit(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), journalTimeout)
	defer cancel()
	events, err := r.journal.ListAudit(ctx, parseSymbol(c.Query("symbol")), listLimit(c))
	if err != nil {
		logger.Errorf("[api] audit list failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (r *Router) handleLogs(c *gin.Context) {
	if len(r.logNames) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no log files configured"})
		return
	}
	name := strings.TrimSpace(c.Query("name"))
	path := strings.TrimSpace(r.logPaths[name])
	if path == "" {
		name = r.logNames[0]
		path = r.logPaths[name]
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	lines, err := readLastLines(path, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "lines": lines, "available": r.logNames})
}

func (r *Router) configuredSymbol(c *gin.Context) (string, bool) {
	sym := parseSymbol(c.Param("symbol"))
	if sym == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
		return "", false
	}
	for _, s := range r.config.Current().Trading.Symbols {
		if s == sym {
			return sym, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "symbol is not configured", "symbol": sym})
	return "", false
}

func parseSymbol(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.NewReplacer("-", "/", "_", "/").Replace(raw)
	return symbol.Normalize(raw)
}

func listLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

const maxLogLineSize = 4 * 1024 * 1024

func readLastLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineSize)
	lines := make([]string, 0, limit)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
