// Package predictor reads directional forecasts from the external model
// service. Any failure yields no forecast.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"quantcore/internal/logger"
	"quantcore/internal/signal"
	"quantcore/internal/types"
)

var ErrInvalidPayload = errors.New("invalid forecast payload")

const payloadSchema = `{
  "type": "object",
  "required": ["direction", "probability"],
  "properties": {
    "direction": {"type": "string", "minLength": 1},
    "probability": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const maxBody = 64 << 10

type Config struct {
	BaseURL  string
	Horizons []string
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if len(c.Horizons) == 0 {
		c.Horizons = []string{"10m", "30m", "60m"}
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

type Client struct {
	cfg    Config
	http   *http.Client
	schema *jsonschema.Schema
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("predictor base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("predictor base_url: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("forecast.json", schemaDoc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("forecast.json")
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		schema: schema,
	}, nil
}

func (c *Client) Horizons() []string { return append([]string(nil), c.cfg.Horizons...) }

// Predict fetches one horizon.
func (c *Client) Predict(ctx context.Context, symbol, horizon string) (signal.Prediction, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("horizon", horizon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/predict?"+q.Encode(), nil)
	if err != nil {
		return signal.Prediction{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return signal.Prediction{}, fmt.Errorf("predict %s %s: %w", symbol, horizon, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return signal.Prediction{}, fmt.Errorf("predict %s %s: read body: %w", symbol, horizon, err)
	}
	if resp.StatusCode != http.StatusOK {
		return signal.Prediction{}, fmt.Errorf("predict %s %s: status %d", symbol, horizon, resp.StatusCode)
	}
	probUp, err := c.parse(body)
	if err != nil {
		return signal.Prediction{}, fmt.Errorf("predict %s %s: %w", symbol, horizon, err)
	}
	return signal.Prediction{Horizon: horizon, ProbUp: probUp}, nil
}

// parse validates the payload and converts it to the probability of an up
// move. A probability of at least 0.5 is the confidence in the stated
// direction; below 0.5 it is already the up probability.
func (c *Client) parse(body []byte) (float64, error) {
	raw := strings.TrimSpace(string(body))
	if !gjson.Valid(raw) {
		return 0, fmt.Errorf("%w: not json", ErrInvalidPayload)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	parsed := gjson.Parse(raw)
	side, ok := types.ParseSide(parsed.Get("direction").String())
	if !ok {
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidPayload, parsed.Get("direction").String())
	}
	p := parsed.Get("probability").Float()
	switch {
	case p >= 0.5 && side == types.SideLong:
		return p, nil
	case p >= 0.5:
		return 1 - p, nil
	case side == types.SideShort:
		return p, nil
	default:
		return 0, fmt.Errorf("%w: direction up with probability %.3f", ErrInvalidPayload, p)
	}
}

// Forecast queries every configured horizon concurrently. A failure on any
// horizon discards the whole forecast.
func (c *Client) Forecast(ctx context.Context, symbol string) ([]signal.Prediction, error) {
	out := make([]signal.Prediction, len(c.cfg.Horizons))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range c.cfg.Horizons {
		i, h := i, h
		g.Go(func() error {
			p, err := c.Predict(gctx, symbol, h)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warnf("Predictor: %s forecast unavailable: %v", symbol, err)
		return nil, err
	}
	return out, nil
}
