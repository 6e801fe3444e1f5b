// Package weather implements the scheduled weather-broadcast producer: it
// polls a Home-Assistant-shaped REST API for a configured set of sensor
// entities and submits a formatted channel-text command to the command
// queue on each tick, acting as just another internal client of the queue.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/queue"
)

// SensorKeys enumerates the logical sensor identities the producer knows how
// to format. Not all need be configured; at least one is required.
var SensorKeys = []string{
	"temperature", "humidity", "wind_speed", "wind_gust", "wind_bearing",
	"pressure", "uv", "rain_rate", "rain_daily", "solar_radiation", "dew_point",
}

// Config holds the weather producer's configuration. Enabled gates the
// entire producer; a misconfiguration when Enabled is fatal to the producer
// only, never to the bridge.
type Config struct {
	Enabled      bool
	BaseURL      string
	Token        string
	PollInterval time.Duration
	Channel      byte
	Entities     map[string]string // logical sensor key -> external entity id
}

const (
	defaultPollInterval = 15 * time.Minute
	fetchTimeout        = 10 * time.Second
)

// Validate checks the minimum configuration needed to run: a base URL, a
// token, and at least one recognized sensor entity.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("weather: base URL required")
	}
	if c.Token == "" {
		return errors.New("weather: token required")
	}
	if len(c.Entities) == 0 {
		return errors.New("weather: at least one sensor entity required")
	}
	for k := range c.Entities {
		if !isKnownKey(k) {
			return fmt.Errorf("weather: unknown sensor key %q", k)
		}
	}
	return nil
}

func isKnownKey(k string) bool {
	for _, s := range SensorKeys {
		if s == k {
			return true
		}
	}
	return false
}

// Sink is the subset of *queue.CommandQueue the producer drives; weather
// commands always have a nil source (no originating client).
type Sink interface {
	Enqueue(queue.Command)
}

// ReadyFunc reports whether the bridge is currently ready to accept
// commands (startup complete and serial open). The producer skips a tick
// entirely rather than queuing a command that would simply pile up.
type ReadyFunc func() bool

// Producer runs the periodic weather poll-and-broadcast loop.
type Producer struct {
	cfg    Config
	sink   Sink
	ready  ReadyFunc
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time
}

// New constructs a Producer. client defaults to http.DefaultClient if nil.
func New(cfg Config, sink Sink, ready ReadyFunc, client *http.Client) *Producer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Producer{
		cfg:    cfg,
		sink:   sink,
		ready:  ready,
		client: client,
		logger: logging.L(),
		nowFn:  time.Now,
	}
}

// Run blocks until ctx is cancelled, ticking immediately on start and then
// on the configured interval.
func (p *Producer) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}
	if err := p.cfg.Validate(); err != nil {
		p.logger.Error("weather_config_invalid", "error", err)
		return
	}

	p.tick(ctx)
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Producer) tick(ctx context.Context) {
	if p.ready != nil && !p.ready() {
		metrics.IncWeatherSkip()
		return
	}

	readings := p.fetchAll(ctx)
	if len(readings) == 0 {
		metrics.IncWeatherSkip()
		return
	}

	msg := FormatMessage(readings)
	payload := meshcore.BuildSendChannelTxtMsg(p.cfg.Channel, uint32(p.nowFn().Unix()), msg)
	p.sink.Enqueue(queue.Command{Payload: frame.BuildOutgoing(payload), Source: nil})
	metrics.IncWeatherTick()
}

// Reading is one entity's polled value and unit, or the zero value if the
// reading was unavailable/unknown and therefore dropped.
type Reading struct {
	State string
	Unit  string
}

// fetchAll concurrently polls every configured entity, dropping entities
// that fail or report an unavailable/unknown state.
func (p *Producer) fetchAll(ctx context.Context) map[string]Reading {
	var mu sync.Mutex
	out := make(map[string]Reading)

	g, gctx := errgroup.WithContext(ctx)
	for key, entity := range p.cfg.Entities {
		key, entity := key, entity
		g.Go(func() error {
			reading, ok := p.fetchOne(gctx, entity)
			if !ok {
				return nil
			}
			mu.Lock()
			out[key] = reading
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("weather_fetch_group_error", "error", err)
	}
	return out
}

type haState struct {
	State      string            `json:"state"`
	Attributes map[string]any    `json:"attributes"`
}

func (p *Producer) fetchOne(ctx context.Context, entityID string) (Reading, bool) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/states/%s", strings.TrimRight(p.cfg.BaseURL, "/"), entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.IncError(metrics.ErrWeatherFetch)
		return Reading{}, false
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.IncError(metrics.ErrWeatherFetch)
		p.logger.Warn("weather_fetch_failed", "entity", entityID, "error", err)
		return Reading{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.IncError(metrics.ErrWeatherFetch)
		p.logger.Warn("weather_fetch_status", "entity", entityID, "status", resp.StatusCode)
		return Reading{}, false
	}

	var s haState
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		metrics.IncError(metrics.ErrWeatherFetch)
		return Reading{}, false
	}
	if s.State == "" || s.State == "unavailable" || s.State == "unknown" {
		return Reading{}, false
	}

	unit, _ := s.Attributes["unit_of_measurement"].(string)
	return Reading{State: s.State, Unit: unit}, true
}

// compassPoints are indexed by round(degrees/22.5) mod 16.
var compassPoints = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// compass converts a bearing string in degrees to its 16-point compass
// abbreviation. Non-numeric bearings pass through unchanged.
func compass(bearing string) string {
	deg, err := strconv.ParseFloat(bearing, 64)
	if err != nil {
		return bearing
	}
	idx := int(math.Round(deg/22.5)) % 16
	if idx < 0 {
		idx += 16
	}
	return compassPoints[idx]
}

// FormatMessage assembles the fixed-order "WX: ..." report from whichever
// readings are present.
func FormatMessage(readings map[string]Reading) string {
	var fields []string

	if r, ok := readings["temperature"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if r, ok := readings["humidity"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if speed, ok := readings["wind_speed"]; ok {
		var b strings.Builder
		if bearing, ok := readings["wind_bearing"]; ok {
			b.WriteString(compass(bearing.State))
		}
		b.WriteString(speed.State)
		if gust, ok := readings["wind_gust"]; ok {
			b.WriteString("G")
			b.WriteString(gust.State)
		}
		b.WriteString(speed.Unit)
		fields = append(fields, b.String())
	}
	if r, ok := readings["pressure"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if r, ok := readings["uv"]; ok {
		fields = append(fields, "UV"+r.State)
	}
	if r, ok := readings["rain_rate"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if r, ok := readings["rain_daily"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if r, ok := readings["solar_radiation"]; ok {
		fields = append(fields, r.State+r.Unit)
	}
	if r, ok := readings["dew_point"]; ok {
		fields = append(fields, "DP"+r.State+r.Unit)
	}

	return "WX: " + strings.Join(fields, " ")
}
