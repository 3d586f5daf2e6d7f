package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/observability"
)

// Probe periodically checks whether the automation endpoint is reachable.
// A parseable JSON response from GetActions containing an actions collection
// (or being itself an array) counts as connected; any fetch or parse failure
// counts as disconnected until the next tick.
type Probe struct {
	baseURL    string
	interval   time.Duration
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewProbe creates a connectivity probe for the given base URL
func NewProbe(baseURL string, interval time.Duration, logger zerolog.Logger) *Probe {
	return &Probe{
		baseURL:    strings.TrimRight(baseURL, "/"),
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With().Str("component", "probe").Logger(),
	}
}

// Run polls the endpoint until ctx is cancelled. The first check runs
// immediately.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs a single connectivity check and updates the state
func (p *Probe) Check(ctx context.Context) bool {
	connected := p.check(ctx)

	p.mu.Lock()
	changed := connected != p.connected
	p.connected = connected
	p.mu.Unlock()

	observability.SetProbeConnected(connected)
	if changed {
		p.logger.Info().Bool("connected", connected).Msg("Automation endpoint connectivity changed")
	}
	return connected
}

func (p *Probe) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/GetActions", nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Msg("connectivity check failed")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}

	ok, err := hasActions(body)
	if err != nil {
		p.logger.Debug().Err(err).Msg("connectivity check returned unparseable body")
		return false
	}
	return ok
}

// hasActions reports whether the response body looks like an actions listing
func hasActions(body []byte) (bool, error) {
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err == nil {
		_, ok := asObject["actions"]
		return ok, nil
	}

	var asArray []json.RawMessage
	if err := json.Unmarshal(body, &asArray); err == nil {
		return true, nil
	}

	return false, fmt.Errorf("response is neither a JSON object nor an array")
}

// Connected returns the result of the most recent check
func (p *Probe) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}
