package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
)

const (
	propsPath = "/props"
	slotsPath = "/slots"
)

// Prober fetches the live view of one backend. The returned view only
// needs Online, TotalSlots and Slots; the poller fills in the rest.
type Prober interface {
	Probe(ctx context.Context, target model.BackendTarget) (model.Backend, error)
}

// HTTPProber reads llama.cpp style /props and /slots telemetry
type HTTPProber struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPProber creates a prober. Deadlines come from the context passed to
// Probe, so the client itself has no timeout.
func NewHTTPProber(client *http.Client, logger *zap.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{
		logger: logger.Named("prober"),
		client: client,
	}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context, target model.BackendTarget) (model.Backend, error) {
	base := strings.TrimRight(target.URL, "/")

	var props map[string]any
	if err := p.getJSON(ctx, base+propsPath, &props); err != nil {
		return model.Backend{}, fmt.Errorf("failed to read props of %s: %w", target.ID, err)
	}

	var raw any
	if err := p.getJSON(ctx, base+slotsPath, &raw); err != nil {
		return model.Backend{}, fmt.Errorf("failed to read slots of %s: %w", target.ID, err)
	}
	slots, err := fleet.ParseSlots(raw)
	if err != nil {
		return model.Backend{}, fmt.Errorf("failed to parse slots of %s: %w", target.ID, err)
	}

	total := fleet.ParseSlotCount(props, 0)
	if total == 0 {
		total = len(slots)
	}
	if total == 0 {
		total = target.DefaultSlots
	}

	p.logger.Debug("Backend probed",
		zap.String("backend_id", target.ID),
		zap.Int("total_slots", total),
		zap.Int("reported_slots", len(slots)))

	return model.Backend{
		Online:     true,
		TotalSlots: total,
		Slots:      slots,
	}, nil
}

func (p *HTTPProber) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}
