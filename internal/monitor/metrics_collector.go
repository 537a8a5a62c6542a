package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/admission"
	"github.com/t77yq/fleet-gate/internal/model"
)

// FleetSource provides fleet snapshots
type FleetSource interface {
	Snapshot() model.FleetSnapshot
}

// GateSource provides admission counters per endpoint
type GateSource interface {
	GateStats(endpointID string) (admission.Stats, bool)
}

// BackendMetrics is the occupancy of one backend
type BackendMetrics struct {
	BackendID  string              `json:"backend_id"`
	Online     bool                `json:"online"`
	TotalSlots int                 `json:"total_slots"`
	BusySlots  int                 `json:"busy_slots"`
	Circuit    model.CircuitHealth `json:"circuit"`
	Admitted   int                 `json:"admitted"`
	Queued     int                 `json:"queued"`
}

// FleetMetrics is one metrics sample
type FleetMetrics struct {
	Timestamp   time.Time        `json:"timestamp"`
	CPUUsage    float64          `json:"cpu_usage"`
	MemoryUsage float64          `json:"memory_usage"`
	Backends    []BackendMetrics `json:"backends"`
}

// MetricsCollector periodically publishes host and fleet metrics
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	fleet    FleetSource
	gates    GateSource
	interval time.Duration
	mu       sync.RWMutex
	latest   FleetMetrics
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector. gates may be nil.
func NewMetricsCollector(js nats.JetStreamContext, fleet FleetSource, gates GateSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		fleet:    fleet,
		gates:    gates,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start creates the metrics stream and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	err := ensureStream(c.js, &nats.StreamConfig{
		Name:     metricsStreamName,
		Subjects: []string{MetricsSubject},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, c.logger)
	if err != nil {
		return err
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample and publishes it
func (c *MetricsCollector) Collect() FleetMetrics {
	metrics := FleetMetrics{Timestamp: time.Now()}

	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	for _, b := range c.fleet.Snapshot().Backends {
		bm := BackendMetrics{
			BackendID:  b.ID,
			Online:     b.Online,
			TotalSlots: b.TotalSlots,
			BusySlots:  b.BusySlots(),
			Circuit:    b.Circuit,
		}
		if c.gates != nil {
			if stats, ok := c.gates.GateStats(b.ID); ok {
				bm.Admitted = stats.Active
				for _, n := range stats.Queued {
					bm.Queued += n
				}
			}
		}
		metrics.Backends = append(metrics.Backends, bm)
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	data, err := json.Marshal(metrics)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return metrics
	}

	if _, err := c.js.Publish(MetricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return metrics
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("backend_count", len(metrics.Backends)))

	return metrics
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() FleetMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
