package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/edflow/internal/platform/cache"
)

const capacityCacheKey = "ed:capacity:snapshot"

type CapacityConfig struct {
	TTL               time.Duration
	OccupancyAlert    float64
	WaitAlertMinutes  float64
	DivertOccupancy   float64
	DivertQueueLength int
}

func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		TTL:               60 * time.Second,
		OccupancyAlert:    0.90,
		WaitAlertMinutes:  120,
		DivertOccupancy:   0.95,
		DivertQueueLength: 10,
	}
}

// CapacitySource is the read side the monitor aggregates.
type CapacitySource interface {
	CensusRepository
	StaffingProvider
}

// CapacityMonitor owns the shared capacity snapshot. It is the only writer
// of the snapshot cache key; other components may only invalidate it.
type CapacityMonitor struct {
	source CapacitySource
	cache  cache.Store
	cfg    CapacityConfig
	deps   Deps
	group  singleflight.Group

	mu     sync.Mutex
	alerts map[string]bool
}

func NewCapacityMonitor(source CapacitySource, c cache.Store, cfg CapacityConfig, deps Deps) *CapacityMonitor {
	if c == nil {
		c = cache.NewMemoryStore()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCapacityConfig().TTL
	}
	return &CapacityMonitor{
		source: source,
		cache:  c,
		cfg:    cfg,
		deps:   deps.withDefaults(),
		alerts: make(map[string]bool),
	}
}

// GetCapacitySnapshot returns the cached snapshot while it is younger than
// the TTL, otherwise recomputes. Concurrent recomputes share one census
// query. A failing cache is bypassed.
func (m *CapacityMonitor) GetCapacitySnapshot(ctx context.Context) (*CapacityMetrics, error) {
	if snap, ok := m.cached(ctx); ok {
		return snap, nil
	}
	v, err, _ := m.group.Do(capacityCacheKey, func() (interface{}, error) {
		return m.Refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CapacityMetrics), nil
}

func (m *CapacityMonitor) cached(ctx context.Context) (*CapacityMetrics, bool) {
	data, err := m.cache.Get(ctx, capacityCacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			m.deps.Log.Warn().Err(err).Msg("capacity cache unavailable, recomputing")
			m.deps.Metrics.IncrementCounter("capacity.cache_errors", 1, nil)
		}
		return nil, false
	}
	var snap CapacityMetrics
	if err := json.Unmarshal(data, &snap); err != nil {
		m.deps.Log.Warn().Err(err).Msg("discarding undecodable capacity snapshot")
		return nil, false
	}
	if m.deps.Now().Sub(snap.ComputedAt) >= m.cfg.TTL {
		return nil, false
	}
	return &snap, true
}

// Refresh recomputes the snapshot unconditionally, stores it, publishes a
// capacity-update and raises or clears capacity alerts.
func (m *CapacityMonitor) Refresh(ctx context.Context) (*CapacityMetrics, error) {
	ctx, span := m.deps.Tracer.Start(ctx, "emergency.capacity.refresh")
	defer span.End()
	start := time.Now()

	now := m.deps.Now()
	census, err := m.source.Census(ctx, now)
	if err != nil {
		span.RecordError(err)
		return nil, internal("capacity census", err)
	}
	staffing, err := m.source.OnDuty(ctx, now)
	if err != nil {
		span.RecordError(err)
		return nil, internal("capacity staffing", err)
	}
	snap := ComputeCapacity(census, staffing, now, m.cfg)
	m.deps.Metrics.RecordTimer("capacity.compute", time.Since(start), nil)

	if data, err := json.Marshal(snap); err != nil {
		m.deps.Log.Error().Err(err).Msg("encode capacity snapshot")
	} else if err := m.cache.Set(ctx, capacityCacheKey, data, m.cfg.TTL); err != nil {
		m.deps.Log.Warn().Err(err).Msg("capacity cache write failed")
		m.deps.Metrics.IncrementCounter("capacity.cache_errors", 1, nil)
	}

	m.recordGauges(snap)
	m.deps.publish(ctx, TopicCapacityUpdate, snap)
	m.evaluateAlerts(ctx, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot so the next read recomputes.
func (m *CapacityMonitor) Invalidate(ctx context.Context) {
	if err := m.cache.Delete(ctx, capacityCacheKey); err != nil {
		m.deps.Log.Warn().Err(err).Msg("capacity cache invalidation failed")
	}
}

// ComputeCapacity derives a snapshot from a census.
func ComputeCapacity(c *Census, staffing Staffing, now time.Time, cfg CapacityConfig) *CapacityMetrics {
	snap := &CapacityMetrics{
		OccupiedBeds:           c.BedsByStatus[BedOccupied],
		AvailableBeds:          c.BedsByStatus[BedAvailable],
		CleaningBeds:           c.BedsByStatus[BedCleaning],
		OutOfServiceBeds:       c.BedsByStatus[BedOutOfService],
		QueueLength:            c.QueueLength,
		AvgWaitMinutes:         c.AvgWaitMinutes,
		AvgLengthOfStayMinutes: c.AvgLengthOfStayMinutes,
		TriageDistribution:     make(map[TriageLevel]int, len(c.TriageDistribution)),
		Staffing:               staffing,
		ActivePatients:         c.ActivePatients,
		ThroughputPerHour:      c.DischargesLastHour,
		BoardingCount:          c.BoardingCount,
		AvgBoardingMinutes:     c.AvgBoardingMinutes,
		ComputedAt:             now,
	}
	for lvl, n := range c.TriageDistribution {
		snap.TriageDistribution[lvl] = n
	}
	snap.TotalBeds = snap.OccupiedBeds + snap.AvailableBeds

	switch {
	case snap.TotalBeds > 0:
		snap.OccupancyRate = float64(snap.OccupiedBeds) / float64(snap.TotalBeds)
	case snap.CleaningBeds+snap.OutOfServiceBeds > 0:
		// Every bed is closed or being turned over.
		snap.OccupancyRate = 1
	}

	switch {
	case staffing.Nurses > 0:
		snap.PatientsPerNurse = float64(c.ActivePatients) / float64(staffing.Nurses)
	case c.ActivePatients > 0:
		snap.PatientsPerNurse = float64(c.ActivePatients)
	}

	snap.DivertActive = snap.OccupancyRate >= cfg.DivertOccupancy && snap.QueueLength >= cfg.DivertQueueLength
	return snap
}

func (m *CapacityMonitor) recordGauges(s *CapacityMetrics) {
	g := m.deps.Metrics
	g.SetGauge("capacity.occupancy_rate", s.OccupancyRate, nil)
	g.SetGauge("capacity.queue_length", float64(s.QueueLength), nil)
	g.SetGauge("capacity.avg_wait_minutes", s.AvgWaitMinutes, nil)
	g.SetGauge("capacity.patients_per_nurse", s.PatientsPerNurse, nil)
	g.SetGauge("capacity.boarding", float64(s.BoardingCount), nil)
	for _, st := range []struct {
		status BedStatus
		n      int
	}{
		{BedAvailable, s.AvailableBeds},
		{BedOccupied, s.OccupiedBeds},
		{BedCleaning, s.CleaningBeds},
		{BedOutOfService, s.OutOfServiceBeds},
	} {
		g.SetGauge("capacity.beds", float64(st.n), map[string]string{"status": string(st.status)})
	}
}

// Alert kinds.
const (
	AlertOccupancy = "occupancy"
	AlertWaitTime  = "wait_time"
	AlertDivert    = "divert"
)

// evaluateAlerts publishes a capacity-alert only when a condition changes
// state, so a sustained breach is announced once.
func (m *CapacityMonitor) evaluateAlerts(ctx context.Context, s *CapacityMetrics) {
	checks := []CapacityAlertEvent{
		{
			Kind:      AlertOccupancy,
			Active:    s.OccupancyRate > m.cfg.OccupancyAlert,
			Message:   fmt.Sprintf("Occupancy at %.0f%%", s.OccupancyRate*100),
			Value:     s.OccupancyRate,
			Threshold: m.cfg.OccupancyAlert,
		},
		{
			Kind:      AlertWaitTime,
			Active:    s.AvgWaitMinutes > m.cfg.WaitAlertMinutes,
			Message:   fmt.Sprintf("Average wait %.0f minutes", s.AvgWaitMinutes),
			Value:     s.AvgWaitMinutes,
			Threshold: m.cfg.WaitAlertMinutes,
		},
		{
			Kind:      AlertDivert,
			Active:    s.DivertActive,
			Message:   fmt.Sprintf("Divert criteria met with %d waiting", s.QueueLength),
			Value:     s.OccupancyRate,
			Threshold: m.cfg.DivertOccupancy,
		},
	}

	var changed []CapacityAlertEvent
	m.mu.Lock()
	for _, c := range checks {
		if m.alerts[c.Kind] != c.Active {
			m.alerts[c.Kind] = c.Active
			c.At = s.ComputedAt
			changed = append(changed, c)
		}
	}
	m.mu.Unlock()

	for _, c := range changed {
		if c.Active {
			m.deps.Log.Warn().Str("kind", c.Kind).Float64("value", c.Value).Msg(c.Message)
		}
		m.deps.publish(ctx, TopicCapacityAlert, c)
	}
}
