package emergency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type publishedEvent struct {
	topic   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	return p.err
}

func (p *recordingPublisher) byTopic(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.topic == topic {
			out = append(out, e.payload)
		}
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
	timers   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters: make(map[string]int),
		gauges:   make(map[string]float64),
		timers:   make(map[string]int),
	}
}

func (m *recordingMetrics) RecordTimer(name string, _ time.Duration, _ map[string]string) {
	m.mu.Lock()
	m.timers[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncrementCounter(name string, n int, _ map[string]string) {
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

func (m *recordingMetrics) SetGauge(name string, v float64, tags map[string]string) {
	m.mu.Lock()
	if s, ok := tags["status"]; ok {
		name += "." + s
	}
	m.gauges[name] = v
	m.mu.Unlock()
}

func (m *recordingMetrics) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// countingStore counts census queries so tests can observe recomputes.
type countingStore struct {
	*MemoryStore
	mu      sync.Mutex
	census  int
	censErr error
}

func (s *countingStore) Census(ctx context.Context, now time.Time) (*Census, error) {
	s.mu.Lock()
	s.census++
	err := s.censErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Census(ctx, now)
}

func (s *countingStore) censusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.census
}

type fixture struct {
	store   *countingStore
	clock   *testClock
	events  *recordingPublisher
	metrics *recordingMetrics
	mod     *Module
}

type fixtureOption func(*fixture, *ModuleConfig, *AIScorer)

func withAI(ai AIScorer) fixtureOption {
	return func(_ *fixture, _ *ModuleConfig, dst *AIScorer) { *dst = ai }
}

func withConfig(fn func(*ModuleConfig)) fixtureOption {
	return func(_ *fixture, cfg *ModuleConfig, _ *AIScorer) { fn(cfg) }
}

// newFixture builds a module over a memory store with no beds.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:   &countingStore{MemoryStore: NewMemoryStore()},
		clock:   newTestClock(),
		events:  &recordingPublisher{},
		metrics: newRecordingMetrics(),
	}
	cfg := DefaultModuleConfig()
	var ai AIScorer
	for _, o := range opts {
		o(f, &cfg, &ai)
	}
	f.mod = NewModule(f.store, nil, ai, cfg, Deps{
		Events:  f.events,
		Metrics: f.metrics,
		Log:     zerolog.Nop(),
		Now:     f.clock.Now,
	})
	return f
}

func (f *fixture) addBeds(t *testing.T, beds ...Bed) {
	t.Helper()
	for _, b := range beds {
		if b.StatusSince.IsZero() {
			b.StatusSince = testNow.Add(-time.Hour)
		}
		if err := f.store.AddBed(b); err != nil {
			t.Fatalf("AddBed(%s): %v", b.ID, err)
		}
	}
}

func (f *fixture) addPlainBeds(t *testing.T, area string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		f.addBeds(t, Bed{ID: fmt.Sprintf("%s-%d", area, i), Area: area, Zone: 1})
	}
}

func (f *fixture) register(t *testing.T, mutate ...func(*Patient)) *Patient {
	t.Helper()
	p := &Patient{
		ID:        uuid.New(),
		MRN:       "MRN-" + uuid.NewString()[:8],
		ArrivedAt: f.clock.Now(),
		Status:    StatusRegistered,
	}
	for _, m := range mutate {
		m(p)
	}
	if err := f.store.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	return p
}

// registerTriaged stores a patient already triaged at level without a bed.
func (f *fixture) registerTriaged(t *testing.T, level TriageLevel) *Patient {
	t.Helper()
	p := f.register(t)
	err := f.store.UpdatePatientStatus(context.Background(), p.ID, PatientStatusUpdate{
		Status:   StatusTriaged,
		Priority: &level,
		At:       f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("UpdatePatientStatus: %v", err)
	}
	return p
}

func stableVitals() VitalSigns {
	return VitalSigns{
		HeartRate:       intPtr(80),
		SystolicBP:      intPtr(125),
		DiastolicBP:     intPtr(80),
		RespiratoryRate: intPtr(16),
		SpO2:            intPtr(98),
		Temperature:     floatPtr(36.8),
		GCS:             intPtr(15),
		Consciousness:   AVPUAlert,
	}
}

// interleavingStore runs before once, ahead of the first transaction, as if
// another request had committed between a read and the write that follows.
type interleavingStore struct {
	*MemoryStore
	once   sync.Once
	before func()
}

func (s *interleavingStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.once.Do(s.before)
	return s.MemoryStore.InTx(ctx, fn)
}

// interleaved returns a second module over the fixture's data whose first
// transaction is preceded by before. before should act through f.mod.
func (f *fixture) interleaved(before func()) *Module {
	store := &interleavingStore{MemoryStore: f.store.MemoryStore, before: before}
	return NewModule(store, nil, nil, DefaultModuleConfig(), Deps{
		Events:  f.events,
		Metrics: f.metrics,
		Log:     zerolog.Nop(),
		Now:     f.clock.Now,
	})
}

// conflictingStore loses every bed reservation race.
type conflictingStore struct {
	*MemoryStore
	mu       sync.Mutex
	reserves int
}

func (s *conflictingStore) ReserveBed(context.Context, []string, *BedAssignment) (*Bed, error) {
	s.mu.Lock()
	s.reserves++
	s.mu.Unlock()
	return nil, fmt.Errorf("%w: bed taken", ErrConflict)
}

// failingStatusStore fails patient status writes after the assessment row
// has been written in the same transaction.
type failingStatusStore struct {
	*MemoryStore
	err error
}

func (s *failingStatusStore) UpdatePatientStatus(context.Context, uuid.UUID, PatientStatusUpdate) error {
	return s.err
}
