package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type FlowConfig struct {
	// MaxAutoActions bounds how many recommendations one cycle applies
	// without human approval.
	MaxAutoActions           int
	BoardingThresholdMinutes float64
	PatientsPerNurseMax      float64
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		MaxAutoActions:           3,
		BoardingThresholdMinutes: 240,
		PatientsPerNurseMax:      4,
	}
}

type BottleneckKind string

const (
	BottleneckOccupancy BottleneckKind = "occupancy"
	BottleneckWaitTime  BottleneckKind = "wait_time"
	BottleneckQueue     BottleneckKind = "queue"
	BottleneckStaffing  BottleneckKind = "staffing"
	BottleneckBoarding  BottleneckKind = "boarding"
	BottleneckTurnover  BottleneckKind = "turnover"
)

type Bottleneck struct {
	Kind        BottleneckKind `json:"kind"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Value       float64        `json:"value"`
	Threshold   float64        `json:"threshold"`
}

type RecommendationKind string

const (
	ActionPlaceWaiting     RecommendationKind = "place_waiting_patients"
	ActionExpediteTurnover RecommendationKind = "expedite_turnover"
	ActionOpenOverflow     RecommendationKind = "open_overflow"
	ActionCallInStaff      RecommendationKind = "call_in_staff"
	ActionEscalateBoarding RecommendationKind = "escalate_boarding"
	ActionActivateDivert   RecommendationKind = "activate_divert"
)

// autoApplicable are the actions the optimizer may take on its own. The
// rest only ever leave the cycle as recommendations for staff.
var autoApplicable = map[RecommendationKind]bool{
	ActionPlaceWaiting:     true,
	ActionExpediteTurnover: true,
}

type Recommendation struct {
	Kind             RecommendationKind `json:"kind"`
	Priority         int                `json:"priority"`
	Description      string             `json:"description"`
	Source           BottleneckKind     `json:"source,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
	Applied          bool               `json:"applied"`
	Outcome          string             `json:"outcome,omitempty"`
}

type ProjectedImpact struct {
	PatientsPlaced       int     `json:"patients_placed"`
	WaitReductionMinutes float64 `json:"wait_reduction_minutes"`
	ProjectedOccupancy   float64 `json:"projected_occupancy"`
	ProjectedQueueLength int     `json:"projected_queue_length"`
}

// FlowResult is the outcome of one optimization cycle.
type FlowResult struct {
	RunID           uuid.UUID        `json:"run_id"`
	StartedAt       time.Time        `json:"started_at"`
	Snapshot        *CapacityMetrics `json:"snapshot"`
	Bottlenecks     []Bottleneck     `json:"bottlenecks"`
	Recommendations []Recommendation `json:"recommendations"`
	AppliedActions  int              `json:"applied_actions"`
	Impact          ProjectedImpact  `json:"impact"`
}

type snapshotSource interface {
	GetCapacitySnapshot(ctx context.Context) (*CapacityMetrics, error)
}

// waitingQueue is what the optimizer reads to place queued patients.
type waitingQueue interface {
	ListWaiting(ctx context.Context) ([]*Patient, error)
	LatestAssessment(ctx context.Context, patientID uuid.UUID) (*TriageAssessment, error)
}

// FlowOptimizer detects bottlenecks and proposes or applies remedies. Only
// one cycle runs at a time.
type FlowOptimizer struct {
	store    waitingQueue
	capacity snapshotSource
	beds     *Allocator
	cfg      FlowConfig
	deps     Deps
	running  atomic.Bool
}

func NewFlowOptimizer(store waitingQueue, capacity snapshotSource, beds *Allocator, cfg FlowConfig, deps Deps) *FlowOptimizer {
	return &FlowOptimizer{
		store:    store,
		capacity: capacity,
		beds:     beds,
		cfg:      cfg,
		deps:     deps.withDefaults(),
	}
}

// DetectBottlenecks evaluates a snapshot against the flow thresholds and
// returns findings ordered HIGH first.
func DetectBottlenecks(s *CapacityMetrics, cfg FlowConfig) []Bottleneck {
	var out []Bottleneck
	add := func(kind BottleneckKind, sev Severity, value, threshold float64, desc string) {
		out = append(out, Bottleneck{Kind: kind, Severity: sev, Description: desc, Value: value, Threshold: threshold})
	}

	switch {
	case s.OccupancyRate >= 0.95:
		add(BottleneckOccupancy, SeverityHigh, s.OccupancyRate, 0.95, fmt.Sprintf("Bed occupancy at %.0f%%", s.OccupancyRate*100))
	case s.OccupancyRate >= 0.85:
		add(BottleneckOccupancy, SeverityMedium, s.OccupancyRate, 0.85, fmt.Sprintf("Bed occupancy at %.0f%%", s.OccupancyRate*100))
	}

	switch {
	case s.AvgWaitMinutes >= 120:
		add(BottleneckWaitTime, SeverityHigh, s.AvgWaitMinutes, 120, fmt.Sprintf("Average wait %.0f minutes", s.AvgWaitMinutes))
	case s.AvgWaitMinutes >= 60:
		add(BottleneckWaitTime, SeverityMedium, s.AvgWaitMinutes, 60, fmt.Sprintf("Average wait %.0f minutes", s.AvgWaitMinutes))
	}

	throughput := float64(s.ThroughputPerHour)
	if throughput < 1 {
		throughput = 1
	}
	if q := float64(s.QueueLength); q > 2*throughput {
		sev := SeverityMedium
		if q > 4*throughput {
			sev = SeverityHigh
		}
		add(BottleneckQueue, sev, q, 2*throughput, fmt.Sprintf("%d waiting against %d discharges in the last hour", s.QueueLength, s.ThroughputPerHour))
	}

	if cfg.PatientsPerNurseMax > 0 && s.PatientsPerNurse > cfg.PatientsPerNurseMax {
		sev := SeverityMedium
		if s.PatientsPerNurse > cfg.PatientsPerNurseMax*1.5 {
			sev = SeverityHigh
		}
		add(BottleneckStaffing, sev, s.PatientsPerNurse, cfg.PatientsPerNurseMax, fmt.Sprintf("%.1f patients per nurse", s.PatientsPerNurse))
	}

	if s.BoardingCount > 0 && cfg.BoardingThresholdMinutes > 0 && s.AvgBoardingMinutes > cfg.BoardingThresholdMinutes {
		add(BottleneckBoarding, SeverityHigh, s.AvgBoardingMinutes, cfg.BoardingThresholdMinutes,
			fmt.Sprintf("%d admitted patients boarding for %.0f minutes on average", s.BoardingCount, s.AvgBoardingMinutes))
	}

	if s.CleaningBeds > 0 && s.QueueLength > 0 {
		add(BottleneckTurnover, SeverityLow, float64(s.CleaningBeds), 0, fmt.Sprintf("%d beds awaiting turnover while patients wait", s.CleaningBeds))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity.rank() < out[j].Severity.rank() })
	return out
}

// Recommend turns bottlenecks into at most one recommendation per kind.
func Recommend(s *CapacityMetrics, bottlenecks []Bottleneck) []Recommendation {
	var out []Recommendation
	seen := make(map[RecommendationKind]bool)
	add := func(kind RecommendationKind, source BottleneckKind, sev Severity, desc string) {
		if seen[kind] {
			return
		}
		seen[kind] = true
		out = append(out, Recommendation{
			Kind:             kind,
			Priority:         sev.rank() + 1,
			Description:      desc,
			Source:           source,
			RequiresApproval: !autoApplicable[kind],
		})
	}

	if s.QueueLength > 0 && s.AvailableBeds > 0 {
		add(ActionPlaceWaiting, BottleneckQueue, SeverityHigh, fmt.Sprintf("Place waiting patients into %d free beds", s.AvailableBeds))
	}
	for _, b := range bottlenecks {
		switch b.Kind {
		case BottleneckOccupancy:
			add(ActionOpenOverflow, b.Kind, b.Severity, "Open overflow spaces and expedite inpatient transfers")
		case BottleneckWaitTime, BottleneckQueue:
			if s.AvailableBeds == 0 {
				add(ActionOpenOverflow, b.Kind, b.Severity, "Open overflow spaces to absorb the waiting queue")
			}
		case BottleneckStaffing:
			add(ActionCallInStaff, b.Kind, b.Severity, "Call in additional nursing staff")
		case BottleneckBoarding:
			add(ActionEscalateBoarding, b.Kind, b.Severity, "Escalate boarding patients to inpatient bed management")
		case BottleneckTurnover:
			add(ActionExpediteTurnover, b.Kind, b.Severity, fmt.Sprintf("Expedite cleaning of %d beds", s.CleaningBeds))
		}
	}
	if s.DivertActive {
		add(ActionActivateDivert, BottleneckOccupancy, SeverityHigh, "Request ambulance diversion")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// OptimizeFlow runs one cycle: snapshot, bottlenecks, recommendations and
// up to MaxAutoActions automatic actions. Placement goes through the
// allocator, so an applied action can never double-book a bed.
func (f *FlowOptimizer) OptimizeFlow(ctx context.Context) (*FlowResult, error) {
	if !f.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer f.running.Store(false)

	ctx, span := f.deps.Tracer.Start(ctx, "emergency.flow.optimize")
	defer span.End()
	start := time.Now()

	snap, err := f.capacity.GetCapacitySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	res := &FlowResult{
		RunID:     uuid.New(),
		StartedAt: f.deps.Now(),
		Snapshot:  snap,
	}
	res.Bottlenecks = DetectBottlenecks(snap, f.cfg)
	res.Recommendations = Recommend(snap, res.Bottlenecks)

	placed := 0
	for i := range res.Recommendations {
		rec := &res.Recommendations[i]
		if rec.RequiresApproval || res.AppliedActions >= f.cfg.MaxAutoActions {
			continue
		}
		switch rec.Kind {
		case ActionPlaceWaiting:
			n, err := f.placeWaiting(ctx)
			if err != nil {
				rec.Outcome = err.Error()
				f.deps.Log.Warn().Err(err).Msg("placing waiting patients failed")
				continue
			}
			if n == 0 {
				rec.Outcome = "no waiting patient could be placed"
				continue
			}
			placed += n
			rec.Outcome = fmt.Sprintf("placed %d patients", n)
		case ActionExpediteTurnover:
			f.deps.publish(ctx, TopicFlowRecommendation, rec)
			rec.Outcome = "turnover request sent"
		default:
			continue
		}
		rec.Applied = true
		res.AppliedActions++
	}
	res.Impact = projectImpact(snap, placed)

	for _, b := range res.Bottlenecks {
		f.deps.Metrics.IncrementCounter("flow.bottlenecks", 1, map[string]string{
			"kind":     string(b.Kind),
			"severity": string(b.Severity),
		})
	}
	f.deps.Metrics.IncrementCounter("flow.actions_applied", res.AppliedActions, nil)
	f.deps.Metrics.RecordTimer("flow.optimize", time.Since(start), nil)
	if len(res.Recommendations) > 0 {
		f.deps.publish(ctx, TopicFlowRecommendation, res)
	}
	f.deps.Log.Info().
		Str("run_id", res.RunID.String()).
		Int("bottlenecks", len(res.Bottlenecks)).
		Int("recommendations", len(res.Recommendations)).
		Int("applied", res.AppliedActions).
		Msg("flow optimization cycle complete")
	return res, nil
}

// placeWaiting beds queued patients in acuity order. A patient whose
// triage asked for a specialty only gets a bed with that specialty; a miss
// for them does not stop the patients behind.
func (f *FlowOptimizer) placeWaiting(ctx context.Context) (int, error) {
	queue, err := f.store.ListWaiting(ctx)
	if err != nil {
		return 0, internal("list waiting", err)
	}
	placed := 0
	for _, p := range queue {
		var level TriageLevel
		if p.Priority != nil {
			level = *p.Priority
		}
		opts := AssignOptions{
			PreferredArea: PreferredArea(level),
			AssignedBy:    "flow-optimizer",
		}
		latest, err := f.store.LatestAssessment(ctx, p.ID)
		switch {
		case err == nil:
			opts.RequiredSpecialty = latest.RequiredSpecialty
		case !errors.Is(err, ErrNotFound):
			return placed, internal("latest assessment", err)
		}

		asg, err := f.beds.AssignBed(ctx, p.ID, opts)
		if errors.Is(err, ErrInvalidTransition) {
			// Discharged or bedded since the queue was read.
			continue
		}
		if err != nil {
			return placed, err
		}
		if asg == nil {
			if opts.RequiredSpecialty != "" {
				continue
			}
			break
		}
		placed++
	}
	return placed, nil
}

func projectImpact(s *CapacityMetrics, placed int) ProjectedImpact {
	imp := ProjectedImpact{
		PatientsPlaced:       placed,
		ProjectedOccupancy:   s.OccupancyRate,
		ProjectedQueueLength: s.QueueLength - placed,
	}
	if imp.ProjectedQueueLength < 0 {
		imp.ProjectedQueueLength = 0
	}
	if s.TotalBeds > 0 {
		imp.ProjectedOccupancy = float64(s.OccupiedBeds+placed) / float64(s.TotalBeds)
	}
	if s.QueueLength > 0 && placed > 0 {
		imp.WaitReductionMinutes = s.AvgWaitMinutes * float64(placed) / float64(s.QueueLength)
	}
	return imp
}
