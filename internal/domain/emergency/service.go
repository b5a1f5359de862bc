package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Bed placement outcomes reported with an assessment.
const (
	PlacementAssigned      = "assigned"
	PlacementAlreadyBedded = "already_bedded"
	PlacementNoneAvailable = "none_available"
	PlacementFailed        = "failed"
	PlacementNotAttempted  = "not_attempted"
)

// AssessmentResult is what AssessPatient returns: the saved assessment and
// the outcome of the best-effort bed placement that follows it.
type AssessmentResult struct {
	Assessment *TriageAssessment `json:"assessment"`
	Bed        *BedAssignment    `json:"bed_assignment,omitempty"`
	Placement  string            `json:"placement"`
}

// Service orchestrates triage and the patient lifecycle.
type Service struct {
	store    Store
	beds     *Allocator
	ai       AIScorer
	deps     Deps
	validate *validator.Validate
}

func NewService(store Store, beds *Allocator, ai AIScorer, deps Deps) *Service {
	return &Service{
		store:    store,
		beds:     beds,
		ai:       ai,
		deps:     deps.withDefaults(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Service) validateInput(v interface{}) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s validation", ErrInvalidInput, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// AssessPatient scores a presentation, persists the assessment together
// with the patient's new status and priority, publishes the outcome and
// then tries to place the patient in a bed. Events and placement never
// fail the assessment once it is committed.
func (s *Service) AssessPatient(ctx context.Context, patientID uuid.UUID, nurseID string, in TriageInput) (*AssessmentResult, error) {
	ctx, span := s.deps.Tracer.Start(ctx, "emergency.triage.assess")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID.String()))

	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, internal("get patient", err)
	}
	if p.Status == StatusDischarged {
		return nil, fmt.Errorf("%w: patient %s is discharged", ErrInvalidTransition, patientID)
	}

	start := time.Now()
	now := s.deps.Now()
	pctx := p.Context(now)
	flags := DetectRedFlags(in, pctx)
	ai := s.modelScore(ctx, in, pctx)
	score := ScoreAssessment(in, flags, ai)
	for _, gap := range score.DataQuality {
		s.deps.Log.Warn().Str("patient_id", patientID.String()).Str("gap", gap).Msg("incomplete triage vitals")
	}
	s.deps.Metrics.RecordTimer("triage.scoring", time.Since(start), map[string]string{"level": score.Level.String()})
	s.recordFlagCounts(flags)

	a := &TriageAssessment{
		ID:              uuid.New(),
		PatientID:       patientID,
		NurseID:         nurseID,
		AssessedAt:      now,
		ChiefComplaint:  in.ChiefComplaint,
		PainScore:       in.PainScore,
		PainLocation:      in.PainLocation,
		RequiredSpecialty: in.RequiredSpecialty,
		Vitals:            in.Vitals,
		Level:             score.Level,
		ESILevel:          score.ESILevel,
		CTASLevel:         score.CTASLevel,
		AI:                ai,
		RedFlags:          flags,
		Interventions:     score.Interventions,
		Recommendations:   score.Recommendations,
		DataQuality:       score.DataQuality,
		ReassessmentDue:   now.Add(ReassessmentInterval(score.Level)),
	}

	// Scoring ran without a lock; the status is decided on a fresh read.
	var status PatientStatus
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.LockPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if cur.Status == StatusDischarged {
			return fmt.Errorf("%w: patient %s is discharged", ErrInvalidTransition, patientID)
		}
		status = cur.Status
		next := cur.Status
		if next == StatusRegistered {
			next = StatusTriaged
		}

		prev, err := s.store.LatestAssessment(ctx, patientID)
		switch {
		case err == nil:
			a.SupersedesID = &prev.ID
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := s.store.SaveAssessment(ctx, a); err != nil {
			return err
		}
		level := a.Level
		return s.store.UpdatePatientStatus(ctx, patientID, PatientStatusUpdate{
			Status:   next,
			Priority: &level,
			At:       now,
		})
	})
	if err != nil {
		span.RecordError(err)
		s.deps.Log.Error().Err(err).Str("patient_id", patientID.String()).Msg("persist triage assessment")
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, internal("persist assessment", err)
	}
	s.deps.Metrics.IncrementCounter("triage.assessments", 1, map[string]string{"level": a.Level.String()})
	s.deps.Log.Info().
		Str("patient_id", patientID.String()).
		Str("assessment_id", a.ID.String()).
		Int("level", int(a.Level)).
		Int("red_flags", len(flags)).
		Msg("patient triaged")

	s.deps.publish(ctx, TopicPatientTriaged, PatientTriagedEvent{
		PatientID:       patientID,
		AssessmentID:    a.ID,
		Level:           a.Level,
		RedFlags:        len(flags),
		ReassessmentDue: a.ReassessmentDue,
		Reassessment:    a.SupersedesID != nil,
	})
	if high := a.HighFlags(); len(high) > 0 {
		s.deps.publish(ctx, TopicCriticalAlert, CriticalAlertEvent{
			PatientID:    patientID,
			AssessmentID: a.ID,
			Level:        a.Level,
			Flags:        high,
		})
	}

	res := &AssessmentResult{Assessment: a, Placement: PlacementNotAttempted}
	if status.HoldsBed() {
		res.Placement = PlacementAlreadyBedded
		return res, nil
	}
	asg, err := s.beds.AssignBed(ctx, patientID, AssignOptions{
		PreferredArea:     PreferredArea(a.Level),
		RequiredSpecialty: in.RequiredSpecialty,
		AssignedBy:        nurseID,
	})
	switch {
	case err != nil:
		s.deps.Log.Warn().Err(err).Str("patient_id", patientID.String()).Msg("bed placement after triage failed")
		res.Placement = PlacementFailed
	case asg == nil:
		res.Placement = PlacementNoneAvailable
	default:
		res.Bed = asg
		res.Placement = PlacementAssigned
	}
	return res, nil
}

// modelScore asks the severity model for an advisory score. Any failure is
// logged and scoring continues without it.
func (s *Service) modelScore(ctx context.Context, in TriageInput, p PatientContext) *AIScore {
	if s.ai == nil {
		return nil
	}
	start := time.Now()
	score, err := s.ai.Score(ctx, in, p)
	s.deps.Metrics.RecordTimer("triage.ai_score", time.Since(start), nil)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("severity model unavailable, continuing without it")
		s.deps.Metrics.IncrementCounter("triage.ai_failures", 1, nil)
		return nil
	}
	return score
}

func (s *Service) recordFlagCounts(flags []RedFlag) {
	counts := make(map[Severity]int)
	for _, f := range flags {
		counts[f.Severity]++
	}
	for sev, n := range counts {
		s.deps.Metrics.IncrementCounter("triage.red_flags", n, map[string]string{"severity": string(sev)})
	}
}

// -- Patients --

// RegisterPatient records an arrival. Registration is normally done by the
// upstream registration system; this exists for seeding and integration.
func (s *Service) RegisterPatient(ctx context.Context, p *Patient) error {
	if p.MRN == "" {
		return fmt.Errorf("%w: mrn is required", ErrInvalidInput)
	}
	p.Status = StatusRegistered
	p.Priority = nil
	if p.ArrivedAt.IsZero() {
		p.ArrivedAt = s.deps.Now()
	}
	if err := s.store.CreatePatient(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return internal("create patient", err)
	}
	s.deps.Metrics.IncrementCounter("patient.arrivals", 1, nil)
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.store.GetPatient(ctx, id)
}

func (s *Service) WaitingQueue(ctx context.Context) ([]*Patient, error) {
	return s.store.ListWaiting(ctx)
}

// patientTransitions are the status changes allowed through
// TransitionPatient. Entering bed_assigned only happens through the
// allocator.
var patientTransitions = map[PatientStatus][]PatientStatus{
	StatusRegistered:  {StatusDischarged},
	StatusTriaged:     {StatusDischarged},
	StatusBedAssigned: {StatusInTreatment, StatusDischarged},
	StatusInTreatment: {StatusDischarged},
}

func canTransition(from, to PatientStatus) bool {
	for _, s := range patientTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionPatient moves a patient along the workflow. Discharging a
// bedded patient releases the bed to cleaning in the same transaction.
func (s *Service) TransitionPatient(ctx context.Context, id uuid.UUID, to PatientStatus) (*Patient, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	now := s.deps.Now()
	var released *BedAssignment
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.LockPatient(ctx, id)
		if err != nil {
			return err
		}
		if !canTransition(p.Status, to) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, to)
		}
		if to == StatusDischarged {
			// Any active assignment ends with the stay, whatever the
			// status said.
			ended, err := s.store.EndAssignment(ctx, id, now)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			released = ended
		}
		return s.store.UpdatePatientStatus(ctx, id, PatientStatusUpdate{Status: to, At: now})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, internal("transition patient", err)
	}
	s.deps.Metrics.IncrementCounter("patient.transitions", 1, map[string]string{"to": string(to)})
	if released != nil {
		s.beds.afterRelease(ctx, released)
	} else if to == StatusDischarged {
		s.beds.capacity.Invalidate(ctx)
	}
	return s.store.GetPatient(ctx, id)
}

// RecordDisposition stores the disposition decision. An admit decision
// starts the boarding clock for a patient still in the department.
func (s *Service) RecordDisposition(ctx context.Context, id uuid.UUID, disposition string) (*Patient, error) {
	switch disposition {
	case DispositionAdmit, DispositionTransfer, DispositionDischarge:
	default:
		return nil, fmt.Errorf("%w: unknown disposition %q", ErrInvalidInput, disposition)
	}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.LockPatient(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusDischarged || p.Status == StatusRegistered {
			return fmt.Errorf("%w: cannot record disposition for a %s patient", ErrInvalidTransition, p.Status)
		}
		return s.store.RecordDisposition(ctx, id, disposition, s.deps.Now())
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, internal("record disposition", err)
	}
	s.beds.capacity.Invalidate(ctx)
	return s.store.GetPatient(ctx, id)
}

// -- Read side --

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*TriageAssessment, error) {
	return s.store.GetAssessment(ctx, id)
}

func (s *Service) ListAssessments(ctx context.Context, patientID uuid.UUID) ([]*TriageAssessment, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListAssessments(ctx, patientID)
}

func (s *Service) GetBed(ctx context.Context, id string) (*Bed, error) {
	return s.store.GetBed(ctx, id)
}

func (s *Service) ListBeds(ctx context.Context) ([]*Bed, error) {
	return s.store.ListBeds(ctx)
}
