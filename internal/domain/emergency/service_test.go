package emergency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubScorer struct {
	score *AIScore
	err   error
	calls int
}

func (s *stubScorer) Score(context.Context, TriageInput, PatientContext) (*AIScore, error) {
	s.calls++
	return s.score, s.err
}

func hypoxicInput() TriageInput {
	v := stableVitals()
	v.SpO2 = intPtr(86)
	v.RespiratoryRate = intPtr(32)
	return TriageInput{ChiefComplaint: "Shortness of breath", Vitals: v}
}

func TestAssessPatient_CriticalPresentation(t *testing.T) {
	f := newFixture(t)
	f.addBeds(t,
		Bed{ID: "RESUS-1", Area: AreaResuscitation, Zone: 1},
		Bed{ID: "FT-1", Area: AreaFastTrack, Zone: 1},
	)
	p := f.register(t)

	res, err := f.mod.Service.AssessPatient(context.Background(), p.ID, "nurse-1", hypoxicInput())
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	a := res.Assessment
	if a.Level != LevelResuscitation {
		t.Errorf("expected level 1, got %d", a.Level)
	}
	if a.SupersedesID != nil {
		t.Error("first assessment must not supersede anything")
	}
	if !a.ReassessmentDue.Equal(testNow) {
		t.Errorf("expected immediate reassessment, got %v", a.ReassessmentDue)
	}
	if res.Placement != PlacementAssigned || res.Bed == nil || res.Bed.BedID != "RESUS-1" {
		t.Errorf("expected RESUS-1 placement, got %s %+v", res.Placement, res.Bed)
	}

	got, _ := f.store.GetPatient(context.Background(), p.ID)
	if got.Status != StatusBedAssigned || got.Priority == nil || *got.Priority != LevelResuscitation {
		t.Errorf("expected bedded level 1 patient, got status=%s priority=%v", got.Status, got.Priority)
	}
	if got.TriagedAt == nil || !got.TriagedAt.Equal(testNow) {
		t.Errorf("expected triaged_at %v, got %v", testNow, got.TriagedAt)
	}

	if n := len(f.events.byTopic(TopicPatientTriaged)); n != 1 {
		t.Errorf("expected 1 patient-triaged event, got %d", n)
	}
	alerts := f.events.byTopic(TopicCriticalAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 critical alert, got %d", len(alerts))
	}
	if ev := alerts[0].(CriticalAlertEvent); len(ev.Flags) == 0 || ev.Flags[0].Severity != SeverityHigh {
		t.Errorf("expected HIGH flags in alert, got %+v", ev)
	}
}

func TestAssessPatient_ReassessmentSupersedes(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	p := f.register(t)
	ctx := context.Background()

	in := TriageInput{ChiefComplaint: "vomiting", Vitals: stableVitals()}
	first, err := f.mod.Service.AssessPatient(ctx, p.ID, "nurse-1", in)
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	if first.Assessment.Level != LevelUrgent || first.Placement != PlacementAssigned {
		t.Fatalf("expected level 3 with a bed, got %d %s", first.Assessment.Level, first.Placement)
	}

	f.clock.Advance(20 * time.Minute)
	second, err := f.mod.Service.AssessPatient(ctx, p.ID, "nurse-2", hypoxicInput())
	if err != nil {
		t.Fatalf("AssessPatient again: %v", err)
	}
	if second.Assessment.SupersedesID == nil || *second.Assessment.SupersedesID != first.Assessment.ID {
		t.Errorf("expected reassessment to supersede %s", first.Assessment.ID)
	}
	if second.Placement != PlacementAlreadyBedded {
		t.Errorf("expected already_bedded, got %s", second.Placement)
	}

	got, _ := f.store.GetPatient(ctx, p.ID)
	if got.Status != StatusBedAssigned || *got.Priority != LevelResuscitation {
		t.Errorf("expected bedded level 1 after reassessment, got %s %d", got.Status, *got.Priority)
	}
	if !got.TriagedAt.Equal(testNow) {
		t.Errorf("triaged_at moved on reassessment: %v", got.TriagedAt)
	}

	history, err := f.mod.Service.ListAssessments(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.Assessment.ID {
		t.Errorf("expected newest first, got %d entries", len(history))
	}
	evs := f.events.byTopic(TopicPatientTriaged)
	if len(evs) != 2 || !evs[1].(PatientTriagedEvent).Reassessment {
		t.Errorf("expected second triage event to be a reassessment, got %v", evs)
	}
}

func TestAssessPatient_NoBedLeavesPatientQueued(t *testing.T) {
	f := newFixture(t)
	p := f.register(t)

	res, err := f.mod.Service.AssessPatient(context.Background(), p.ID, "nurse-1", TriageInput{ChiefComplaint: "sprain", Vitals: stableVitals()})
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	if res.Placement != PlacementNoneAvailable || res.Bed != nil {
		t.Errorf("expected none_available, got %s", res.Placement)
	}
	queue, _ := f.mod.Service.WaitingQueue(context.Background())
	if len(queue) != 1 || queue[0].ID != p.ID {
		t.Errorf("expected the patient in the queue, got %d", len(queue))
	}
}

func TestAssessPatient_ModelFailureIsNotFatal(t *testing.T) {
	scorer := &stubScorer{err: errors.New("model timeout")}
	f := newFixture(t, withAI(scorer))
	p := f.register(t)

	res, err := f.mod.Service.AssessPatient(context.Background(), p.ID, "nurse-1", TriageInput{ChiefComplaint: "abdominal pain", Vitals: stableVitals()})
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	if scorer.calls != 1 {
		t.Errorf("expected 1 model call, got %d", scorer.calls)
	}
	if res.Assessment.AI != nil {
		t.Error("expected no model score after a failure")
	}
	if res.Assessment.Level != LevelUrgent {
		t.Errorf("expected rule-based level 3, got %d", res.Assessment.Level)
	}
	if f.metrics.counter("triage.ai_failures") != 1 {
		t.Error("expected the model failure to be counted")
	}
}

func TestAssessPatient_ModelScoreIsAdvisory(t *testing.T) {
	scorer := &stubScorer{score: &AIScore{Score: 88, Confidence: 0.7, ModelVersion: "v3"}}
	f := newFixture(t, withAI(scorer))
	p := f.register(t)

	res, err := f.mod.Service.AssessPatient(context.Background(), p.ID, "nurse-1", TriageInput{ChiefComplaint: "abdominal pain", Vitals: stableVitals()})
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	a := res.Assessment
	if a.Level != LevelUrgent {
		t.Errorf("model score changed the level to %d", a.Level)
	}
	if a.AI == nil || a.AI.ModelVersion != "v3" {
		t.Errorf("expected the model score to be stored, got %+v", a.AI)
	}
	if len(a.Recommendations) == 0 || !strings.Contains(a.Recommendations[0], "review") {
		t.Errorf("expected a review recommendation, got %v", a.Recommendations)
	}
}

func TestAssessPatient_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	discharged := f.register(t, func(p *Patient) { p.Status = StatusDischarged })
	active := f.register(t)

	tests := []struct {
		name    string
		patient uuid.UUID
		in      TriageInput
		want    error
	}{
		{"discharged", discharged.ID, TriageInput{ChiefComplaint: "cough"}, ErrInvalidTransition},
		{"unknown patient", uuid.New(), TriageInput{ChiefComplaint: "cough"}, ErrNotFound},
		{"missing complaint", active.ID, TriageInput{}, ErrInvalidInput},
		{"pain out of range", active.ID, TriageInput{ChiefComplaint: "cough", PainScore: intPtr(11)}, ErrInvalidInput},
		{"bad GCS", active.ID, TriageInput{ChiefComplaint: "cough", Vitals: VitalSigns{GCS: intPtr(2)}}, ErrInvalidInput},
		{"bad AVPU", active.ID, TriageInput{ChiefComplaint: "cough", Vitals: VitalSigns{Consciousness: "drowsy"}}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mod.Service.AssessPatient(ctx, tt.patient, "nurse-1", tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if list, _ := f.store.ListAssessments(ctx, active.ID); len(list) != 0 {
		t.Errorf("rejected assessments were stored: %d", len(list))
	}
	if n := len(f.events.byTopic(TopicPatientTriaged)); n != 0 {
		t.Errorf("expected no events for rejected input, got %d", n)
	}
}

func TestAssessPatient_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	p := f.register(t)

	res, err := f.mod.Service.AssessPatient(context.Background(), p.ID, "nurse-1", hypoxicInput())
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	if _, err := f.store.GetAssessment(context.Background(), res.Assessment.ID); err != nil {
		t.Errorf("assessment not persisted: %v", err)
	}
}

func TestTransitionPatient(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	ctx := context.Background()
	p := f.registerTriaged(t, LevelUrgent)
	asg, err := f.mod.Beds.AssignBed(ctx, p.ID, AssignOptions{})
	if err != nil || asg == nil {
		t.Fatalf("AssignBed: %v %v", asg, err)
	}

	got, err := f.mod.Service.TransitionPatient(ctx, p.ID, StatusInTreatment)
	if err != nil {
		t.Fatalf("TransitionPatient in_treatment: %v", err)
	}
	if got.Status != StatusInTreatment {
		t.Errorf("expected in_treatment, got %s", got.Status)
	}

	f.clock.Advance(2 * time.Hour)
	got, err = f.mod.Service.TransitionPatient(ctx, p.ID, StatusDischarged)
	if err != nil {
		t.Fatalf("TransitionPatient discharged: %v", err)
	}
	if got.BedID != nil || got.DischargedAt == nil {
		t.Errorf("expected discharged without a bed, got %+v", got)
	}
	bed, _ := f.store.GetBed(ctx, asg.BedID)
	if bed.Status != BedCleaning {
		t.Errorf("expected bed cleaning after discharge, got %s", bed.Status)
	}

	if _, err := f.mod.Service.TransitionPatient(ctx, p.ID, StatusTriaged); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from discharged, got %v", err)
	}
	waiting := f.register(t)
	if _, err := f.mod.Service.TransitionPatient(ctx, waiting.ID, StatusInTreatment); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from registered, got %v", err)
	}
}

func TestRecordDisposition_StartsBoarding(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	ctx := context.Background()
	p := f.registerTriaged(t, LevelEmergent)
	if _, err := f.mod.Beds.AssignBed(ctx, p.ID, AssignOptions{}); err != nil {
		t.Fatalf("AssignBed: %v", err)
	}

	if _, err := f.mod.Service.RecordDisposition(ctx, p.ID, "home"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	got, err := f.mod.Service.RecordDisposition(ctx, p.ID, DispositionAdmit)
	if err != nil {
		t.Fatalf("RecordDisposition: %v", err)
	}
	if got.Disposition == nil || *got.Disposition != DispositionAdmit {
		t.Errorf("expected admit disposition, got %v", got.Disposition)
	}

	f.clock.Advance(5 * time.Hour)
	snap, err := f.mod.Capacity.GetCapacitySnapshot(ctx)
	if err != nil {
		t.Fatalf("GetCapacitySnapshot: %v", err)
	}
	if snap.BoardingCount != 1 || snap.AvgBoardingMinutes != 300 {
		t.Errorf("expected 1 boarder at 300 minutes, got %d at %v", snap.BoardingCount, snap.AvgBoardingMinutes)
	}
}

func TestRegisterPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &Patient{MRN: "MRN-42", Status: StatusInTreatment}
	if err := f.mod.Service.RegisterPatient(ctx, p); err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}
	if p.Status != StatusRegistered || !p.ArrivedAt.Equal(testNow) {
		t.Errorf("expected registered at %v, got %s at %v", testNow, p.Status, p.ArrivedAt)
	}
	if err := f.mod.Service.RegisterPatient(ctx, &Patient{MRN: "MRN-42"}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate MRN, got %v", err)
	}
	if err := f.mod.Service.RegisterPatient(ctx, &Patient{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without MRN, got %v", err)
	}
}

func TestAssessPatient_WriteFailureLeavesNoTrace(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	p := &Patient{ID: uuid.New(), MRN: "MRN-WRITE", ArrivedAt: testNow, Status: StatusRegistered}
	if err := mem.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	events := &recordingPublisher{}
	store := &failingStatusStore{MemoryStore: mem, err: errors.New("disk full")}
	mod := NewModule(store, nil, nil, DefaultModuleConfig(), Deps{Events: events, Log: zerolog.Nop()})

	_, err := mod.Service.AssessPatient(ctx, p.ID, "nurse-1", hypoxicInput())
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if list, _ := mem.ListAssessments(ctx, p.ID); len(list) != 0 {
		t.Errorf("expected the assessment to roll back, found %d", len(list))
	}
	got, _ := mem.GetPatient(ctx, p.ID)
	if got.Status != StatusRegistered || got.Priority != nil {
		t.Errorf("expected an untouched registered patient, got status=%s priority=%v", got.Status, got.Priority)
	}
	if n := len(events.byTopic(TopicPatientTriaged)); n != 0 {
		t.Errorf("expected no triage event, got %d", n)
	}
}

func TestAssessPatient_DischargedAfterRead(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	ctx := context.Background()
	p := f.registerTriaged(t, LevelLessUrgent)

	racing := f.interleaved(func() {
		if _, err := f.mod.Service.TransitionPatient(ctx, p.ID, StatusDischarged); err != nil {
			t.Errorf("TransitionPatient: %v", err)
		}
	})
	if _, err := racing.Service.AssessPatient(ctx, p.ID, "nurse-1", hypoxicInput()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := f.store.GetPatient(ctx, p.ID)
	if got.Status != StatusDischarged {
		t.Errorf("discharge was overwritten: status %s", got.Status)
	}
	if waiting, _ := f.store.ListWaiting(ctx); len(waiting) != 0 {
		t.Errorf("discharged patient back in the queue: %d waiting", len(waiting))
	}
	if list, _ := f.store.ListAssessments(ctx, p.ID); len(list) != 0 {
		t.Errorf("expected no assessment for a discharged patient, found %d", len(list))
	}
}

func TestAssessPatient_BeddedAfterRead(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	ctx := context.Background()
	p := f.registerTriaged(t, LevelLessUrgent)

	racing := f.interleaved(func() {
		if asg, err := f.mod.Beds.AssignBed(ctx, p.ID, AssignOptions{}); err != nil || asg == nil {
			t.Errorf("AssignBed: %v %v", asg, err)
		}
	})
	res, err := racing.Service.AssessPatient(ctx, p.ID, "nurse-1", hypoxicInput())
	if err != nil {
		t.Fatalf("AssessPatient: %v", err)
	}
	if res.Placement != PlacementAlreadyBedded {
		t.Errorf("expected %s, got %s", PlacementAlreadyBedded, res.Placement)
	}
	got, _ := f.store.GetPatient(ctx, p.ID)
	if got.Status != StatusBedAssigned || got.BedID == nil {
		t.Errorf("bed assignment was reverted: status %s", got.Status)
	}
}

func TestTransitionPatient_DischargeAfterConcurrentAssignment(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	ctx := context.Background()
	p := f.registerTriaged(t, LevelUrgent)

	racing := f.interleaved(func() {
		if asg, err := f.mod.Beds.AssignBed(ctx, p.ID, AssignOptions{}); err != nil || asg == nil {
			t.Errorf("AssignBed: %v %v", asg, err)
		}
	})
	got, err := racing.Service.TransitionPatient(ctx, p.ID, StatusDischarged)
	if err != nil {
		t.Fatalf("TransitionPatient: %v", err)
	}
	if got.Status != StatusDischarged || got.BedID != nil {
		t.Errorf("expected discharged without a bed, got status=%s bed=%v", got.Status, got.BedID)
	}
	bed, _ := f.store.GetBed(ctx, "acute-1")
	if bed.Status != BedCleaning {
		t.Errorf("expected the bed to go to cleaning, got %s", bed.Status)
	}
	if _, err := f.store.ActiveAssignment(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected the assignment to end, got %v", err)
	}
}
