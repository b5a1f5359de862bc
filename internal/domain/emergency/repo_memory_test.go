package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.AddBed(Bed{ID: "A-1", Area: AreaAcute}); err != nil {
		t.Fatalf("AddBed: %v", err)
	}
	p := &Patient{MRN: "MRN-1", ArrivedAt: testNow}
	if err := s.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.ReserveBed(ctx, []string{"A-1"}, &BedAssignment{PatientID: p.ID, AssignedAt: testNow}); err != nil {
			return err
		}
		bed := "A-1"
		if err := s.UpdatePatientLocation(ctx, p.ID, &bed, testNow); err != nil {
			return err
		}
		if err := s.SaveAssessment(ctx, &TriageAssessment{PatientID: p.ID, Level: LevelUrgent}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bed, _ := s.GetBed(ctx, "A-1")
	if bed.Status != BedAvailable {
		t.Errorf("expected bed available after rollback, got %s", bed.Status)
	}
	if _, err := s.ActiveAssignment(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no active assignment, got %v", err)
	}
	got, _ := s.GetPatient(ctx, p.ID)
	if got.Status != StatusRegistered || got.BedID != nil {
		t.Errorf("expected patient restored, got status=%s bed=%v", got.Status, got.BedID)
	}
	if list, _ := s.ListAssessments(ctx, p.ID); len(list) != 0 {
		t.Errorf("expected no assessments after rollback, got %d", len(list))
	}
}

func TestMemoryStore_InTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := &Patient{MRN: "MRN-1", ArrivedAt: testNow}
	if err := s.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = s.InTx(ctx, func(ctx context.Context) error {
			_ = s.RecordDisposition(ctx, p.ID, DispositionAdmit, testNow)
			panic("boom")
		})
	}()

	got, _ := s.GetPatient(ctx, p.ID)
	if got.Disposition != nil {
		t.Errorf("expected disposition rolled back, got %v", *got.Disposition)
	}
	// The lock must have been released.
	if err := s.RecordDisposition(ctx, p.ID, DispositionDischarge, testNow); err != nil {
		t.Fatalf("RecordDisposition after panic: %v", err)
	}
}

func TestMemoryStore_AssessmentsPersist(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := &Patient{MRN: "MRN-1", ArrivedAt: testNow}
	if err := s.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	first := &TriageAssessment{
		PatientID:      p.ID,
		AssessedAt:     testNow,
		ChiefComplaint: "chest pain",
		Level:          LevelEmergent,
		RedFlags:       []RedFlag{{Code: "X", Severity: SeverityHigh}},
		AI:             &AIScore{Score: 40},
	}
	if err := s.SaveAssessment(ctx, first); err != nil {
		t.Fatalf("SaveAssessment: %v", err)
	}
	second := &TriageAssessment{PatientID: p.ID, AssessedAt: testNow.Add(10 * time.Minute), SupersedesID: &first.ID, Level: LevelResuscitation}
	if err := s.SaveAssessment(ctx, second); err != nil {
		t.Fatalf("SaveAssessment: %v", err)
	}

	first.RedFlags[0].Code = "MUTATED"
	first.AI.Score = 99

	got, err := s.GetAssessment(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAssessment: %v", err)
	}
	if got.RedFlags[0].Code != "X" || got.AI.Score != 40 {
		t.Errorf("stored assessment shares memory with caller: %+v", got)
	}

	latest, err := s.LatestAssessment(ctx, p.ID)
	if err != nil {
		t.Fatalf("LatestAssessment: %v", err)
	}
	if latest.ID != second.ID || *latest.SupersedesID != first.ID {
		t.Errorf("expected latest to be the superseding assessment, got %+v", latest)
	}

	list, _ := s.ListAssessments(ctx, p.ID)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("expected newest first, got %d assessments", len(list))
	}

	if err := s.SaveAssessment(ctx, &TriageAssessment{PatientID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown patient, got %v", err)
	}
	if err := s.SaveAssessment(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}
}

func TestMemoryStore_ListWaitingOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	add := func(mrn string, level TriageLevel, triaged time.Time) uuid.UUID {
		p := &Patient{MRN: mrn, ArrivedAt: testNow.Add(-time.Hour)}
		if err := s.CreatePatient(ctx, p); err != nil {
			t.Fatalf("CreatePatient: %v", err)
		}
		if err := s.UpdatePatientStatus(ctx, p.ID, PatientStatusUpdate{Status: StatusTriaged, Priority: &level, At: triaged}); err != nil {
			t.Fatalf("UpdatePatientStatus: %v", err)
		}
		return p.ID
	}
	late3 := add("C", LevelUrgent, testNow)
	early3 := add("B", LevelUrgent, testNow.Add(-20*time.Minute))
	one := add("A", LevelResuscitation, testNow)
	_ = s.CreatePatient(ctx, &Patient{MRN: "untriaged", ArrivedAt: testNow})

	waiting, err := s.ListWaiting(ctx)
	if err != nil {
		t.Fatalf("ListWaiting: %v", err)
	}
	want := []uuid.UUID{one, early3, late3}
	if len(waiting) != len(want) {
		t.Fatalf("expected %d waiting, got %d", len(want), len(waiting))
	}
	for i, id := range want {
		if waiting[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, waiting[i].ID)
		}
	}
}

func TestMemoryStore_SetBedStatusChecksFrom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.AddBed(Bed{ID: "A-1", Area: AreaAcute, Status: BedCleaning}); err != nil {
		t.Fatalf("AddBed: %v", err)
	}
	if err := s.SetBedStatus(ctx, "A-1", BedAvailable, BedOutOfService, testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.SetBedStatus(ctx, "A-1", BedCleaning, BedAvailable, testNow); err != nil {
		t.Fatalf("SetBedStatus: %v", err)
	}
	if err := s.SetBedStatus(ctx, "missing", BedCleaning, BedAvailable, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.AddBed(Bed{ID: "A-1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate bed, got %v", err)
	}
}

func TestSummarizeCensus(t *testing.T) {
	lvl2, lvl4 := LevelEmergent, LevelLessUrgent
	admit := DispositionAdmit
	bedAt := testNow.Add(-30 * time.Minute)
	dispAt := testNow.Add(-5 * time.Hour)
	dischargedAt := testNow.Add(-20 * time.Minute)
	bed := "A-1"

	patients := []*Patient{
		// waiting 60 minutes
		{Status: StatusTriaged, Priority: &lvl4, ArrivedAt: testNow.Add(-time.Hour)},
		// bedded after a 90 minute wait, admitted and boarding for 5 hours
		{Status: StatusInTreatment, Priority: &lvl2, BedID: &bed, ArrivedAt: bedAt.Add(-90 * time.Minute), BedAssignedAt: &bedAt, Disposition: &admit, DispositionAt: &dispAt},
		// discharged after 3 hours
		{Status: StatusDischarged, Priority: &lvl4, ArrivedAt: dischargedAt.Add(-3 * time.Hour), DischargedAt: &dischargedAt},
		// registered four hours ago, not yet triaged: active but not queued
		{Status: StatusRegistered, ArrivedAt: testNow.Add(-4 * time.Hour)},
	}
	beds := []Bed{{Status: BedOccupied}, {Status: BedAvailable}, {Status: BedAvailable}, {Status: BedCleaning}}

	c := summarizeCensus(patients, beds, testNow)
	if c.QueueLength != 1 || c.ActivePatients != 3 {
		t.Errorf("expected queue 1 and 3 active, got %d and %d", c.QueueLength, c.ActivePatients)
	}
	if c.AvgWaitMinutes != 75 {
		t.Errorf("expected average wait 75, got %v", c.AvgWaitMinutes)
	}
	if c.AvgLengthOfStayMinutes != 180 {
		t.Errorf("expected length of stay 180, got %v", c.AvgLengthOfStayMinutes)
	}
	if c.DischargesLastHour != 1 {
		t.Errorf("expected 1 discharge, got %d", c.DischargesLastHour)
	}
	if c.BoardingCount != 1 || c.AvgBoardingMinutes != 300 {
		t.Errorf("expected 1 boarder at 300 minutes, got %d at %v", c.BoardingCount, c.AvgBoardingMinutes)
	}
	if c.BedsByStatus[BedAvailable] != 2 || c.TriageDistribution[LevelLessUrgent] != 1 {
		t.Errorf("unexpected aggregates: %+v", c)
	}
}
