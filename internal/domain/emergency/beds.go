package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AssignOptions steer bed selection. RequiredSpecialty is a hard filter;
// PreferredArea only affects ranking.
type AssignOptions struct {
	PreferredArea     string `json:"preferred_area,omitempty"`
	RequiredSpecialty string `json:"required_specialty,omitempty"`
	AssignedBy        string `json:"-"`
}

type capacityInvalidator interface {
	Invalidate(ctx context.Context)
}

// Allocator matches patients to beds. Every claim goes through
// BedRepository.ReserveBed so that concurrent callers can never hand the
// same bed to two patients.
type Allocator struct {
	store    Store
	capacity capacityInvalidator
	deps     Deps
}

func NewAllocator(store Store, capacity capacityInvalidator, deps Deps) *Allocator {
	return &Allocator{store: store, capacity: capacity, deps: deps.withDefaults()}
}

// RankBeds orders candidates by exact specialty match, preferred area,
// zone, longest idle and finally id, so the order is deterministic.
func RankBeds(beds []*Bed, opts AssignOptions) []*Bed {
	ranked := append([]*Bed(nil), beds...)
	specialtyRank := func(b *Bed) int {
		if opts.RequiredSpecialty == "" {
			// Keep specialty beds free for patients who need them.
			if len(b.Specialties) == 0 {
				return 0
			}
			return 1
		}
		if len(b.Specialties) == 1 && b.Specialties[0] == opts.RequiredSpecialty {
			return 0
		}
		return 1
	}
	areaRank := func(b *Bed) int {
		if opts.PreferredArea == "" || b.Area == opts.PreferredArea {
			return 0
		}
		return 1
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if x, y := specialtyRank(a), specialtyRank(b); x != y {
			return x < y
		}
		if x, y := areaRank(a), areaRank(b); x != y {
			return x < y
		}
		if a.Zone != b.Zone {
			return a.Zone < b.Zone
		}
		if !a.StatusSince.Equal(b.StatusSince) {
			return a.StatusSince.Before(b.StatusSince)
		}
		return a.ID < b.ID
	})
	return ranked
}

// AssignBed finds and atomically claims a bed for the patient. It returns
// the existing assignment when the patient already has one, and nil with
// no error when no suitable bed is free. After a lost race it re-queries
// once; losing again yields ErrTemporarilyUnavailable.
func (a *Allocator) AssignBed(ctx context.Context, patientID uuid.UUID, opts AssignOptions) (*BedAssignment, error) {
	ctx, span := a.deps.Tracer.Start(ctx, "emergency.beds.assign")
	defer span.End()
	start := time.Now()

	p, err := a.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	if err := checkAssignable(p); err != nil {
		return nil, err
	}

	var level TriageLevel
	if p.Priority != nil {
		level = *p.Priority
	}
	if opts.PreferredArea == "" {
		opts.PreferredArea = PreferredArea(level)
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := a.store.ActiveAssignment(ctx, patientID)
		if err == nil {
			existing.TriageLevel = level
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, internal("active assignment", err)
		}

		beds, err := a.store.GetAvailableBeds(ctx, BedFilter{Specialty: opts.RequiredSpecialty})
		if err != nil {
			return nil, internal("available beds", err)
		}
		if len(beds) == 0 {
			a.deps.Metrics.IncrementCounter("bed.assignment_misses", 1, map[string]string{"area": opts.PreferredArea})
			return nil, nil
		}
		ranked := RankBeds(beds, opts)
		ids := make([]string, len(ranked))
		for i, b := range ranked {
			ids[i] = b.ID
		}

		now := a.deps.Now()
		asg := &BedAssignment{
			ID:               uuid.New(),
			PatientID:        patientID,
			TriageLevel:      level,
			AssignedAt:       now,
			AssignedBy:       opts.AssignedBy,
			EstimatedMinutes: EstimatedStayMinutes(level),
		}
		err = a.store.InTx(ctx, func(ctx context.Context) error {
			// The patient may have been discharged since the first read.
			cur, err := a.store.LockPatient(ctx, patientID)
			if err != nil {
				return err
			}
			if err := checkAssignable(cur); err != nil {
				return err
			}
			bed, err := a.store.ReserveBed(ctx, ids, asg)
			if err != nil {
				return err
			}
			return a.store.UpdatePatientLocation(ctx, patientID, &bed.ID, now)
		})
		if errors.Is(err, ErrConflict) {
			a.deps.Metrics.IncrementCounter("bed.assignment_conflicts", 1, nil)
			continue
		}
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err != nil {
			span.RecordError(err)
			return nil, internal("reserve bed", err)
		}

		a.deps.Metrics.IncrementCounter("bed.assignments", 1, map[string]string{
			"area":         asg.Area,
			"triage_level": level.String(),
		})
		a.deps.Metrics.RecordTimer("bed.assign", time.Since(start), nil)
		a.deps.Log.Info().
			Str("patient_id", patientID.String()).
			Str("bed_id", asg.BedID).
			Str("area", asg.Area).
			Msg("bed assigned")
		pid := patientID
		a.deps.publish(ctx, TopicBedAssignmentChanged, BedAssignmentEvent{
			Action:    BedActionAssigned,
			BedID:     asg.BedID,
			PatientID: &pid,
			Area:      asg.Area,
			Level:     level,
			Status:    BedOccupied,
		})
		a.capacity.Invalidate(ctx)
		return asg, nil
	}
	return nil, fmt.Errorf("%w: bed assignment lost repeated races", ErrTemporarilyUnavailable)
}

func checkAssignable(p *Patient) error {
	switch p.Status {
	case StatusTriaged, StatusBedAssigned, StatusInTreatment:
		return nil
	}
	return fmt.Errorf("%w: patient is %s", ErrInvalidTransition, p.Status)
}

// ReleaseBed ends the patient's active assignment and sends the bed to
// cleaning.
func (a *Allocator) ReleaseBed(ctx context.Context, patientID uuid.UUID) (*BedAssignment, error) {
	var ended *BedAssignment
	err := a.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		ended, err = a.store.EndAssignment(ctx, patientID, a.deps.Now())
		if err != nil {
			return err
		}
		return a.store.UpdatePatientLocation(ctx, patientID, nil, a.deps.Now())
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, internal("release bed", err)
	}
	a.afterRelease(ctx, ended)
	return ended, nil
}

func (a *Allocator) afterRelease(ctx context.Context, ended *BedAssignment) {
	pid := ended.PatientID
	a.deps.Metrics.IncrementCounter("bed.releases", 1, map[string]string{"area": ended.Area})
	a.deps.publish(ctx, TopicBedAssignmentChanged, BedAssignmentEvent{
		Action:    BedActionReleased,
		BedID:     ended.BedID,
		PatientID: &pid,
		Area:      ended.Area,
		Status:    BedCleaning,
	})
	a.capacity.Invalidate(ctx)
}

// bedTransitions lists the manual bed status changes; occupied is only
// entered through AssignBed and left through release.
var bedTransitions = map[BedStatus][]BedStatus{
	BedCleaning:     {BedAvailable, BedOutOfService},
	BedAvailable:    {BedOutOfService},
	BedOutOfService: {BedAvailable, BedCleaning},
}

// SetBedStatus applies a manual status change such as marking a cleaned
// bed ready.
func (a *Allocator) SetBedStatus(ctx context.Context, bedID string, to BedStatus) (*Bed, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown bed status %q", ErrInvalidInput, to)
	}
	bed, err := a.store.GetBed(ctx, bedID)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, s := range bedTransitions[bed.Status] {
		if s == to {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: bed %s cannot move from %s to %s", ErrInvalidTransition, bedID, bed.Status, to)
	}
	if err := a.store.SetBedStatus(ctx, bedID, bed.Status, to, a.deps.Now()); err != nil {
		return nil, err
	}
	action := BedActionStatus
	if to == BedAvailable {
		action = BedActionReady
	}
	a.deps.publish(ctx, TopicBedAssignmentChanged, BedAssignmentEvent{
		Action: action,
		BedID:  bedID,
		Area:   bed.Area,
		Status: to,
	})
	a.capacity.Invalidate(ctx)
	return a.store.GetBed(ctx, bedID)
}
