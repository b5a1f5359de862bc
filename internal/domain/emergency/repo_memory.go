package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in arenas indexed by id. Mutations inside InTx
// hold the write lock for the whole transaction and are undone in reverse
// order when the transaction function fails.
type MemoryStore struct {
	mu sync.RWMutex

	patients map[uuid.UUID]*Patient

	assessments   []TriageAssessment
	assessmentIdx map[uuid.UUID]int
	byPatient     map[uuid.UUID][]int

	beds   []Bed
	bedIdx map[string]int

	assignments     []BedAssignment
	activeByBed     map[string]int
	activeByPatient map[uuid.UUID]int

	staffing Staffing
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:        make(map[uuid.UUID]*Patient),
		assessmentIdx:   make(map[uuid.UUID]int),
		byPatient:       make(map[uuid.UUID][]int),
		bedIdx:          make(map[string]int),
		activeByBed:     make(map[string]int),
		activeByPatient: make(map[uuid.UUID]int),
	}
}

// DefaultBedLayout is the bed layout seeded by the 002 migration.
func DefaultBedLayout() []Bed {
	return []Bed{
		{ID: "RESUS-1", Area: AreaResuscitation, Zone: 1, Specialties: []string{"trauma"}},
		{ID: "RESUS-2", Area: AreaResuscitation, Zone: 1},
		{ID: "ACUTE-1", Area: AreaAcute, Zone: 2, Specialties: []string{"cardiac"}},
		{ID: "ACUTE-2", Area: AreaAcute, Zone: 2},
		{ID: "ACUTE-3", Area: AreaAcute, Zone: 2},
		{ID: "ACUTE-4", Area: AreaAcute, Zone: 3},
		{ID: "PEDS-1", Area: AreaAcute, Zone: 3, Specialties: []string{"pediatric"}},
		{ID: "FT-1", Area: AreaFastTrack, Zone: 4},
		{ID: "FT-2", Area: AreaFastTrack, Zone: 4},
		{ID: "FT-3", Area: AreaFastTrack, Zone: 4},
	}
}

// SeedDefaultLayout adds the default beds as available since at.
func (s *MemoryStore) SeedDefaultLayout(at time.Time) error {
	for _, b := range DefaultBedLayout() {
		b.Status = BedAvailable
		b.StatusSince = at
		if err := s.AddBed(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) AddBed(b Bed) error {
	if b.ID == "" {
		return fmt.Errorf("%w: bed id is required", ErrInvalidInput)
	}
	if b.Status == "" {
		b.Status = BedAvailable
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: bed status %q", ErrInvalidInput, b.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bedIdx[b.ID]; ok {
		return fmt.Errorf("%w: bed %s exists", ErrConflict, b.ID)
	}
	b.Specialties = append([]string(nil), b.Specialties...)
	s.bedIdx[b.ID] = len(s.beds)
	s.beds = append(s.beds, b)
	return nil
}

func (s *MemoryStore) SetStaffing(st Staffing) {
	s.mu.Lock()
	s.staffing = st
	s.mu.Unlock()
}

type memTxKey struct{}

type memTx struct {
	store *MemoryStore
	undo  []func()
}

func (tx *memTx) onRollback(f func()) {
	if tx != nil {
		tx.undo = append(tx.undo, f)
	}
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return tx
	}
	return nil
}

// write returns the active transaction (nil outside InTx) and the function
// releasing whatever lock was taken.
func (s *MemoryStore) write(ctx context.Context) (*memTx, func()) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

func (s *MemoryStore) read(ctx context.Context) func() {
	if s.txFrom(ctx) != nil {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	rollback := func() {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()
	if err = fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		rollback()
	}
	return err
}

// -- Patients --

func clonePatient(p *Patient) *Patient {
	c := *p
	c.Conditions = append([]string(nil), p.Conditions...)
	c.Medications = append([]string(nil), p.Medications...)
	c.Allergies = append([]string(nil), p.Allergies...)
	return &c
}

func (s *MemoryStore) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusRegistered
	}
	tx, unlock := s.write(ctx)
	defer unlock()
	if _, ok := s.patients[p.ID]; ok {
		return fmt.Errorf("%w: patient %s exists", ErrConflict, p.ID)
	}
	for _, existing := range s.patients {
		if p.MRN != "" && existing.MRN == p.MRN {
			return fmt.Errorf("%w: mrn %s exists", ErrConflict, p.MRN)
		}
	}
	s.patients[p.ID] = clonePatient(p)
	id := p.ID
	tx.onRollback(func() { delete(s.patients, id) })
	return nil
}

func (s *MemoryStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	defer s.read(ctx)()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePatient(p), nil
}

// LockPatient is GetPatient; inside InTx the store-wide write lock already
// serializes the caller against every other writer.
func (s *MemoryStore) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.GetPatient(ctx, id)
}

// mutatePatient applies fn to the stored patient and registers the undo.
func (s *MemoryStore) mutatePatient(ctx context.Context, id uuid.UUID, fn func(p *Patient) error) error {
	tx, unlock := s.write(ctx)
	defer unlock()
	p, ok := s.patients[id]
	if !ok {
		return ErrNotFound
	}
	old := *p
	if err := fn(p); err != nil {
		*p = old
		return err
	}
	tx.onRollback(func() { *p = old })
	return nil
}

func (s *MemoryStore) UpdatePatientStatus(ctx context.Context, id uuid.UUID, u PatientStatusUpdate) error {
	return s.mutatePatient(ctx, id, func(p *Patient) error {
		p.Status = u.Status
		if u.Priority != nil {
			lvl := *u.Priority
			p.Priority = &lvl
		}
		at := u.At
		switch u.Status {
		case StatusTriaged:
			if p.TriagedAt == nil {
				p.TriagedAt = &at
			}
		case StatusDischarged:
			p.DischargedAt = &at
			p.BedID = nil
		}
		return nil
	})
}

func (s *MemoryStore) UpdatePatientLocation(ctx context.Context, id uuid.UUID, bedID *string, at time.Time) error {
	return s.mutatePatient(ctx, id, func(p *Patient) error {
		if bedID == nil {
			p.BedID = nil
			return nil
		}
		b := *bedID
		p.BedID = &b
		p.BedAssignedAt = &at
		p.Status = StatusBedAssigned
		return nil
	})
}

func (s *MemoryStore) RecordDisposition(ctx context.Context, id uuid.UUID, disposition string, at time.Time) error {
	return s.mutatePatient(ctx, id, func(p *Patient) error {
		d := disposition
		p.Disposition = &d
		p.DispositionAt = &at
		return nil
	})
}

func (s *MemoryStore) ListWaiting(ctx context.Context) ([]*Patient, error) {
	defer s.read(ctx)()
	var out []*Patient
	for _, p := range s.patients {
		if p.Status == StatusTriaged && p.BedID == nil {
			out = append(out, clonePatient(p))
		}
	}
	sortWaiting(out)
	return out, nil
}

func sortWaiting(ps []*Patient) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		pa, pb := priorityOrLowest(a), priorityOrLowest(b)
		if pa != pb {
			return pa < pb
		}
		ta, tb := triagedOrArrived(a), triagedOrArrived(b)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID.String() < b.ID.String()
	})
}

func priorityOrLowest(p *Patient) TriageLevel {
	if p.Priority == nil {
		return LevelNonUrgent + 1
	}
	return *p.Priority
}

func triagedOrArrived(p *Patient) time.Time {
	if p.TriagedAt != nil {
		return *p.TriagedAt
	}
	return p.ArrivedAt
}

// -- Assessments --

func cloneAssessment(a *TriageAssessment) *TriageAssessment {
	c := *a
	c.RedFlags = append([]RedFlag(nil), a.RedFlags...)
	c.Interventions = append([]string(nil), a.Interventions...)
	c.Recommendations = append([]string(nil), a.Recommendations...)
	c.DataQuality = append([]string(nil), a.DataQuality...)
	if a.AI != nil {
		ai := *a.AI
		c.AI = &ai
	}
	return &c
}

func (s *MemoryStore) SaveAssessment(ctx context.Context, a *TriageAssessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tx, unlock := s.write(ctx)
	defer unlock()
	if _, ok := s.patients[a.PatientID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.assessmentIdx[a.ID]; ok {
		return fmt.Errorf("%w: assessment %s exists", ErrConflict, a.ID)
	}

	idx := len(s.assessments)
	s.assessments = append(s.assessments, *cloneAssessment(a))
	s.assessmentIdx[a.ID] = idx
	s.byPatient[a.PatientID] = append(s.byPatient[a.PatientID], idx)

	id, pid := a.ID, a.PatientID
	tx.onRollback(func() {
		s.assessments = s.assessments[:idx]
		delete(s.assessmentIdx, id)
		list := s.byPatient[pid]
		s.byPatient[pid] = list[:len(list)-1]
	})
	return nil
}

func (s *MemoryStore) GetAssessment(ctx context.Context, id uuid.UUID) (*TriageAssessment, error) {
	defer s.read(ctx)()
	idx, ok := s.assessmentIdx[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAssessment(&s.assessments[idx]), nil
}

func (s *MemoryStore) ListAssessments(ctx context.Context, patientID uuid.UUID) ([]*TriageAssessment, error) {
	defer s.read(ctx)()
	idxs := s.byPatient[patientID]
	out := make([]*TriageAssessment, 0, len(idxs))
	for i := len(idxs) - 1; i >= 0; i-- {
		out = append(out, cloneAssessment(&s.assessments[idxs[i]]))
	}
	return out, nil
}

func (s *MemoryStore) LatestAssessment(ctx context.Context, patientID uuid.UUID) (*TriageAssessment, error) {
	defer s.read(ctx)()
	idxs := s.byPatient[patientID]
	if len(idxs) == 0 {
		return nil, ErrNotFound
	}
	return cloneAssessment(&s.assessments[idxs[len(idxs)-1]]), nil
}

// -- Beds --

func cloneBed(b *Bed) *Bed {
	c := *b
	c.Specialties = append([]string(nil), b.Specialties...)
	return &c
}

func (s *MemoryStore) GetBed(ctx context.Context, id string) (*Bed, error) {
	defer s.read(ctx)()
	idx, ok := s.bedIdx[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBed(&s.beds[idx]), nil
}

func (s *MemoryStore) ListBeds(ctx context.Context) ([]*Bed, error) {
	defer s.read(ctx)()
	out := make([]*Bed, 0, len(s.beds))
	for i := range s.beds {
		out = append(out, cloneBed(&s.beds[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAvailableBeds(ctx context.Context, f BedFilter) ([]*Bed, error) {
	defer s.read(ctx)()
	var out []*Bed
	for i := range s.beds {
		b := &s.beds[i]
		if b.Status != BedAvailable {
			continue
		}
		if f.Area != "" && b.Area != f.Area {
			continue
		}
		if f.Specialty != "" && !b.HasSpecialty(f.Specialty) {
			continue
		}
		out = append(out, cloneBed(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReserveBed(ctx context.Context, candidates []string, a *BedAssignment) (*Bed, error) {
	tx, unlock := s.write(ctx)
	defer unlock()

	if _, ok := s.activeByPatient[a.PatientID]; ok {
		return nil, fmt.Errorf("%w: patient %s already has a bed", ErrConflict, a.PatientID)
	}
	for _, id := range candidates {
		bi, ok := s.bedIdx[id]
		if !ok || s.beds[bi].Status != BedAvailable {
			continue
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		oldBed := s.beds[bi]
		s.beds[bi].Status = BedOccupied
		s.beds[bi].StatusSince = a.AssignedAt
		a.BedID = oldBed.ID
		a.Area = oldBed.Area

		ai := len(s.assignments)
		s.assignments = append(s.assignments, *a)
		s.activeByBed[a.BedID] = ai
		s.activeByPatient[a.PatientID] = ai

		bedID, pid := a.BedID, a.PatientID
		tx.onRollback(func() {
			s.beds[bi] = oldBed
			s.assignments = s.assignments[:ai]
			delete(s.activeByBed, bedID)
			delete(s.activeByPatient, pid)
		})
		return cloneBed(&s.beds[bi]), nil
	}
	return nil, fmt.Errorf("%w: no candidate bed is still available", ErrConflict)
}

func (s *MemoryStore) ActiveAssignment(ctx context.Context, patientID uuid.UUID) (*BedAssignment, error) {
	defer s.read(ctx)()
	ai, ok := s.activeByPatient[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	a := s.assignments[ai]
	return &a, nil
}

func (s *MemoryStore) EndAssignment(ctx context.Context, patientID uuid.UUID, at time.Time) (*BedAssignment, error) {
	tx, unlock := s.write(ctx)
	defer unlock()
	ai, ok := s.activeByPatient[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	oldAssignment := s.assignments[ai]
	ended := at
	s.assignments[ai].EndedAt = &ended
	delete(s.activeByPatient, patientID)
	delete(s.activeByBed, oldAssignment.BedID)

	bi, hasBed := s.bedIdx[oldAssignment.BedID]
	var oldBed Bed
	if hasBed {
		oldBed = s.beds[bi]
		s.beds[bi].Status = BedCleaning
		s.beds[bi].StatusSince = at
	}
	tx.onRollback(func() {
		s.assignments[ai] = oldAssignment
		s.activeByPatient[patientID] = ai
		s.activeByBed[oldAssignment.BedID] = ai
		if hasBed {
			s.beds[bi] = oldBed
		}
	})
	out := s.assignments[ai]
	return &out, nil
}

func (s *MemoryStore) SetBedStatus(ctx context.Context, id string, from, to BedStatus, at time.Time) error {
	tx, unlock := s.write(ctx)
	defer unlock()
	bi, ok := s.bedIdx[id]
	if !ok {
		return ErrNotFound
	}
	if s.beds[bi].Status != from {
		return fmt.Errorf("%w: bed %s is %s, not %s", ErrInvalidTransition, id, s.beds[bi].Status, from)
	}
	old := s.beds[bi]
	s.beds[bi].Status = to
	s.beds[bi].StatusSince = at
	tx.onRollback(func() { s.beds[bi] = old })
	return nil
}

// -- Census --

func (s *MemoryStore) Census(ctx context.Context, now time.Time) (*Census, error) {
	defer s.read(ctx)()
	patients := make([]*Patient, 0, len(s.patients))
	for _, p := range s.patients {
		patients = append(patients, p)
	}
	return summarizeCensus(patients, s.beds, now), nil
}

func (s *MemoryStore) OnDuty(ctx context.Context, _ time.Time) (Staffing, error) {
	defer s.read(ctx)()
	return s.staffing, nil
}

// summarizeCensus aggregates patients and beds the same way the Postgres
// census queries do.
func summarizeCensus(patients []*Patient, beds []Bed, now time.Time) *Census {
	c := &Census{
		BedsByStatus:       make(map[BedStatus]int),
		TriageDistribution: make(map[TriageLevel]int),
	}
	for i := range beds {
		c.BedsByStatus[beds[i].Status]++
	}

	var waitSum, losSum, boardSum float64
	var waitN, losN int
	for _, p := range patients {
		if p.Status != StatusDischarged {
			c.ActivePatients++
			if p.Priority != nil {
				c.TriageDistribution[*p.Priority]++
			}
		}

		waiting := p.Status == StatusTriaged && p.BedID == nil
		switch {
		case waiting:
			c.QueueLength++
			waitSum += now.Sub(p.ArrivedAt).Minutes()
			waitN++
		case p.BedAssignedAt != nil && !p.BedAssignedAt.Before(now.Add(-recentBeddingWindow)):
			waitSum += p.BedAssignedAt.Sub(p.ArrivedAt).Minutes()
			waitN++
		}

		if p.DischargedAt != nil {
			if !p.DischargedAt.Before(now.Add(-lengthOfStayWindow)) {
				losSum += p.DischargedAt.Sub(p.ArrivedAt).Minutes()
				losN++
			}
			if !p.DischargedAt.Before(now.Add(-throughputWindow)) {
				c.DischargesLastHour++
			}
		}

		if p.Status != StatusDischarged && p.Disposition != nil && *p.Disposition == DispositionAdmit && p.DispositionAt != nil {
			c.BoardingCount++
			boardSum += now.Sub(*p.DispositionAt).Minutes()
		}
	}
	if waitN > 0 {
		c.AvgWaitMinutes = waitSum / float64(waitN)
	}
	if losN > 0 {
		c.AvgLengthOfStayMinutes = losSum / float64(losN)
	}
	if c.BoardingCount > 0 {
		c.AvgBoardingMinutes = boardSum / float64(c.BoardingCount)
	}
	return c
}
