package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	// LockPatient reads the patient and, inside InTx, holds it against
	// concurrent status changes until the transaction ends.
	LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	// UpdatePatientStatus sets the status. Moving to triaged stamps
	// triaged_at once; moving to discharged stamps discharged_at and clears
	// the bed.
	UpdatePatientStatus(ctx context.Context, id uuid.UUID, u PatientStatusUpdate) error
	// UpdatePatientLocation records the bed a patient now occupies and moves
	// them to bed_assigned. A nil bedID clears the location.
	UpdatePatientLocation(ctx context.Context, id uuid.UUID, bedID *string, at time.Time) error
	RecordDisposition(ctx context.Context, id uuid.UUID, disposition string, at time.Time) error
	// ListWaiting returns triaged patients without a bed, most acute first,
	// then by triage time.
	ListWaiting(ctx context.Context) ([]*Patient, error)
}

type AssessmentRepository interface {
	SaveAssessment(ctx context.Context, a *TriageAssessment) error
	GetAssessment(ctx context.Context, id uuid.UUID) (*TriageAssessment, error)
	// ListAssessments returns the patient's assessments newest first.
	ListAssessments(ctx context.Context, patientID uuid.UUID) ([]*TriageAssessment, error)
	LatestAssessment(ctx context.Context, patientID uuid.UUID) (*TriageAssessment, error)
}

type BedRepository interface {
	GetBed(ctx context.Context, id string) (*Bed, error)
	ListBeds(ctx context.Context) ([]*Bed, error)
	GetAvailableBeds(ctx context.Context, f BedFilter) ([]*Bed, error)
	// ReserveBed atomically claims the first bed in candidates that is still
	// available, marks it occupied and stores the assignment with BedID and
	// Area filled in. It returns ErrConflict when none of the candidates is
	// still available or the patient already holds an active assignment.
	ReserveBed(ctx context.Context, candidates []string, a *BedAssignment) (*Bed, error)
	ActiveAssignment(ctx context.Context, patientID uuid.UUID) (*BedAssignment, error)
	// EndAssignment closes the patient's active assignment and moves the bed
	// to cleaning.
	EndAssignment(ctx context.Context, patientID uuid.UUID, at time.Time) (*BedAssignment, error)
	// SetBedStatus moves a bed from one status to another; ErrInvalidTransition
	// when the bed is not currently in from.
	SetBedStatus(ctx context.Context, id string, from, to BedStatus, at time.Time) error
}

type CensusRepository interface {
	Census(ctx context.Context, now time.Time) (*Census, error)
}

type StaffingProvider interface {
	OnDuty(ctx context.Context, now time.Time) (Staffing, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is everything the ED services need from persistence.
type Store interface {
	PatientRepository
	AssessmentRepository
	BedRepository
	CensusRepository
	StaffingProvider
	Transactor
}

// Census aggregation windows.
const (
	recentBeddingWindow = 4 * time.Hour
	lengthOfStayWindow  = 24 * time.Hour
	throughputWindow    = time.Hour
)
