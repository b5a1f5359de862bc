package emergency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PatientStatus is the position of a patient in the ED workflow.
type PatientStatus string

const (
	StatusRegistered  PatientStatus = "registered"
	StatusTriaged     PatientStatus = "triaged"
	StatusBedAssigned PatientStatus = "bed_assigned"
	StatusInTreatment PatientStatus = "in_treatment"
	StatusDischarged  PatientStatus = "discharged"
)

func (s PatientStatus) Valid() bool {
	switch s {
	case StatusRegistered, StatusTriaged, StatusBedAssigned, StatusInTreatment, StatusDischarged:
		return true
	}
	return false
}

// HoldsBed reports whether a patient in this status occupies a bed.
func (s PatientStatus) HoldsBed() bool {
	return s == StatusBedAssigned || s == StatusInTreatment
}

// TriageLevel is the acuity on the 1 (resuscitation) to 5 (non-urgent)
// scale. Lower is more severe.
type TriageLevel int

const (
	LevelResuscitation TriageLevel = 1
	LevelEmergent      TriageLevel = 2
	LevelUrgent        TriageLevel = 3
	LevelLessUrgent    TriageLevel = 4
	LevelNonUrgent     TriageLevel = 5
)

func (l TriageLevel) Valid() bool {
	return l >= LevelResuscitation && l <= LevelNonUrgent
}

func (l TriageLevel) String() string {
	if !l.Valid() {
		return "unknown"
	}
	return fmt.Sprintf("%d", int(l))
}

func minLevel(a, b TriageLevel) TriageLevel {
	if a < b {
		return a
	}
	return b
}

type Patient struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	MRN           string        `db:"mrn" json:"mrn"`
	FirstName     string        `db:"first_name" json:"first_name,omitempty"`
	LastName      string        `db:"last_name" json:"last_name,omitempty"`
	BirthDate     *time.Time    `db:"birth_date" json:"birth_date,omitempty"`
	Sex           string        `db:"sex" json:"sex,omitempty"`
	Conditions    []string      `db:"conditions" json:"conditions,omitempty"`
	Medications   []string      `db:"medications" json:"medications,omitempty"`
	Allergies     []string      `db:"allergies" json:"allergies,omitempty"`
	Status        PatientStatus `db:"status" json:"status"`
	Priority      *TriageLevel  `db:"priority" json:"priority,omitempty"`
	BedID         *string       `db:"bed_id" json:"bed_id,omitempty"`
	Disposition   *string       `db:"disposition" json:"disposition,omitempty"`
	ArrivedAt     time.Time     `db:"arrived_at" json:"arrived_at"`
	TriagedAt     *time.Time    `db:"triaged_at" json:"triaged_at,omitempty"`
	BedAssignedAt *time.Time    `db:"bed_assigned_at" json:"bed_assigned_at,omitempty"`
	DispositionAt *time.Time    `db:"disposition_at" json:"disposition_at,omitempty"`
	DischargedAt  *time.Time    `db:"discharged_at" json:"discharged_at,omitempty"`
}

// AgeYears returns the age at now, or nil without a birth date.
func (p *Patient) AgeYears(now time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := *p.BirthDate
	age := now.Year() - b.Year()
	if now.YearDay() < b.YearDay() {
		age--
	}
	return &age
}

// PatientContext is the slice of history used by red-flag rules and the
// severity model.
type PatientContext struct {
	AgeYears    *int
	Sex         string
	Conditions  []string
	Medications []string
}

func (p *Patient) Context(now time.Time) PatientContext {
	return PatientContext{
		AgeYears:    p.AgeYears(now),
		Sex:         p.Sex,
		Conditions:  p.Conditions,
		Medications: p.Medications,
	}
}

// PatientStatusUpdate is applied by PatientRepository.UpdatePatientStatus.
// Priority nil leaves the stored priority unchanged.
type PatientStatusUpdate struct {
	Status   PatientStatus
	Priority *TriageLevel
	At       time.Time
}

// Consciousness is the AVPU scale.
type Consciousness string

const (
	AVPUAlert        Consciousness = "alert"
	AVPUVoice        Consciousness = "voice"
	AVPUPain         Consciousness = "pain"
	AVPUUnresponsive Consciousness = "unresponsive"
)

// VitalSigns are optional individually; rules skip what is missing.
type VitalSigns struct {
	HeartRate       *int          `json:"heart_rate,omitempty" validate:"omitempty,min=0,max=300"`
	SystolicBP      *int          `json:"systolic_bp,omitempty" validate:"omitempty,min=0,max=300"`
	DiastolicBP     *int          `json:"diastolic_bp,omitempty" validate:"omitempty,min=0,max=200"`
	RespiratoryRate *int          `json:"respiratory_rate,omitempty" validate:"omitempty,min=0,max=80"`
	SpO2            *int          `json:"spo2,omitempty" validate:"omitempty,min=0,max=100"`
	Temperature     *float64      `json:"temperature,omitempty" validate:"omitempty,min=20,max=45"`
	GCS             *int          `json:"gcs,omitempty" validate:"omitempty,min=3,max=15"`
	BloodGlucose    *int          `json:"blood_glucose,omitempty" validate:"omitempty,min=0,max=2000"`
	Consciousness   Consciousness `json:"consciousness,omitempty" validate:"omitempty,oneof=alert voice pain unresponsive"`
}

// MissingCritical lists the vitals needed to rule out danger-zone physiology
// that were not recorded.
func (v VitalSigns) MissingCritical() []string {
	var missing []string
	if v.HeartRate == nil {
		missing = append(missing, "heart_rate")
	}
	if v.SystolicBP == nil {
		missing = append(missing, "systolic_bp")
	}
	if v.RespiratoryRate == nil {
		missing = append(missing, "respiratory_rate")
	}
	if v.SpO2 == nil {
		missing = append(missing, "spo2")
	}
	return missing
}

// TriageInput is the raw triage presentation captured by the nurse.
type TriageInput struct {
	ChiefComplaint    string     `json:"chief_complaint" validate:"required,max=500"`
	PainScore         *int       `json:"pain_score,omitempty" validate:"omitempty,min=0,max=10"`
	PainLocation      string     `json:"pain_location,omitempty" validate:"omitempty,oneof=central peripheral"`
	Vitals            VitalSigns `json:"vitals"`
	AirwayCompromised bool       `json:"airway_compromised,omitempty"`
	ActiveHemorrhage  bool       `json:"active_hemorrhage,omitempty"`
	ArrivalMode       string     `json:"arrival_mode,omitempty" validate:"omitempty,oneof=walk_in ambulance helicopter police"`
	ExpectedResources *int       `json:"expected_resources,omitempty" validate:"omitempty,min=0,max=10"`
	Symptoms          []string   `json:"symptoms,omitempty" validate:"max=20,dive,max=100"`
	RequiredSpecialty string     `json:"required_specialty,omitempty" validate:"omitempty,max=32"`
	Note              string     `json:"note,omitempty" validate:"max=2000"`
}

// presentation is the complaint and symptoms lower-cased for keyword rules.
func (in TriageInput) presentation() string {
	parts := append([]string{in.ChiefComplaint}, in.Symptoms...)
	return strings.ToLower(strings.Join(parts, " | "))
}

type RedFlagCategory string

const (
	CategoryAirway      RedFlagCategory = "airway"
	CategoryBreathing   RedFlagCategory = "breathing"
	CategoryCirculation RedFlagCategory = "circulation"
	CategoryNeuro       RedFlagCategory = "neuro"
	CategoryOther       RedFlagCategory = "other"
)

func (c RedFlagCategory) rank() int {
	switch c {
	case CategoryAirway:
		return 0
	case CategoryBreathing:
		return 1
	case CategoryCirculation:
		return 2
	case CategoryNeuro:
		return 3
	default:
		return 4
	}
}

// IsABC reports whether the category is airway, breathing or circulation.
func (c RedFlagCategory) IsABC() bool {
	return c == CategoryAirway || c == CategoryBreathing || c == CategoryCirculation
}

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

type RedFlag struct {
	Code              string          `json:"code"`
	Category          RedFlagCategory `json:"category"`
	Severity          Severity        `json:"severity"`
	Description       string          `json:"description"`
	RecommendedAction string          `json:"recommended_action"`
}

// AIScore is the advisory output of the external severity model.
type AIScore struct {
	Score           float64  `json:"score"`
	Confidence      float64  `json:"confidence"`
	Factors         []string `json:"factors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	ModelVersion    string   `json:"model_version,omitempty"`
	SuggestedLevel  int      `json:"suggested_level,omitempty"`
}

// TriageAssessment is immutable once saved. A correction is a new
// assessment whose SupersedesID points at the previous one.
type TriageAssessment struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	PatientID         uuid.UUID   `db:"patient_id" json:"patient_id"`
	NurseID           string      `db:"nurse_id" json:"nurse_id"`
	SupersedesID      *uuid.UUID  `db:"supersedes_id" json:"supersedes_id,omitempty"`
	AssessedAt        time.Time   `db:"assessed_at" json:"assessed_at"`
	ChiefComplaint    string      `db:"chief_complaint" json:"chief_complaint"`
	PainScore         *int        `db:"pain_score" json:"pain_score,omitempty"`
	PainLocation      string      `db:"pain_location" json:"pain_location,omitempty"`
	RequiredSpecialty string      `db:"required_specialty" json:"required_specialty,omitempty"`
	Vitals            VitalSigns  `db:"vitals" json:"vitals"`
	Level             TriageLevel `db:"level" json:"level"`
	ESILevel          TriageLevel `db:"esi_level" json:"esi_level"`
	CTASLevel         TriageLevel `db:"ctas_level" json:"ctas_level"`
	AI                *AIScore    `db:"ai_score" json:"ai_score,omitempty"`
	RedFlags          []RedFlag   `db:"red_flags" json:"red_flags"`
	Interventions     []string    `db:"interventions" json:"interventions"`
	Recommendations   []string    `db:"recommendations" json:"recommendations,omitempty"`
	DataQuality       []string    `db:"data_quality" json:"data_quality,omitempty"`
	ReassessmentDue   time.Time   `db:"reassessment_due" json:"reassessment_due"`
}

func (a *TriageAssessment) HighFlags() []RedFlag {
	var out []RedFlag
	for _, f := range a.RedFlags {
		if f.Severity == SeverityHigh {
			out = append(out, f)
		}
	}
	return out
}

type BedStatus string

const (
	BedAvailable    BedStatus = "available"
	BedOccupied     BedStatus = "occupied"
	BedCleaning     BedStatus = "cleaning"
	BedOutOfService BedStatus = "out_of_service"
)

func (s BedStatus) Valid() bool {
	switch s {
	case BedAvailable, BedOccupied, BedCleaning, BedOutOfService:
		return true
	}
	return false
}

// Care areas.
const (
	AreaResuscitation = "resuscitation"
	AreaAcute         = "acute"
	AreaFastTrack     = "fast_track"
)

// PreferredArea maps a triage level to the area its patients are bedded in.
func PreferredArea(level TriageLevel) string {
	switch {
	case level == LevelResuscitation:
		return AreaResuscitation
	case level == LevelEmergent || level == LevelUrgent:
		return AreaAcute
	case level.Valid():
		return AreaFastTrack
	default:
		return ""
	}
}

type Bed struct {
	ID          string    `db:"id" json:"id"`
	Area        string    `db:"area" json:"area"`
	Zone        int       `db:"zone" json:"zone"`
	Specialties []string  `db:"specialties" json:"specialties,omitempty"`
	Status      BedStatus `db:"status" json:"status"`
	StatusSince time.Time `db:"status_since" json:"status_since"`
}

func (b *Bed) HasSpecialty(s string) bool {
	for _, have := range b.Specialties {
		if have == s {
			return true
		}
	}
	return false
}

// BedFilter narrows GetAvailableBeds. Empty fields match everything.
type BedFilter struct {
	Area      string
	Specialty string
}

type BedAssignment struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	BedID            string      `db:"bed_id" json:"bed_id"`
	PatientID        uuid.UUID   `db:"patient_id" json:"patient_id"`
	Area             string      `db:"area" json:"area"`
	TriageLevel      TriageLevel `db:"-" json:"triage_level,omitempty"`
	AssignedAt       time.Time   `db:"assigned_at" json:"assigned_at"`
	AssignedBy       string      `db:"assigned_by" json:"assigned_by"`
	EstimatedMinutes int         `db:"estimated_duration_minutes" json:"estimated_minutes"`
	EndedAt          *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
}

// EstimatedStayMinutes is the planning estimate of bed occupancy by level.
func EstimatedStayMinutes(level TriageLevel) int {
	switch level {
	case LevelResuscitation:
		return 360
	case LevelEmergent:
		return 300
	case LevelUrgent:
		return 240
	case LevelLessUrgent:
		return 120
	case LevelNonUrgent:
		return 60
	default:
		return 240
	}
}

type Staffing struct {
	Nurses     int `json:"nurses"`
	Physicians int `json:"physicians"`
}

// Census is the raw department state the capacity monitor aggregates.
type Census struct {
	BedsByStatus           map[BedStatus]int
	QueueLength            int
	ActivePatients         int
	TriageDistribution     map[TriageLevel]int
	AvgWaitMinutes         float64
	AvgLengthOfStayMinutes float64
	DischargesLastHour     int
	BoardingCount          int
	AvgBoardingMinutes     float64
}

// CapacityMetrics is a computed snapshot and is never mutated after
// creation. TotalBeds counts operational beds only, so
// OccupiedBeds + AvailableBeds == TotalBeds; cleaning and out-of-service
// beds are reported separately.
type CapacityMetrics struct {
	TotalBeds              int                 `json:"total_beds"`
	OccupiedBeds           int                 `json:"occupied_beds"`
	AvailableBeds          int                 `json:"available_beds"`
	CleaningBeds           int                 `json:"cleaning_beds"`
	OutOfServiceBeds       int                 `json:"out_of_service_beds"`
	OccupancyRate          float64             `json:"occupancy_rate"`
	QueueLength            int                 `json:"queue_length"`
	AvgWaitMinutes         float64             `json:"avg_wait_minutes"`
	AvgLengthOfStayMinutes float64             `json:"avg_length_of_stay_minutes"`
	TriageDistribution     map[TriageLevel]int `json:"triage_distribution"`
	Staffing               Staffing            `json:"staffing"`
	ActivePatients         int                 `json:"active_patients"`
	PatientsPerNurse       float64             `json:"patients_per_nurse"`
	ThroughputPerHour      int                 `json:"throughput_per_hour"`
	BoardingCount          int                 `json:"boarding_count"`
	AvgBoardingMinutes     float64             `json:"avg_boarding_minutes"`
	DivertActive           bool                `json:"divert_active"`
	ComputedAt             time.Time           `json:"computed_at"`
}

// Dispositions recorded by RecordDisposition.
const (
	DispositionAdmit     = "admit"
	DispositionTransfer  = "transfer"
	DispositionDischarge = "discharge"
)
