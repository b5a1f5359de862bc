package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/edflow/internal/platform/db"
)

// PGStore is the Postgres implementation of Store. Every statement runs on
// the transaction carried by ctx when there is one.
type PGStore struct {
	pool *pgxpool.Pool
	tx   *db.Transactor
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, tx: db.NewTransactor(pool)}
}

func (s *PGStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.InTx(ctx, fn)
}

// mapPGError translates driver errors into the package sentinels.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// =========== Patients ===========

const patientCols = `id, mrn, COALESCE(first_name, ''), COALESCE(last_name, ''), birth_date, COALESCE(sex, ''),
	conditions, medications, allergies, status, priority, bed_id, disposition,
	arrived_at, triaged_at, bed_assigned_at, disposition_at, discharged_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var status string
	var priority *int16
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex,
		&p.Conditions, &p.Medications, &p.Allergies, &status, &priority, &p.BedID, &p.Disposition,
		&p.ArrivedAt, &p.TriagedAt, &p.BedAssignedAt, &p.DispositionAt, &p.DischargedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	p.Status = PatientStatus(status)
	if priority != nil {
		lvl := TriageLevel(*priority)
		p.Priority = &lvl
	}
	return &p, nil
}

func levelParam(l *TriageLevel) *int16 {
	if l == nil {
		return nil
	}
	v := int16(*l)
	return &v
}

func (s *PGStore) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusRegistered
	}
	if p.ArrivedAt.IsZero() {
		p.ArrivedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO ed_patient (id, mrn, first_name, last_name, birth_date, sex,
			conditions, medications, allergies, status, priority, arrived_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Sex,
		nonNil(p.Conditions), nonNil(p.Medications), nonNil(p.Allergies),
		string(p.Status), levelParam(p.Priority), p.ArrivedAt)
	return mapPGError(err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PGStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(s.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM ed_patient WHERE id = $1`, id))
}

// LockPatient reads the patient with FOR UPDATE, so inside InTx the row
// stays locked until the transaction ends.
func (s *PGStore) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(s.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM ed_patient WHERE id = $1 FOR UPDATE`, id))
}

func (s *PGStore) UpdatePatientStatus(ctx context.Context, id uuid.UUID, u PatientStatusUpdate) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE ed_patient SET
			status = $2,
			priority = COALESCE($3, priority),
			triaged_at = CASE WHEN $2 = 'triaged' THEN COALESCE(triaged_at, $4) ELSE triaged_at END,
			discharged_at = CASE WHEN $2 = 'discharged' THEN $4 ELSE discharged_at END,
			bed_id = CASE WHEN $2 = 'discharged' THEN NULL ELSE bed_id END
		WHERE id = $1`,
		id, string(u.Status), levelParam(u.Priority), u.At)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdatePatientLocation(ctx context.Context, id uuid.UUID, bedID *string, at time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if bedID == nil {
		tag, err = s.conn(ctx).Exec(ctx, `UPDATE ed_patient SET bed_id = NULL WHERE id = $1`, id)
	} else {
		tag, err = s.conn(ctx).Exec(ctx, `
			UPDATE ed_patient SET bed_id = $2, bed_assigned_at = $3, status = 'bed_assigned'
			WHERE id = $1`, id, *bedID, at)
	}
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecordDisposition(ctx context.Context, id uuid.UUID, disposition string, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE ed_patient SET disposition = $2, disposition_at = $3 WHERE id = $1`, id, disposition, at)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListWaiting(ctx context.Context) ([]*Patient, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM ed_patient
		WHERE status = 'triaged' AND bed_id IS NULL
		ORDER BY priority ASC NULLS LAST, COALESCE(triaged_at, arrived_at), id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Assessments ===========

const assessmentCols = `id, patient_id, COALESCE(nurse_id, ''), supersedes_id, assessed_at, chief_complaint,
	pain_score, COALESCE(pain_location, ''), COALESCE(required_specialty, ''), level, esi_level, ctas_level,
	vitals, ai_score, red_flags, interventions, recommendations, data_quality, reassessment_due`

func scanAssessment(row pgx.Row) (*TriageAssessment, error) {
	var a TriageAssessment
	var pain *int16
	var level, esi, ctas int16
	var vitals, ai, flags, interventions, recs, quality []byte
	err := row.Scan(&a.ID, &a.PatientID, &a.NurseID, &a.SupersedesID, &a.AssessedAt, &a.ChiefComplaint,
		&pain, &a.PainLocation, &a.RequiredSpecialty, &level, &esi, &ctas,
		&vitals, &ai, &flags, &interventions, &recs, &quality, &a.ReassessmentDue)
	if err != nil {
		return nil, mapPGError(err)
	}
	if pain != nil {
		v := int(*pain)
		a.PainScore = &v
	}
	a.Level, a.ESILevel, a.CTASLevel = TriageLevel(level), TriageLevel(esi), TriageLevel(ctas)

	if err := json.Unmarshal(vitals, &a.Vitals); err != nil {
		return nil, fmt.Errorf("decode vitals: %w", err)
	}
	if len(ai) > 0 && string(ai) != "null" {
		a.AI = &AIScore{}
		if err := json.Unmarshal(ai, a.AI); err != nil {
			return nil, fmt.Errorf("decode ai_score: %w", err)
		}
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{flags, &a.RedFlags},
		{interventions, &a.Interventions},
		{recs, &a.Recommendations},
		{quality, &a.DataQuality},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode assessment column: %w", err)
		}
	}
	return &a, nil
}

func jsonParam(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *PGStore) SaveAssessment(ctx context.Context, a *TriageAssessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	params := make([]string, 6)
	values := []interface{}{a.Vitals, a.RedFlags, a.Interventions, a.Recommendations, a.DataQuality, a.AI}
	for i, v := range values {
		p, err := jsonParam(v)
		if err != nil {
			return fmt.Errorf("encode assessment: %w", err)
		}
		params[i] = p
	}
	var ai *string
	if a.AI != nil {
		ai = &params[5]
	}
	var pain *int16
	if a.PainScore != nil {
		v := int16(*a.PainScore)
		pain = &v
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO ed_triage_assessment (id, patient_id, nurse_id, supersedes_id, assessed_at, chief_complaint,
			pain_score, pain_location, required_specialty, level, esi_level, ctas_level,
			vitals, red_flags, interventions, recommendations, data_quality, ai_score, reassessment_due)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.PatientID, a.NurseID, a.SupersedesID, a.AssessedAt, a.ChiefComplaint,
		pain, a.PainLocation, a.RequiredSpecialty, int16(a.Level), int16(a.ESILevel), int16(a.CTASLevel),
		params[0], params[1], params[2], params[3], params[4], ai, a.ReassessmentDue)
	return mapPGError(err)
}

func (s *PGStore) GetAssessment(ctx context.Context, id uuid.UUID) (*TriageAssessment, error) {
	return scanAssessment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+assessmentCols+` FROM ed_triage_assessment WHERE id = $1`, id))
}

func (s *PGStore) ListAssessments(ctx context.Context, patientID uuid.UUID) ([]*TriageAssessment, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM ed_triage_assessment
		WHERE patient_id = $1 ORDER BY assessed_at DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TriageAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PGStore) LatestAssessment(ctx context.Context, patientID uuid.UUID) (*TriageAssessment, error) {
	return scanAssessment(s.conn(ctx).QueryRow(ctx, `SELECT `+assessmentCols+` FROM ed_triage_assessment
		WHERE patient_id = $1 ORDER BY assessed_at DESC, id DESC LIMIT 1`, patientID))
}

// =========== Beds ===========

const bedCols = `id, area, zone, specialties, status, status_since`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	var zone int16
	var status string
	if err := row.Scan(&b.ID, &b.Area, &zone, &b.Specialties, &status, &b.StatusSince); err != nil {
		return nil, mapPGError(err)
	}
	b.Zone = int(zone)
	b.Status = BedStatus(status)
	return &b, nil
}

func (s *PGStore) queryBeds(ctx context.Context, sql string, args ...interface{}) ([]*Bed, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (s *PGStore) GetBed(ctx context.Context, id string) (*Bed, error) {
	return scanBed(s.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM ed_bed WHERE id = $1`, id))
}

func (s *PGStore) ListBeds(ctx context.Context) ([]*Bed, error) {
	return s.queryBeds(ctx, `SELECT `+bedCols+` FROM ed_bed ORDER BY id`)
}

func (s *PGStore) GetAvailableBeds(ctx context.Context, f BedFilter) ([]*Bed, error) {
	query := `SELECT ` + bedCols + ` FROM ed_bed WHERE status = 'available'`
	var args []interface{}
	idx := 1
	if f.Area != "" {
		query += fmt.Sprintf(` AND area = $%d`, idx)
		args = append(args, f.Area)
		idx++
	}
	if f.Specialty != "" {
		query += fmt.Sprintf(` AND $%d = ANY(specialties)`, idx)
		args = append(args, f.Specialty)
	}
	return s.queryBeds(ctx, query+` ORDER BY id`, args...)
}

const assignmentCols = `id, bed_id, patient_id, area, assigned_at, COALESCE(assigned_by, ''), estimated_duration_minutes, ended_at`

func scanAssignment(row pgx.Row) (*BedAssignment, error) {
	var a BedAssignment
	err := row.Scan(&a.ID, &a.BedID, &a.PatientID, &a.Area, &a.AssignedAt, &a.AssignedBy, &a.EstimatedMinutes, &a.EndedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &a, nil
}

// ReserveBed locks the first candidate that is still available, skipping
// rows another transaction holds, so concurrent callers never claim the
// same bed.
func (s *PGStore) ReserveBed(ctx context.Context, candidates []string, a *BedAssignment) (*Bed, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var bed *Bed
	err := s.InTx(ctx, func(ctx context.Context) error {
		var err error
		bed, err = scanBed(s.conn(ctx).QueryRow(ctx, `
			WITH pick AS (
				SELECT b.id FROM ed_bed b
				JOIN unnest($1::text[]) WITH ORDINALITY AS c(id, ord) ON c.id = b.id
				WHERE b.status = 'available'
				ORDER BY c.ord
				LIMIT 1
				FOR UPDATE OF b SKIP LOCKED
			)
			UPDATE ed_bed SET status = 'occupied', status_since = $2
			FROM pick WHERE ed_bed.id = pick.id AND ed_bed.status = 'available'
			RETURNING ed_bed.id, ed_bed.area, ed_bed.zone, ed_bed.specialties, ed_bed.status, ed_bed.status_since`,
			candidates, a.AssignedAt))
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: no candidate bed is still available", ErrConflict)
		}
		if err != nil {
			return err
		}
		a.BedID, a.Area = bed.ID, bed.Area
		_, err = s.conn(ctx).Exec(ctx, `
			INSERT INTO ed_bed_assignment (id, bed_id, patient_id, area, assigned_at, assigned_by, estimated_duration_minutes)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.ID, a.BedID, a.PatientID, a.Area, a.AssignedAt, a.AssignedBy, a.EstimatedMinutes)
		return mapPGError(err)
	})
	if err != nil {
		return nil, err
	}
	return bed, nil
}

func (s *PGStore) ActiveAssignment(ctx context.Context, patientID uuid.UUID) (*BedAssignment, error) {
	return scanAssignment(s.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+` FROM ed_bed_assignment
		WHERE patient_id = $1 AND ended_at IS NULL`, patientID))
}

func (s *PGStore) EndAssignment(ctx context.Context, patientID uuid.UUID, at time.Time) (*BedAssignment, error) {
	var ended *BedAssignment
	err := s.InTx(ctx, func(ctx context.Context) error {
		var err error
		ended, err = scanAssignment(s.conn(ctx).QueryRow(ctx, `
			UPDATE ed_bed_assignment SET ended_at = $2
			WHERE patient_id = $1 AND ended_at IS NULL
			RETURNING `+assignmentCols, patientID, at))
		if err != nil {
			return err
		}
		_, err = s.conn(ctx).Exec(ctx,
			`UPDATE ed_bed SET status = 'cleaning', status_since = $2 WHERE id = $1`, ended.BedID, at)
		return mapPGError(err)
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (s *PGStore) SetBedStatus(ctx context.Context, id string, from, to BedStatus, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE ed_bed SET status = $3, status_since = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	if err := s.conn(ctx).QueryRow(ctx, `SELECT status FROM ed_bed WHERE id = $1`, id).Scan(&current); err != nil {
		return mapPGError(err)
	}
	return fmt.Errorf("%w: bed %s is %s, not %s", ErrInvalidTransition, id, current, from)
}

// =========== Census ===========

func (s *PGStore) Census(ctx context.Context, now time.Time) (*Census, error) {
	c := &Census{
		BedsByStatus:       make(map[BedStatus]int),
		TriageDistribution: make(map[TriageLevel]int),
	}

	g, gctx := errgroup.WithContext(ctx)
	if db.TxFromContext(ctx) != nil {
		// A transaction cannot run statements concurrently.
		g.SetLimit(1)
	}

	g.Go(func() error {
		rows, err := s.conn(gctx).Query(gctx, `SELECT status, COUNT(*) FROM ed_bed GROUP BY status`)
		if err != nil {
			return fmt.Errorf("bed census: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			c.BedsByStatus[BedStatus(status)] = n
		}
		return rows.Err()
	})

	g.Go(func() error {
		rows, err := s.conn(gctx).Query(gctx, `SELECT priority, COUNT(*) FROM ed_patient
			WHERE status <> 'discharged' AND priority IS NOT NULL GROUP BY priority`)
		if err != nil {
			return fmt.Errorf("triage distribution: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var level int16
			var n int
			if err := rows.Scan(&level, &n); err != nil {
				return err
			}
			c.TriageDistribution[TriageLevel(level)] = n
		}
		return rows.Err()
	})

	g.Go(func() error {
		err := s.conn(gctx).QueryRow(gctx, `
			SELECT
				COUNT(*) FILTER (WHERE status <> 'discharged'),
				COUNT(*) FILTER (WHERE status = 'triaged' AND bed_id IS NULL),
				COALESCE(AVG(CASE
					WHEN status = 'triaged' AND bed_id IS NULL
						THEN EXTRACT(EPOCH FROM ($1 - arrived_at))
					WHEN bed_assigned_at >= $2
						THEN EXTRACT(EPOCH FROM (bed_assigned_at - arrived_at))
				END), 0)::float8 / 60,
				COALESCE(AVG(EXTRACT(EPOCH FROM (discharged_at - arrived_at)))
					FILTER (WHERE discharged_at >= $3), 0)::float8 / 60,
				COUNT(*) FILTER (WHERE discharged_at >= $4),
				COUNT(*) FILTER (WHERE status <> 'discharged' AND disposition = 'admit' AND disposition_at IS NOT NULL),
				COALESCE(AVG(EXTRACT(EPOCH FROM ($1 - disposition_at)))
					FILTER (WHERE status <> 'discharged' AND disposition = 'admit' AND disposition_at IS NOT NULL), 0)::float8 / 60
			FROM ed_patient
			WHERE status <> 'discharged' OR discharged_at >= $3`,
			now, now.Add(-recentBeddingWindow), now.Add(-lengthOfStayWindow), now.Add(-throughputWindow),
		).Scan(&c.ActivePatients, &c.QueueLength, &c.AvgWaitMinutes, &c.AvgLengthOfStayMinutes,
			&c.DischargesLastHour, &c.BoardingCount, &c.AvgBoardingMinutes)
		if err != nil {
			return fmt.Errorf("patient census: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PGStore) OnDuty(ctx context.Context, now time.Time) (Staffing, error) {
	var st Staffing
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE role = 'nurse'), COUNT(*) FILTER (WHERE role = 'physician')
		FROM ed_staff_shift WHERE starts_at <= $1 AND ends_at > $1`, now).Scan(&st.Nurses, &st.Physicians)
	if err != nil {
		return Staffing{}, fmt.Errorf("staffing: %w", err)
	}
	return st, nil
}
