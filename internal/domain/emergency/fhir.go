package emergency

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/fhir"
)

// FHIRResource is implemented by every record exposed over the FHIR
// surface. Parsing is done by the matching XFromFHIR function.
type FHIRResource interface {
	Validate() error
	ToFHIR() map[string]interface{}
}

var (
	_ FHIRResource = (*TriageAssessment)(nil)
	_ FHIRResource = (*Bed)(nil)
	_ FHIRResource = (*CapacityMetrics)(nil)
)

const (
	extBase            = "http://ehr.org/fhir/StructureDefinition/"
	ExtRedFlag         = extBase + "ed-red-flag"
	ExtAIScore         = extBase + "ed-ai-score"
	ExtSupersedes      = extBase + "ed-supersedes"
	ExtReassessmentDue = extBase + "ed-reassessment-due"
	ExtIntervention    = extBase + "ed-intervention"
	ExtRecommendation  = extBase + "ed-recommendation"
	ExtDataQuality     = extBase + "ed-data-quality"
	ExtBedArea         = extBase + "ed-bed-area"
	ExtBedZone         = extBase + "ed-bed-zone"
	ExtBedSpecialty    = extBase + "ed-bed-specialty"
	ExtDivertActive    = extBase + "ed-divert-active"

	// SystemTriage codes the triage components and capacity measure groups.
	SystemTriage = "http://ehr.org/fhir/CodeSystem/ed-triage"
	// MeasureCapacity is the canonical measure the capacity report answers.
	MeasureCapacity = "http://ehr.org/fhir/Measure/ed-capacity"

	LOINCTriageAcuity = "75636-1"
)

type vitalCode struct {
	code, display, unit string
}

var (
	loincHeartRate   = vitalCode{"8867-4", "Heart rate", "/min"}
	loincSystolic    = vitalCode{"8480-6", "Systolic blood pressure", "mm[Hg]"}
	loincDiastolic   = vitalCode{"8462-4", "Diastolic blood pressure", "mm[Hg]"}
	loincRespRate    = vitalCode{"9279-1", "Respiratory rate", "/min"}
	loincSpO2        = vitalCode{"59408-5", "Oxygen saturation", "%"}
	loincTemperature = vitalCode{"8310-5", "Body temperature", "Cel"}
	loincGCS         = vitalCode{"9269-2", "Glasgow coma score total", "{score}"}
	loincGlucose     = vitalCode{"2339-0", "Glucose", "mg/dL"}
	loincPain        = vitalCode{"72514-3", "Pain severity 0-10", "{score}"}
	loincComplaint   = vitalCode{"8661-1", "Chief complaint", ""}
	loincAVPU        = vitalCode{"80288-4", "Level of consciousness", ""}
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

// =========== TriageAssessment <-> Observation ===========

func (a *TriageAssessment) Validate() error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.AssessedAt.IsZero() {
		return fmt.Errorf("assessed_at is required")
	}
	if a.ChiefComplaint == "" {
		return fmt.Errorf("chief_complaint is required")
	}
	for name, l := range map[string]TriageLevel{"level": a.Level, "esi_level": a.ESILevel, "ctas_level": a.CTASLevel} {
		if !l.Valid() {
			return fmt.Errorf("%s must be between 1 and 5, got %d", name, l)
		}
	}
	if a.Level > minLevel(a.ESILevel, a.CTASLevel) {
		return fmt.Errorf("level %d is less severe than its rule scores", a.Level)
	}
	for _, f := range a.RedFlags {
		if f.Code == "" {
			return fmt.Errorf("red flag code is required")
		}
		switch f.Severity {
		case SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return fmt.Errorf("red flag %s has invalid severity %q", f.Code, f.Severity)
		}
	}
	return nil
}

func quantityComponent(vc vitalCode, value float64) map[string]interface{} {
	return map[string]interface{}{
		"code": fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: vc.code, Display: vc.display}}},
		"valueQuantity": fhir.Quantity{
			Value:  value,
			Unit:   vc.unit,
			System: fhir.SystemUCUM,
			Code:   vc.unit,
		},
	}
}

func triageComponent(code string, level TriageLevel) map[string]interface{} {
	return map[string]interface{}{
		"code":         fhir.CodeableConcept{Coding: []fhir.Coding{{System: SystemTriage, Code: code}}},
		"valueInteger": int(level),
	}
}

func (a *TriageAssessment) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Observation",
		"id":           a.ID.String(),
		"status":       "final",
		"meta":         fhir.Meta{LastUpdated: a.AssessedAt},
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemObservationCat, Code: "survey", Display: "Survey"}},
		}},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: LOINCTriageAcuity, Display: "Emergency severity index"}},
			Text:   "ED triage acuity",
		},
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID.String())},
		"effectiveDateTime": a.AssessedAt.Format(time.RFC3339Nano),
		"valueInteger":      int(a.Level),
	}
	if a.NurseID != "" {
		result["performer"] = []fhir.Reference{{Reference: fhir.FormatReference("Practitioner", a.NurseID)}}
	}

	components := []map[string]interface{}{
		triageComponent("esi", a.ESILevel),
		triageComponent("ctas", a.CTASLevel),
		{
			"code":        fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: loincComplaint.code, Display: loincComplaint.display}}},
			"valueString": a.ChiefComplaint,
		},
	}
	if a.PainScore != nil {
		components = append(components, map[string]interface{}{
			"code":         fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: loincPain.code, Display: loincPain.display}}},
			"valueInteger": *a.PainScore,
		})
	}
	if a.PainLocation != "" {
		components = append(components, map[string]interface{}{
			"code":        fhir.CodeableConcept{Coding: []fhir.Coding{{System: SystemTriage, Code: "pain-location"}}},
			"valueString": a.PainLocation,
		})
	}
	v := a.Vitals
	for _, q := range []struct {
		vc  vitalCode
		val *int
	}{
		{loincHeartRate, v.HeartRate},
		{loincSystolic, v.SystolicBP},
		{loincDiastolic, v.DiastolicBP},
		{loincRespRate, v.RespiratoryRate},
		{loincSpO2, v.SpO2},
		{loincGCS, v.GCS},
		{loincGlucose, v.BloodGlucose},
	} {
		if q.val != nil {
			components = append(components, quantityComponent(q.vc, float64(*q.val)))
		}
	}
	if v.Temperature != nil {
		components = append(components, quantityComponent(loincTemperature, *v.Temperature))
	}
	if v.Consciousness != "" {
		components = append(components, map[string]interface{}{
			"code": fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: loincAVPU.code, Display: loincAVPU.display}}},
			"valueCodeableConcept": fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: SystemTriage, Code: string(v.Consciousness)}},
			},
		})
	}
	result["component"] = components

	var exts []fhir.Extension
	for _, f := range a.RedFlags {
		exts = append(exts, fhir.Extension{
			URL: ExtRedFlag,
			Extension: []fhir.Extension{
				{URL: "code", ValueCode: f.Code},
				{URL: "category", ValueCode: string(f.Category)},
				{URL: "severity", ValueCode: string(f.Severity)},
				{URL: "description", ValueString: f.Description},
				{URL: "action", ValueString: f.RecommendedAction},
			},
		})
	}
	if a.AI != nil {
		ai := fhir.Extension{
			URL: ExtAIScore,
			Extension: []fhir.Extension{
				{URL: "score", ValueDecimal: floatPtr(a.AI.Score)},
				{URL: "confidence", ValueDecimal: floatPtr(a.AI.Confidence)},
			},
		}
		if a.AI.ModelVersion != "" {
			ai.Extension = append(ai.Extension, fhir.Extension{URL: "modelVersion", ValueString: a.AI.ModelVersion})
		}
		if a.AI.SuggestedLevel != 0 {
			ai.Extension = append(ai.Extension, fhir.Extension{URL: "suggestedLevel", ValueInteger: intPtr(a.AI.SuggestedLevel)})
		}
		for _, f := range a.AI.Factors {
			ai.Extension = append(ai.Extension, fhir.Extension{URL: "factor", ValueString: f})
		}
		for _, r := range a.AI.Recommendations {
			ai.Extension = append(ai.Extension, fhir.Extension{URL: "recommendation", ValueString: r})
		}
		exts = append(exts, ai)
	}
	if a.SupersedesID != nil {
		exts = append(exts, fhir.Extension{
			URL:            ExtSupersedes,
			ValueReference: &fhir.Reference{Reference: fhir.FormatReference("Observation", a.SupersedesID.String())},
		})
	}
	exts = append(exts, fhir.Extension{URL: ExtReassessmentDue, ValueDateTime: a.ReassessmentDue.Format(time.RFC3339Nano)})
	for _, s := range a.Interventions {
		exts = append(exts, fhir.Extension{URL: ExtIntervention, ValueString: s})
	}
	for _, s := range a.Recommendations {
		exts = append(exts, fhir.Extension{URL: ExtRecommendation, ValueString: s})
	}
	for _, s := range a.DataQuality {
		exts = append(exts, fhir.Extension{URL: ExtDataQuality, ValueString: s})
	}
	result["extension"] = exts
	return result
}

// numberOf accepts the float64 produced by JSON decoding as well as Go ints
// from an in-process map.
func numberOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func mapsOf(v interface{}) []map[string]interface{} {
	items, _ := v.([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func parseTime(v interface{}) (time.Time, error) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func referenceID(v interface{}, wantType string) (string, error) {
	m, _ := v.(map[string]interface{})
	ref, _ := m["reference"].(string)
	typ, id, err := fhir.ParseReference(ref)
	if err != nil {
		return "", err
	}
	if typ != wantType {
		return "", fmt.Errorf("expected %s reference, got %s", wantType, typ)
	}
	return id, nil
}

// AssessmentFromFHIR parses an ED triage Observation.
func AssessmentFromFHIR(data map[string]interface{}) (*TriageAssessment, error) {
	if rt, _ := data["resourceType"].(string); rt != "Observation" {
		return nil, fmt.Errorf("expected Observation, got %q", rt)
	}
	a := &TriageAssessment{}
	var err error

	idStr, _ := data["id"].(string)
	if a.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid id: %w", err)
	}
	pid, err := referenceID(data["subject"], "Patient")
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if a.PatientID, err = uuid.Parse(pid); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if a.AssessedAt, err = parseTime(data["effectiveDateTime"]); err != nil {
		return nil, fmt.Errorf("effectiveDateTime: %w", err)
	}
	if n, ok := numberOf(data["valueInteger"]); ok {
		a.Level = TriageLevel(n)
	}
	if performers := mapsOf(data["performer"]); len(performers) > 0 {
		if id, err := referenceID(performers[0], "Practitioner"); err == nil {
			a.NurseID = id
		}
	}

	for _, c := range mapsOf(data["component"]) {
		concept, _ := c["code"].(map[string]interface{})
		if code := fhir.CodeOf(concept, SystemTriage); code != "" {
			switch code {
			case "esi":
				n, _ := numberOf(c["valueInteger"])
				a.ESILevel = TriageLevel(n)
			case "ctas":
				n, _ := numberOf(c["valueInteger"])
				a.CTASLevel = TriageLevel(n)
			case "pain-location":
				a.PainLocation, _ = c["valueString"].(string)
			}
			continue
		}
		code := fhir.CodeOf(concept, fhir.SystemLOINC)
		var qty float64
		if q, ok := c["valueQuantity"].(map[string]interface{}); ok {
			qty, _ = numberOf(q["value"])
		}
		setInt := func(dst **int) { v := int(qty); *dst = &v }
		switch code {
		case loincComplaint.code:
			a.ChiefComplaint, _ = c["valueString"].(string)
		case loincPain.code:
			if n, ok := numberOf(c["valueInteger"]); ok {
				a.PainScore = intPtr(int(n))
			}
		case loincHeartRate.code:
			setInt(&a.Vitals.HeartRate)
		case loincSystolic.code:
			setInt(&a.Vitals.SystolicBP)
		case loincDiastolic.code:
			setInt(&a.Vitals.DiastolicBP)
		case loincRespRate.code:
			setInt(&a.Vitals.RespiratoryRate)
		case loincSpO2.code:
			setInt(&a.Vitals.SpO2)
		case loincGCS.code:
			setInt(&a.Vitals.GCS)
		case loincGlucose.code:
			setInt(&a.Vitals.BloodGlucose)
		case loincTemperature.code:
			a.Vitals.Temperature = floatPtr(qty)
		case loincAVPU.code:
			cc, _ := c["valueCodeableConcept"].(map[string]interface{})
			a.Vitals.Consciousness = Consciousness(fhir.CodeOf(cc, SystemTriage))
		}
	}

	for _, ext := range mapsOf(data["extension"]) {
		url, _ := ext["url"].(string)
		switch url {
		case ExtRedFlag:
			var f RedFlag
			for _, sub := range mapsOf(ext["extension"]) {
				switch sub["url"] {
				case "code":
					f.Code, _ = sub["valueCode"].(string)
				case "category":
					s, _ := sub["valueCode"].(string)
					f.Category = RedFlagCategory(s)
				case "severity":
					s, _ := sub["valueCode"].(string)
					f.Severity = Severity(s)
				case "description":
					f.Description, _ = sub["valueString"].(string)
				case "action":
					f.RecommendedAction, _ = sub["valueString"].(string)
				}
			}
			a.RedFlags = append(a.RedFlags, f)
		case ExtAIScore:
			ai := &AIScore{}
			for _, sub := range mapsOf(ext["extension"]) {
				switch sub["url"] {
				case "score":
					ai.Score, _ = numberOf(sub["valueDecimal"])
				case "confidence":
					ai.Confidence, _ = numberOf(sub["valueDecimal"])
				case "modelVersion":
					ai.ModelVersion, _ = sub["valueString"].(string)
				case "suggestedLevel":
					n, _ := numberOf(sub["valueInteger"])
					ai.SuggestedLevel = int(n)
				case "factor":
					s, _ := sub["valueString"].(string)
					ai.Factors = append(ai.Factors, s)
				case "recommendation":
					s, _ := sub["valueString"].(string)
					ai.Recommendations = append(ai.Recommendations, s)
				}
			}
			a.AI = ai
		case ExtSupersedes:
			id, err := referenceID(ext["valueReference"], "Observation")
			if err != nil {
				return nil, fmt.Errorf("supersedes: %w", err)
			}
			prev, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("supersedes: %w", err)
			}
			a.SupersedesID = &prev
		case ExtReassessmentDue:
			if a.ReassessmentDue, err = parseTime(ext["valueDateTime"]); err != nil {
				return nil, fmt.Errorf("reassessment due: %w", err)
			}
		case ExtIntervention:
			s, _ := ext["valueString"].(string)
			a.Interventions = append(a.Interventions, s)
		case ExtRecommendation:
			s, _ := ext["valueString"].(string)
			a.Recommendations = append(a.Recommendations, s)
		case ExtDataQuality:
			s, _ := ext["valueString"].(string)
			a.DataQuality = append(a.DataQuality, s)
		}
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// =========== Bed <-> Location ===========

func (b *Bed) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.Area == "" {
		return fmt.Errorf("area is required")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid bed status %q", b.Status)
	}
	return nil
}

// v2-0116 bed status codes.
var bedStatusCodes = map[BedStatus]string{
	BedOccupied:     "O",
	BedAvailable:    "U",
	BedCleaning:     "K",
	BedOutOfService: "C",
}

func bedStatusFromCode(code string) BedStatus {
	for s, c := range bedStatusCodes {
		if c == code {
			return s
		}
	}
	return ""
}

func (b *Bed) ToFHIR() map[string]interface{} {
	status := "active"
	if b.Status == BedOutOfService {
		status = "suspended"
	}
	result := map[string]interface{}{
		"resourceType": "Location",
		"id":           b.ID,
		"status":       status,
		"name":         b.ID,
		"mode":         "instance",
		"meta":         fhir.Meta{LastUpdated: b.StatusSince},
		"operationalStatus": fhir.Coding{
			System:  fhir.SystemBedStatus,
			Code:    bedStatusCodes[b.Status],
			Display: string(b.Status),
		},
		"physicalType": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemLocationPhysType, Code: "bd", Display: "Bed"}},
		},
	}
	exts := []fhir.Extension{
		{URL: ExtBedArea, ValueCode: b.Area},
		{URL: ExtBedZone, ValueInteger: intPtr(b.Zone)},
	}
	for _, s := range b.Specialties {
		exts = append(exts, fhir.Extension{URL: ExtBedSpecialty, ValueCode: s})
	}
	result["extension"] = exts
	return result
}

// BedFromFHIR parses a bed Location.
func BedFromFHIR(data map[string]interface{}) (*Bed, error) {
	if rt, _ := data["resourceType"].(string); rt != "Location" {
		return nil, fmt.Errorf("expected Location, got %q", rt)
	}
	b := &Bed{}
	b.ID, _ = data["id"].(string)
	if op, ok := data["operationalStatus"].(map[string]interface{}); ok {
		code, _ := op["code"].(string)
		b.Status = bedStatusFromCode(code)
	}
	if meta, ok := data["meta"].(map[string]interface{}); ok {
		if t, err := parseTime(meta["lastUpdated"]); err == nil {
			b.StatusSince = t
		}
	}
	for _, ext := range mapsOf(data["extension"]) {
		switch ext["url"] {
		case ExtBedArea:
			b.Area, _ = ext["valueCode"].(string)
		case ExtBedZone:
			n, _ := numberOf(ext["valueInteger"])
			b.Zone = int(n)
		case ExtBedSpecialty:
			s, _ := ext["valueCode"].(string)
			b.Specialties = append(b.Specialties, s)
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// =========== CapacityMetrics <-> MeasureReport ===========

func (m *CapacityMetrics) Validate() error {
	if m.ComputedAt.IsZero() {
		return fmt.Errorf("computed_at is required")
	}
	if m.OccupiedBeds+m.AvailableBeds != m.TotalBeds {
		return fmt.Errorf("occupied %d + available %d != total %d", m.OccupiedBeds, m.AvailableBeds, m.TotalBeds)
	}
	if m.OccupancyRate < 0 || m.OccupancyRate > 1 {
		return fmt.Errorf("occupancy rate %v out of range", m.OccupancyRate)
	}
	for _, n := range []int{m.OccupiedBeds, m.AvailableBeds, m.CleaningBeds, m.OutOfServiceBeds, m.QueueLength} {
		if n < 0 {
			return fmt.Errorf("counts must not be negative")
		}
	}
	return nil
}

type population struct {
	code  string
	count int
}

func measureGroup(code string, pops []population, score *float64) map[string]interface{} {
	g := map[string]interface{}{
		"code": fhir.CodeableConcept{Coding: []fhir.Coding{{System: SystemTriage, Code: code}}},
	}
	if len(pops) > 0 {
		list := make([]map[string]interface{}, 0, len(pops))
		for _, p := range pops {
			list = append(list, map[string]interface{}{
				"code":  fhir.CodeableConcept{Coding: []fhir.Coding{{System: SystemTriage, Code: p.code}}},
				"count": p.count,
			})
		}
		g["population"] = list
	}
	if score != nil {
		g["measureScore"] = fhir.Quantity{Value: *score}
	}
	return g
}

func (m *CapacityMetrics) ToFHIR() map[string]interface{} {
	distribution := make([]population, 0, 5)
	for l := LevelResuscitation; l <= LevelNonUrgent; l++ {
		distribution = append(distribution, population{fmt.Sprintf("level-%d", l), m.TriageDistribution[l]})
	}
	at := m.ComputedAt.Format(time.RFC3339Nano)
	return map[string]interface{}{
		"resourceType": "MeasureReport",
		"id":           "ed-capacity-" + m.ComputedAt.UTC().Format("20060102T150405"),
		"status":       "complete",
		"type":         "summary",
		"measure":      MeasureCapacity,
		"date":         at,
		"period":       map[string]interface{}{"start": at, "end": at},
		"extension":    []fhir.Extension{{URL: ExtDivertActive, ValueBoolean: boolPtr(m.DivertActive)}},
		"group": []map[string]interface{}{
			measureGroup("beds", []population{
				{"total", m.TotalBeds},
				{"occupied", m.OccupiedBeds},
				{"available", m.AvailableBeds},
				{"cleaning", m.CleaningBeds},
				{"out-of-service", m.OutOfServiceBeds},
			}, floatPtr(m.OccupancyRate)),
			measureGroup("queue", []population{{"waiting", m.QueueLength}, {"active", m.ActivePatients}}, floatPtr(m.AvgWaitMinutes)),
			measureGroup("length-of-stay", nil, floatPtr(m.AvgLengthOfStayMinutes)),
			measureGroup("throughput", []population{{"discharges-last-hour", m.ThroughputPerHour}}, nil),
			measureGroup("boarding", []population{{"boarding", m.BoardingCount}}, floatPtr(m.AvgBoardingMinutes)),
			measureGroup("staffing", []population{
				{"nurses", m.Staffing.Nurses},
				{"physicians", m.Staffing.Physicians},
			}, floatPtr(m.PatientsPerNurse)),
			measureGroup("triage-distribution", distribution, nil),
		},
	}
}

// CapacityFromFHIR parses a capacity MeasureReport.
func CapacityFromFHIR(data map[string]interface{}) (*CapacityMetrics, error) {
	if rt, _ := data["resourceType"].(string); rt != "MeasureReport" {
		return nil, fmt.Errorf("expected MeasureReport, got %q", rt)
	}
	m := &CapacityMetrics{TriageDistribution: make(map[TriageLevel]int)}
	var err error
	if m.ComputedAt, err = parseTime(data["date"]); err != nil {
		return nil, fmt.Errorf("date: %w", err)
	}
	for _, ext := range mapsOf(data["extension"]) {
		if ext["url"] == ExtDivertActive {
			m.DivertActive, _ = ext["valueBoolean"].(bool)
		}
	}

	for _, g := range mapsOf(data["group"]) {
		concept, _ := g["code"].(map[string]interface{})
		counts := make(map[string]int)
		for _, p := range mapsOf(g["population"]) {
			pc, _ := p["code"].(map[string]interface{})
			n, _ := numberOf(p["count"])
			counts[fhir.CodeOf(pc, SystemTriage)] = int(n)
		}
		var score float64
		if q, ok := g["measureScore"].(map[string]interface{}); ok {
			score, _ = numberOf(q["value"])
		}

		switch fhir.CodeOf(concept, SystemTriage) {
		case "beds":
			m.TotalBeds = counts["total"]
			m.OccupiedBeds = counts["occupied"]
			m.AvailableBeds = counts["available"]
			m.CleaningBeds = counts["cleaning"]
			m.OutOfServiceBeds = counts["out-of-service"]
			m.OccupancyRate = score
		case "queue":
			m.QueueLength = counts["waiting"]
			m.ActivePatients = counts["active"]
			m.AvgWaitMinutes = score
		case "length-of-stay":
			m.AvgLengthOfStayMinutes = score
		case "throughput":
			m.ThroughputPerHour = counts["discharges-last-hour"]
		case "boarding":
			m.BoardingCount = counts["boarding"]
			m.AvgBoardingMinutes = score
		case "staffing":
			m.Staffing = Staffing{Nurses: counts["nurses"], Physicians: counts["physicians"]}
			m.PatientsPerNurse = score
		case "triage-distribution":
			for l := LevelResuscitation; l <= LevelNonUrgent; l++ {
				if n := counts[fmt.Sprintf("level-%d", l)]; n > 0 {
					m.TriageDistribution[l] = n
				}
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
