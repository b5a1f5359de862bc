package emergency

import (
	"fmt"
	"time"
)

// AIReviewThreshold is the model score at or above which a level 3-5 result
// is flagged for clinician review.
const AIReviewThreshold = 80.0

var highRiskTerms = []string{
	"chest pain", "chest pressure", "stroke", "facial droop", "slurred speech",
	"suicidal", "overdose", "anaphylaxis", "seizure", "shortness of breath",
	"ectopic", "testicular pain", "severe abdominal pain", "syncope",
}

type resourceHint struct {
	term  string
	count int
}

// resourceHints estimate the distinct ED resources (labs, imaging, IV
// medication, procedures) a complaint usually consumes.
var resourceHints = []resourceHint{
	{"abdominal pain", 2},
	{"vomiting", 2},
	{"fracture", 2},
	{"fall", 2},
	{"shortness of breath", 2},
	{"dehydration", 2},
	{"fever", 1},
	{"headache", 1},
	{"laceration", 1},
	{"sprain", 1},
	{"back pain", 1},
	{"urinary", 1},
	{"sore throat", 0},
	{"ear pain", 0},
	{"rash", 0},
	{"cough", 0},
	{"refill", 0},
	{"insect bite", 0},
	{"suture removal", 0},
	{"dental", 0},
}

// unknownComplaintResources is used when no hint matches, which keeps an
// unrecognised complaint at level 3.
const unknownComplaintResources = 2

func estimateResources(in TriageInput) int {
	if in.ExpectedResources != nil {
		return *in.ExpectedResources
	}
	text := in.presentation()
	count, matched := 0, false
	for _, h := range resourceHints {
		if containsAny(text, []string{h.term}) {
			matched = true
			if h.count > count {
				count = h.count
			}
		}
	}
	if !matched {
		count = unknownComplaintResources
	}
	if (in.ArrivalMode == "ambulance" || in.ArrivalMode == "helicopter") && count < 1 {
		count = 1
	}
	return count
}

func dangerZoneVitals(v VitalSigns) bool {
	return (v.HeartRate != nil && *v.HeartRate > 100) ||
		(v.RespiratoryRate != nil && *v.RespiratoryRate > 20) ||
		(v.SpO2 != nil && *v.SpO2 < 92)
}

// ESILevel scores the presentation with the ESI decision points: life
// threat, high risk, then expected resources. When any critical vital is
// missing the level is capped at 3 and the gap is reported.
func ESILevel(in TriageInput) (TriageLevel, []string) {
	v := in.Vitals
	var quality []string
	for _, name := range v.MissingCritical() {
		quality = append(quality, "missing "+name)
	}

	if in.AirwayCompromised || in.ActiveHemorrhage ||
		(v.GCS != nil && *v.GCS <= 8) || v.Consciousness == AVPUUnresponsive {
		return LevelResuscitation, quality
	}

	highRisk := (v.GCS != nil && *v.GCS <= 13) ||
		v.Consciousness == AVPUVoice || v.Consciousness == AVPUPain ||
		(in.PainScore != nil && *in.PainScore >= 7) ||
		containsAny(in.presentation(), highRiskTerms)
	if highRisk {
		return LevelEmergent, quality
	}

	var level TriageLevel
	switch resources := estimateResources(in); {
	case resources >= 2 && dangerZoneVitals(v):
		level = LevelEmergent
	case resources >= 2:
		level = LevelUrgent
	case resources == 1:
		level = LevelLessUrgent
	default:
		level = LevelNonUrgent
	}
	if len(quality) > 0 {
		level = minLevel(level, LevelUrgent)
	}
	return level, quality
}

// CTASLevel scores the presentation with CTAS first-order modifiers
// (consciousness, respiratory, hemodynamic, temperature, pain, glucose).
// Each modifier proposes a level and the most severe one wins.
func CTASLevel(in TriageInput) TriageLevel {
	v := in.Vitals
	level := LevelNonUrgent
	propose := func(l TriageLevel) { level = minLevel(level, l) }

	if v.GCS != nil {
		switch g := *v.GCS; {
		case g <= 9:
			propose(LevelResuscitation)
		case g <= 13:
			propose(LevelEmergent)
		}
	}
	switch v.Consciousness {
	case AVPUUnresponsive:
		propose(LevelResuscitation)
	case AVPUPain, AVPUVoice:
		propose(LevelEmergent)
	}

	if v.SpO2 != nil {
		switch s := *v.SpO2; {
		case s < 90:
			propose(LevelResuscitation)
		case s <= 92:
			propose(LevelEmergent)
		case s <= 94:
			propose(LevelUrgent)
		}
	}
	if v.RespiratoryRate != nil {
		switch r := *v.RespiratoryRate; {
		case r > 35 || r < 8:
			propose(LevelResuscitation)
		case r >= 30:
			propose(LevelEmergent)
		case r >= 25:
			propose(LevelUrgent)
		}
	}

	if v.SystolicBP != nil {
		switch s := *v.SystolicBP; {
		case s < 80:
			propose(LevelResuscitation)
		case s < 90 || s >= 220:
			propose(LevelEmergent)
		case s >= 200:
			propose(LevelUrgent)
		}
	}
	if v.DiastolicBP != nil {
		switch d := *v.DiastolicBP; {
		case d >= 130:
			propose(LevelEmergent)
		case d >= 110:
			propose(LevelUrgent)
		}
	}
	if v.HeartRate != nil {
		switch h := *v.HeartRate; {
		case h > 150 || h < 40:
			propose(LevelEmergent)
		case h >= 120:
			propose(LevelUrgent)
		}
	}

	if v.Temperature != nil {
		t := *v.Temperature
		septic := (v.HeartRate != nil && *v.HeartRate > 100) || (v.RespiratoryRate != nil && *v.RespiratoryRate > 22)
		switch {
		case t < 35:
			propose(LevelEmergent)
		case t >= 38.5 && septic:
			propose(LevelEmergent)
		case t >= 38:
			propose(LevelUrgent)
		}
	}

	if in.PainScore != nil {
		p := *in.PainScore
		peripheral := in.PainLocation == "peripheral"
		switch {
		case p >= 8 && !peripheral:
			propose(LevelEmergent)
		case p >= 8, p >= 4 && !peripheral:
			propose(LevelUrgent)
		case p >= 4, p >= 1 && !peripheral:
			propose(LevelLessUrgent)
		}
	}

	if v.BloodGlucose != nil {
		switch g := *v.BloodGlucose; {
		case g < 54:
			propose(LevelEmergent)
		case g > 400:
			propose(LevelUrgent)
		}
	}
	return level
}

// ScoreResult is the outcome of combining both rule sets, red flags and the
// advisory model score.
type ScoreResult struct {
	Level           TriageLevel
	ESILevel        TriageLevel
	CTASLevel       TriageLevel
	DataQuality     []string
	Interventions   []string
	Recommendations []string
}

// ScoreAssessment takes the most severe of the ESI and CTAS levels and then
// applies red-flag overrides: a HIGH airway, breathing or circulation flag
// forces level 1 and any other HIGH flag forces at most level 2. The model
// score never changes the level; it can only add review recommendations.
func ScoreAssessment(in TriageInput, flags []RedFlag, ai *AIScore) ScoreResult {
	esi, quality := ESILevel(in)
	ctas := CTASLevel(in)
	level := minLevel(esi, ctas)

	for _, f := range flags {
		if f.Severity != SeverityHigh {
			continue
		}
		if f.Category.IsABC() {
			level = LevelResuscitation
		} else {
			level = minLevel(level, LevelEmergent)
		}
	}

	res := ScoreResult{
		Level:       level,
		ESILevel:    esi,
		CTASLevel:   ctas,
		DataQuality: quality,
	}

	seen := make(map[string]bool)
	addIntervention := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			res.Interventions = append(res.Interventions, s)
		}
	}
	addIntervention(levelIntervention(level))
	for _, f := range flags {
		addIntervention(f.RecommendedAction)
	}

	if ai != nil {
		if ai.Score >= AIReviewThreshold && level >= LevelUrgent {
			res.Recommendations = append(res.Recommendations,
				fmt.Sprintf("Severity model score %.0f at level %d; clinician review recommended", ai.Score, level))
		} else if s := TriageLevel(ai.SuggestedLevel); s.Valid() && s < level {
			res.Recommendations = append(res.Recommendations,
				fmt.Sprintf("Severity model suggests level %d; clinician review recommended", s))
		}
		res.Recommendations = append(res.Recommendations, ai.Recommendations...)
	}
	return res
}

func levelIntervention(level TriageLevel) string {
	switch level {
	case LevelResuscitation:
		return "Resuscitation bay with continuous monitoring"
	case LevelEmergent:
		return "Physician assessment within 15 minutes"
	case LevelUrgent:
		return "Physician assessment within 30 minutes"
	case LevelLessUrgent:
		return "Physician assessment within 60 minutes"
	default:
		return "Physician assessment within 120 minutes"
	}
}

// ReassessmentInterval is how long a patient at level may wait before the
// next triage reassessment. Level 1 is due immediately.
func ReassessmentInterval(level TriageLevel) time.Duration {
	switch level {
	case LevelResuscitation:
		return 0
	case LevelEmergent:
		return 15 * time.Minute
	case LevelUrgent:
		return 30 * time.Minute
	case LevelLessUrgent:
		return 60 * time.Minute
	default:
		return 120 * time.Minute
	}
}
