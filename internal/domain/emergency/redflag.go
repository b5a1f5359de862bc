package emergency

import (
	"sort"
	"strings"
)

var (
	strokeTerms     = []string{"stroke", "facial droop", "slurred speech", "one-sided weakness", "one sided weakness", "hemiparesis", "aphasia"}
	headInjuryTerms = []string{"head injury", "head trauma", "hit head", "hit his head", "hit her head", "fall", "fell"}
	chestPainTerms  = []string{"chest pain", "chest pressure", "chest tightness"}
	cardiacHistory  = []string{"coronary", "myocardial infarction", "heart failure", "cad", "angina", "stent", "cabg"}
	anticoagulants  = []string{"warfarin", "apixaban", "rivaroxaban", "dabigatran", "edoxaban", "heparin", "enoxaparin"}
	infectionTerms  = []string{"fever", "infection", "chills", "rigors", "cellulitis", "pneumonia", "uti", "sepsis"}
)

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func listContainsAny(list []string, terms []string) bool {
	for _, item := range list {
		if containsAny(strings.ToLower(item), terms) {
			return true
		}
	}
	return false
}

type redFlagRule func(in TriageInput, p PatientContext) []RedFlag

var redFlagRules = []redFlagRule{
	airwayRule,
	breathingRule,
	circulationRule,
	neuroRule,
	strokeRule,
	sepsisRule,
	hypertensiveRule,
	anticoagulatedHeadInjuryRule,
	cardiacChestPainRule,
}

// DetectRedFlags evaluates every rule against the presentation. Missing
// vitals never produce a flag, and a panicking rule is skipped so the
// remaining rules still run. The result is ordered HIGH first, then by
// airway, breathing, circulation, neuro, other.
func DetectRedFlags(in TriageInput, p PatientContext) []RedFlag {
	flags := []RedFlag{}
	for _, rule := range redFlagRules {
		flags = append(flags, runRule(rule, in, p)...)
	}
	sort.SliceStable(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() < b.Severity.rank()
		}
		if a.Category.rank() != b.Category.rank() {
			return a.Category.rank() < b.Category.rank()
		}
		return a.Code < b.Code
	})
	return flags
}

func runRule(rule redFlagRule, in TriageInput, p PatientContext) (out []RedFlag) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return rule(in, p)
}

func airwayRule(in TriageInput, _ PatientContext) []RedFlag {
	if !in.AirwayCompromised {
		return nil
	}
	return []RedFlag{{
		Code:              "AIRWAY_COMPROMISE",
		Category:          CategoryAirway,
		Severity:          SeverityHigh,
		Description:       "Airway compromise observed at triage",
		RecommendedAction: "Immediate airway management and resuscitation team to bedside",
	}}
}

func breathingRule(in TriageInput, _ PatientContext) []RedFlag {
	v := in.Vitals
	severe := (v.SpO2 != nil && *v.SpO2 < 90) ||
		(v.RespiratoryRate != nil && (*v.RespiratoryRate > 30 || *v.RespiratoryRate < 8))
	if severe {
		return []RedFlag{{
			Code:              "BREATHING_DIFFICULTY",
			Category:          CategoryBreathing,
			Severity:          SeverityHigh,
			Description:       "Severe respiratory compromise",
			RecommendedAction: "High-flow oxygen, continuous SpO2 monitoring and physician at bedside",
		}}
	}
	moderate := (v.SpO2 != nil && *v.SpO2 <= 93) ||
		(v.RespiratoryRate != nil && *v.RespiratoryRate >= 25)
	if moderate {
		return []RedFlag{{
			Code:              "BREATHING_DIFFICULTY",
			Category:          CategoryBreathing,
			Severity:          SeverityMedium,
			Description:       "Moderate respiratory compromise",
			RecommendedAction: "Supplemental oxygen and reassess within 15 minutes",
		}}
	}
	return nil
}

func circulationRule(in TriageInput, _ PatientContext) []RedFlag {
	var flags []RedFlag
	v := in.Vitals
	if v.SystolicBP != nil {
		sbp := *v.SystolicBP
		if sbp < 70 || (sbp < 90 && v.HeartRate != nil && *v.HeartRate > 100) {
			flags = append(flags, RedFlag{
				Code:              "CIRCULATION_SHOCK",
				Category:          CategoryCirculation,
				Severity:          SeverityHigh,
				Description:       "Hypotension consistent with shock",
				RecommendedAction: "Large-bore IV access, fluid resuscitation and physician at bedside",
			})
		}
	}
	if in.ActiveHemorrhage {
		flags = append(flags, RedFlag{
			Code:              "ACTIVE_HEMORRHAGE",
			Category:          CategoryCirculation,
			Severity:          SeverityHigh,
			Description:       "Uncontrolled bleeding",
			RecommendedAction: "Direct pressure, hemorrhage control and type and crossmatch",
		})
	}
	return flags
}

func neuroRule(in TriageInput, _ PatientContext) []RedFlag {
	v := in.Vitals
	var findings []string
	if v.GCS != nil && *v.GCS <= 12 {
		findings = append(findings, "reduced GCS")
	}
	if v.Consciousness != "" && v.Consciousness != AVPUAlert {
		findings = append(findings, "not alert on AVPU")
	}
	if v.BloodGlucose != nil && (*v.BloodGlucose < 54 || *v.BloodGlucose > 400) {
		findings = append(findings, "critical blood glucose")
	}
	if len(findings) == 0 {
		return nil
	}
	return []RedFlag{{
		Code:              "DISABILITY_NEURO",
		Category:          CategoryNeuro,
		Severity:          SeverityHigh,
		Description:       "Altered neurological status: " + strings.Join(findings, ", "),
		RecommendedAction: "Neurological checks, point-of-care glucose and physician review",
	}}
}

func strokeRule(in TriageInput, _ PatientContext) []RedFlag {
	if !containsAny(in.presentation(), strokeTerms) {
		return nil
	}
	return []RedFlag{{
		Code:              "STROKE_SYMPTOMS",
		Category:          CategoryNeuro,
		Severity:          SeverityHigh,
		Description:       "Focal neurological symptoms suggestive of stroke",
		RecommendedAction: "Activate stroke pathway and establish last-known-well time",
	}}
}

// sepsisRule fires on two or more SIRS criteria when one of them is
// temperature or the presentation mentions infection.
func sepsisRule(in TriageInput, _ PatientContext) []RedFlag {
	v := in.Vitals
	criteria := 0
	tempAbnormal := v.Temperature != nil && (*v.Temperature > 38.3 || *v.Temperature < 36)
	if tempAbnormal {
		criteria++
	}
	if v.HeartRate != nil && *v.HeartRate > 90 {
		criteria++
	}
	if v.RespiratoryRate != nil && *v.RespiratoryRate > 20 {
		criteria++
	}
	if criteria < 2 || (!tempAbnormal && !containsAny(in.presentation(), infectionTerms)) {
		return nil
	}
	return []RedFlag{{
		Code:              "SEPSIS_RISK",
		Category:          CategoryOther,
		Severity:          SeverityMedium,
		Description:       "Systemic inflammatory response with possible infection",
		RecommendedAction: "Lactate, blood cultures and sepsis screen",
	}}
}

func hypertensiveRule(in TriageInput, _ PatientContext) []RedFlag {
	v := in.Vitals
	if (v.SystolicBP == nil || *v.SystolicBP < 180) && (v.DiastolicBP == nil || *v.DiastolicBP < 120) {
		return nil
	}
	return []RedFlag{{
		Code:              "HYPERTENSIVE_CRISIS",
		Category:          CategoryCirculation,
		Severity:          SeverityMedium,
		Description:       "Severely elevated blood pressure",
		RecommendedAction: "Repeat blood pressure and screen for end-organ symptoms",
	}}
}

func anticoagulatedHeadInjuryRule(in TriageInput, p PatientContext) []RedFlag {
	if !listContainsAny(p.Medications, anticoagulants) || !containsAny(in.presentation(), headInjuryTerms) {
		return nil
	}
	return []RedFlag{{
		Code:              "ANTICOAGULATED_HEAD_INJURY",
		Category:          CategoryNeuro,
		Severity:          SeverityHigh,
		Description:       "Head injury in a patient on anticoagulation",
		RecommendedAction: "Urgent CT head and review of anticoagulation reversal",
	}}
}

func cardiacChestPainRule(in TriageInput, p PatientContext) []RedFlag {
	if !listContainsAny(p.Conditions, cardiacHistory) || !containsAny(in.presentation(), chestPainTerms) {
		return nil
	}
	return []RedFlag{{
		Code:              "CARDIAC_HISTORY_CHEST_PAIN",
		Category:          CategoryCirculation,
		Severity:          SeverityMedium,
		Description:       "Chest pain with known cardiac history",
		RecommendedAction: "12-lead ECG within 10 minutes and troponin",
	}}
}
