package emergency

import (
	"context"

	"github.com/ehr/edflow/internal/platform/aiscore"
)

// AIScorer returns an advisory severity score for a presentation.
type AIScorer interface {
	Score(ctx context.Context, in TriageInput, p PatientContext) (*AIScore, error)
}

// ModelScorer adapts the external severity model client.
type ModelScorer struct {
	client *aiscore.Client
}

func NewModelScorer(client *aiscore.Client) *ModelScorer {
	return &ModelScorer{client: client}
}

func (m *ModelScorer) Score(ctx context.Context, in TriageInput, p PatientContext) (*AIScore, error) {
	resp, err := m.client.Score(ctx, aiscore.Request{
		ChiefComplaint: in.ChiefComplaint,
		PainScore:      in.PainScore,
		Vitals:         vitalsMap(in.Vitals),
		Symptoms:       in.Symptoms,
		ArrivalMode:    in.ArrivalMode,
		AgeYears:       p.AgeYears,
		Sex:            p.Sex,
		Conditions:     p.Conditions,
		Medications:    p.Medications,
	})
	if err != nil {
		return nil, err
	}
	return &AIScore{
		Score:           resp.Score,
		Confidence:      resp.Confidence,
		Factors:         resp.Factors,
		Recommendations: resp.Recommendations,
		ModelVersion:    resp.ModelVersion,
		SuggestedLevel:  resp.SuggestedLevel,
	}, nil
}

func vitalsMap(v VitalSigns) map[string]float64 {
	out := make(map[string]float64)
	put := func(k string, p *int) {
		if p != nil {
			out[k] = float64(*p)
		}
	}
	put("heart_rate", v.HeartRate)
	put("systolic_bp", v.SystolicBP)
	put("diastolic_bp", v.DiastolicBP)
	put("respiratory_rate", v.RespiratoryRate)
	put("spo2", v.SpO2)
	put("gcs", v.GCS)
	put("blood_glucose", v.BloodGlucose)
	if v.Temperature != nil {
		out["temperature"] = *v.Temperature
	}
	return out
}
