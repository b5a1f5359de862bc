package emergency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
)

func newTestServer(t *testing.T, f *fixture) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(auth.DevAuthMiddleware())
	f.mod.Handler.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))
	return e
}

func do(e *echo.Echo, method, path, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Dev-Role", role)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_TriageFlow(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 1)
	e := newTestServer(t, f)

	rec := do(e, http.MethodPost, "/api/v1/patients", auth.RoleNurse, `{"mrn":"MRN-100","first_name":"Ada"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p Patient
	decode(t, rec, &p)

	body := `{"chief_complaint":"vomiting","vitals":{"heart_rate":80,"systolic_bp":125,"respiratory_rate":16,"spo2":98}}`
	rec = do(e, http.MethodPost, "/api/v1/patients/"+p.ID.String()+"/triage", auth.RoleNurse, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("triage: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res AssessmentResult
	decode(t, rec, &res)
	if res.Assessment.Level != LevelUrgent || res.Placement != PlacementAssigned {
		t.Errorf("expected level 3 with a bed, got %d %s", res.Assessment.Level, res.Placement)
	}
	if res.Assessment.NurseID != "dev-user" {
		t.Errorf("expected nurse id from the caller, got %q", res.Assessment.NurseID)
	}

	rec = do(e, http.MethodGet, "/api/v1/capacity", auth.RoleBedManager, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("capacity: expected 200, got %d", rec.Code)
	}
	var snap CapacityMetrics
	decode(t, rec, &snap)
	if snap.OccupiedBeds != 1 || snap.TotalBeds != 1 {
		t.Errorf("expected one occupied bed, got %+v", snap)
	}

	rec = do(e, http.MethodGet, "/fhir/Observation?patient=Patient/"+p.ID.String(), auth.RolePhysician, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fhir search: expected 200, got %d", rec.Code)
	}
	var bundle map[string]interface{}
	decode(t, rec, &bundle)
	if bundle["resourceType"] != "Bundle" || bundle["total"] != float64(1) {
		t.Errorf("unexpected bundle %v", bundle)
	}
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	f.addBeds(t, Bed{ID: "A-1", Area: AreaAcute, Status: BedOccupied})
	waiting := f.registerTriaged(t, LevelUrgent)
	e := newTestServer(t, f)

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		body   string
		want   int
	}{
		{"bad id", http.MethodGet, "/api/v1/patients/not-a-uuid", auth.RoleNurse, "", http.StatusBadRequest},
		{"unknown patient", http.MethodGet, "/api/v1/patients/" + "00000000-0000-0000-0000-000000000001", auth.RoleNurse, "", http.StatusNotFound},
		{"bed manager cannot triage", http.MethodPost, "/api/v1/patients/" + waiting.ID.String() + "/triage", auth.RoleBedManager, `{"chief_complaint":"cough"}`, http.StatusForbidden},
		{"nurse cannot run flow", http.MethodPost, "/api/v1/flow/optimize", auth.RoleNurse, "", http.StatusForbidden},
		{"invalid triage input", http.MethodPost, "/api/v1/patients/" + waiting.ID.String() + "/triage", auth.RoleNurse, `{"chief_complaint":"cough","pain_score":14}`, http.StatusBadRequest},
		{"no bed free", http.MethodPost, "/api/v1/patients/" + waiting.ID.String() + "/bed", auth.RoleChargeNurse, `{}`, http.StatusConflict},
		{"occupied bed cannot be marked ready", http.MethodPut, "/api/v1/beds/A-1/status", auth.RoleBedManager, `{"status":"available"}`, http.StatusConflict},
		{"unknown bed", http.MethodGet, "/api/v1/beds/NOPE", auth.RoleNurse, "", http.StatusNotFound},
		{"fhir unknown location", http.MethodGet, "/fhir/Location/NOPE", auth.RoleNurse, "", http.StatusNotFound},
		{"fhir search without patient", http.MethodGet, "/fhir/Observation", auth.RoleNurse, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.role, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_FlowBusy(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f)
	f.mod.Flow.running.Store(true)
	defer f.mod.Flow.running.Store(false)

	rec := do(e, http.MethodPost, "/api/v1/flow/optimize", auth.RoleChargeNurse, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while a cycle runs, got %d", rec.Code)
	}
}

func TestHandler_FHIRCapacity(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaFastTrack, 2)
	e := newTestServer(t, f)

	rec := do(e, http.MethodGet, "/fhir/MeasureReport/ed-capacity", auth.RoleBedManager, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report map[string]interface{}
	decode(t, rec, &report)
	m, err := CapacityFromFHIR(report)
	if err != nil {
		t.Fatalf("CapacityFromFHIR: %v", err)
	}
	if m.AvailableBeds != 2 || m.TotalBeds != 2 {
		t.Errorf("expected 2 available beds, got %+v", m)
	}
}

func TestHandler_Paging(t *testing.T) {
	f := newFixture(t)
	f.addPlainBeds(t, AreaAcute, 5)
	e := newTestServer(t, f)

	rec := do(e, http.MethodGet, "/api/v1/beds?limit=2&offset=2", auth.RoleNurse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []Bed `json:"data"`
		Total   int   `json:"total"`
		HasMore bool  `json:"has_more"`
	}
	decode(t, rec, &page)
	if page.Total != 5 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("expected 2 of 5 beds with more to come, got total=%d len=%d more=%v", page.Total, len(page.Data), page.HasMore)
	}

	rec = do(e, http.MethodGet, "/fhir/Location?_count=3", auth.RoleNurse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bundle struct {
		Total int `json:"total"`
		Link  []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"link"`
		Entry []map[string]interface{} `json:"entry"`
	}
	decode(t, rec, &bundle)
	if bundle.Total != 5 || len(bundle.Entry) != 3 {
		t.Errorf("expected 3 of 5 entries, got total=%d entries=%d", bundle.Total, len(bundle.Entry))
	}
	var next string
	for _, l := range bundle.Link {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	if next != "/fhir/Location?_count=3&_offset=3" {
		t.Errorf("next link = %q", next)
	}
}
