package emergency

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/fhir"
	"github.com/ehr/edflow/pkg/pagination"
)

type Handler struct {
	svc      *Service
	beds     *Allocator
	capacity *CapacityMonitor
	flow     *FlowOptimizer
}

func NewHandler(svc *Service, beds *Allocator, capacity *CapacityMonitor, flow *FlowOptimizer) *Handler {
	return &Handler{svc: svc, beds: beds, capacity: capacity, flow: flow}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	clinical := []string{auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician, auth.RoleBedManager}

	// Read endpoints – all ED staff
	readGroup := api.Group("", auth.RequireRole(clinical...))
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/patients/:id/assessments", h.ListAssessments)
	readGroup.GET("/assessments/:id", h.GetAssessment)
	readGroup.GET("/queue", h.WaitingQueue)
	readGroup.GET("/beds", h.ListBeds)
	readGroup.GET("/beds/:id", h.GetBed)
	readGroup.GET("/capacity", h.GetCapacity)

	// Triage and patient flow – nurses and physicians
	careGroup := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician))
	careGroup.POST("/patients", h.RegisterPatient)
	careGroup.POST("/patients/:id/triage", h.AssessPatient)
	careGroup.POST("/patients/:id/status", h.TransitionPatient)
	careGroup.POST("/patients/:id/disposition", h.RecordDisposition)

	// Bed board – charge nurses and bed managers
	bedGroup := api.Group("", auth.RequireRole(auth.RoleChargeNurse, auth.RoleBedManager))
	bedGroup.POST("/patients/:id/bed", h.AssignBed)
	bedGroup.PUT("/beds/:id/status", h.SetBedStatus)
	bedGroup.POST("/flow/optimize", h.OptimizeFlow)

	// FHIR read endpoints
	if fhirGroup != nil {
		fhirRead := fhirGroup.Group("", auth.RequireRole(clinical...))
		fhirRead.GET("/Observation", h.SearchObservationsFHIR)
		fhirRead.GET("/Observation/:id", h.GetObservationFHIR)
		fhirRead.GET("/Location", h.SearchLocationsFHIR)
		fhirRead.GET("/Location/:id", h.GetLocationFHIR)
		fhirRead.GET("/MeasureReport/ed-capacity", h.GetCapacityFHIR)
	}
}

// httpError maps domain errors onto HTTP statuses. Internal details are
// never echoed back.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrTemporarilyUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func uuidParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patients --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterPatient(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) WaitingQueue(c echo.Context) error {
	queue, err := h.svc.WaitingQueue(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(queue, pagination.FromContext(c)))
}

func (h *Handler) AssessPatient(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	var in TriageInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.AssessPatient(ctx, id, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type statusRequest struct {
	Status PatientStatus `json:"status"`
}

func (h *Handler) TransitionPatient(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.TransitionPatient(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type dispositionRequest struct {
	Disposition string `json:"disposition"`
}

func (h *Handler) RecordDisposition(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	var req dispositionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.RecordDisposition(c.Request().Context(), id, req.Disposition)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListAssessments(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAssessments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) GetAssessment(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssessment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Beds --

func (h *Handler) ListBeds(c echo.Context) error {
	beds, err := h.svc.ListBeds(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(beds, pagination.FromContext(c)))
}

func (h *Handler) GetBed(c echo.Context) error {
	b, err := h.svc.GetBed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) AssignBed(c echo.Context) error {
	id, err := uuidParam(c)
	if err != nil {
		return err
	}
	var opts AssignOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	opts.AssignedBy = auth.UserIDFromContext(ctx)
	asg, err := h.beds.AssignBed(ctx, id, opts)
	if err != nil {
		return httpError(err)
	}
	if asg == nil {
		return echo.NewHTTPError(http.StatusConflict, "no suitable bed available")
	}
	return c.JSON(http.StatusOK, asg)
}

type bedStatusRequest struct {
	Status BedStatus `json:"status"`
}

func (h *Handler) SetBedStatus(c echo.Context) error {
	var req bedStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.beds.SetBedStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Capacity and flow --

func (h *Handler) GetCapacity(c echo.Context) error {
	snap, err := h.capacity.GetCapacitySnapshot(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) OptimizeFlow(c echo.Context) error {
	res, err := h.flow.OptimizeFlow(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- FHIR Endpoints --

func fhirError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome("error", "not-found", err.Error()))
	case errors.Is(err, ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "invalid", err.Error()))
	case errors.Is(err, ErrTemporarilyUnavailable):
		return c.JSON(http.StatusServiceUnavailable, fhir.TransientOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("internal error"))
	}
}

// searchBundle pages items and renders the page as a searchset Bundle.
func searchBundle[T any](c echo.Context, items []T, toFHIR func(T) map[string]interface{}) map[string]interface{} {
	p := pagination.FromContext(c)
	page := pagination.Slice(items, p)
	entries := make([]map[string]interface{}, 0, len(page))
	for _, item := range page {
		entries = append(entries, map[string]interface{}{"resource": toFHIR(item)})
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(items),
		"link":         p.FHIRLinks(c.Request().URL.Path, c.QueryParams(), len(items)),
		"entry":        entries,
	}
}

func (h *Handler) GetObservationFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "invalid", "invalid id"))
	}
	a, err := h.svc.GetAssessment(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Observation", c.Param("id")))
		}
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, a.ToFHIR())
}

func (h *Handler) SearchObservationsFHIR(c echo.Context) error {
	ref := c.QueryParam("patient")
	if ref == "" {
		ref = c.QueryParam("subject")
	}
	if ref == "" {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "required", "patient search parameter is required"))
	}
	if _, id, err := fhir.ParseReference(ref); err == nil {
		ref = id
	}
	pid, err := uuid.Parse(ref)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "invalid", "invalid patient reference"))
	}
	items, err := h.svc.ListAssessments(c.Request().Context(), pid)
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, searchBundle(c, items, (*TriageAssessment).ToFHIR))
}

func (h *Handler) GetLocationFHIR(c echo.Context) error {
	b, err := h.svc.GetBed(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Location", c.Param("id")))
		}
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, b.ToFHIR())
}

func (h *Handler) SearchLocationsFHIR(c echo.Context) error {
	beds, err := h.svc.ListBeds(c.Request().Context())
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, searchBundle(c, beds, (*Bed).ToFHIR))
}

func (h *Handler) GetCapacityFHIR(c echo.Context) error {
	snap, err := h.capacity.GetCapacitySnapshot(c.Request().Context())
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, snap.ToFHIR())
}
