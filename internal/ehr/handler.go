package ehr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrstore/internal/aql"
	"github.com/ehr/ehrstore/internal/platform/auth"
	"github.com/ehr/ehrstore/pkg/pagination"
)

type Handler struct {
	svc *Services
}

func NewHandler(svc *Services) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("physician", "nurse", "researcher"))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/ehr/:id", h.GetEhrRecord)
	read.POST("/query", h.ExecuteQuery)

	write := api.Group("", auth.RequireRole("physician", "nurse"))
	write.POST("/patients", h.CreatePatient)
	write.DELETE("/patients/:id", h.DeletePatient)
	write.PATCH("/patients/:id/active", h.SetPatientActive)
	write.POST("/patients/:id/ehr", h.CreateEhrRecord)
	write.POST("/patients/:id/ehr/_bulk", h.CreateEhrRecords)
	write.DELETE("/patients/:id/ehr/:rid", h.DeleteEhrRecord)
	write.POST("/patients/:id/ehr/:rid/move", h.MoveEhrRecord)
	write.PATCH("/ehr/:id/active", h.SetEhrRecordActive)
}

type createPatientRequest struct {
	RecordID string `json:"record_id"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.SavePatient(c.Request().Context(), NewPatientRecord(req.RecordID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	p := pagination.FromContext(c)
	patients, total, err := h.svc.ListPatients(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if patients == nil {
		patients = []*PatientRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, p.Limit, p.Offset))
}

func (h *Handler) GetPatient(c echo.Context) error {
	load := c.QueryParam("load") == "true"
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"), load)
	if err != nil {
		return httpError(err)
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.svc.GetPatient(ctx, c.Param("id"), false)
	if err != nil {
		return httpError(err)
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	cascade := c.QueryParam("cascade") == "true"
	if err := h.svc.DeletePatient(ctx, p, cascade); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) SetPatientActive(c echo.Context) error {
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.GetPatient(ctx, c.Param("id"), false)
	if err != nil {
		return httpError(err)
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err := h.svc.SetPatientActive(ctx, p, req.Active); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreateEhrRecord(c echo.Context) error {
	var inst ArchetypeInstance
	if err := c.Bind(&inst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if inst.ArchetypeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "archetype_id is required")
	}
	r, err := h.svc.SaveEhrRecord(c.Request().Context(), c.Param("id"), NewClinicalRecord(inst))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) CreateEhrRecords(c echo.Context) error {
	var instances []ArchetypeInstance
	if err := c.Bind(&instances); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records := make([]*ClinicalRecord, len(instances))
	for i, inst := range instances {
		if inst.ArchetypeID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "archetype_id is required")
		}
		records[i] = NewClinicalRecord(inst)
	}
	saved, err := h.svc.SaveEhrRecords(c.Request().Context(), c.Param("id"), records)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *Handler) GetEhrRecord(c echo.Context) error {
	r, err := h.svc.GetEhrRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteEhrRecord(c echo.Context) error {
	if err := h.svc.DeleteEhrRecord(c.Request().Context(), c.Param("id"), UnloadedClinicalRecord(c.Param("rid"))); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type moveEhrRecordRequest struct {
	To string `json:"to"`
}

func (h *Handler) MoveEhrRecord(c echo.Context) error {
	var req moveEhrRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to is required")
	}
	ctx := c.Request().Context()
	dest, err := h.svc.GetPatient(ctx, req.To, false)
	if err != nil {
		return httpError(err)
	}
	if dest == nil {
		return echo.NewHTTPError(http.StatusNotFound, "destination patient not found")
	}
	if err := h.svc.MoveEhrRecord(ctx, c.Param("id"), req.To, c.Param("rid")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetEhrRecordActive(c echo.Context) error {
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	r, err := h.svc.GetEhrRecord(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	if err := h.svc.SetEhrRecordActive(ctx, r, req.Active); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Query endpoint --

type queryRequest struct {
	Selection []queryVariable  `json:"selection"`
	Location  queryLocation    `json:"location"`
	Condition []queryCondition `json:"condition,omitempty"`
}

type queryVariable struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

type queryLocation struct {
	Class    queryClass   `json:"class"`
	Contains []queryClass `json:"contains,omitempty"`
}

type queryClass struct {
	ClassName   string          `json:"class_name"`
	Variable    string          `json:"variable,omitempty"`
	ArchetypeID string          `json:"archetype_id,omitempty"`
	Predicate   *queryPredicate `json:"predicate,omitempty"`
}

type queryPredicate struct {
	Left    string `json:"left"`
	Operand string `json:"operand"`
	Right   string `json:"right"`
}

// queryCondition is one slot of the alternating condition sequence:
// either an expression or a connective, never both.
type queryCondition struct {
	Expression string `json:"expression,omitempty"`
	Operator   string `json:"operator,omitempty"`
}

func (h *Handler) ExecuteQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := req.toQuery()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rs, err := h.svc.ExecuteQuery(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rs)
}

func (req *queryRequest) toQuery() (*aql.Query, error) {
	root, err := req.Location.Class.toClassExpression()
	if err != nil {
		return nil, err
	}
	q := &aql.Query{
		Selection: &aql.Selection{},
		Location:  &aql.Location{ClassExpression: root},
	}
	for _, qc := range req.Location.Contains {
		ce, err := qc.toClassExpression()
		if err != nil {
			return nil, err
		}
		q.Location.Containers = append(q.Location.Containers, &aql.Container{ClassExpression: ce})
	}
	for _, v := range req.Selection {
		q.Selection.Variables = append(q.Selection.Variables, aql.Variable{Label: v.Label, Path: v.Path})
	}
	if len(req.Condition) > 0 {
		q.Condition = &aql.Condition{}
		for _, item := range req.Condition {
			switch {
			case item.Expression != "" && item.Operator != "":
				return nil, errors.New("condition item cannot be both expression and operator")
			case item.Expression != "":
				q.Condition.Sequence = append(q.Condition.Sequence, aql.ConditionExpression{Expression: item.Expression})
			case item.Operator != "":
				q.Condition.Sequence = append(q.Condition.Sequence, aql.ConditionOperator{Op: item.Operator})
			default:
				return nil, errors.New("empty condition item")
			}
		}
	}
	return q, nil
}

func (qc *queryClass) toClassExpression() (*aql.ClassExpression, error) {
	if qc.ClassName == "" {
		return nil, errors.New("class_name is required")
	}
	ce := &aql.ClassExpression{ClassName: qc.ClassName, VariableName: qc.Variable}
	switch {
	case qc.ArchetypeID != "" && qc.Predicate != nil:
		return nil, errors.New("class takes archetype_id or predicate, not both")
	case qc.ArchetypeID != "":
		ce.Predicate = &aql.ArchetypePredicate{ArchetypeID: qc.ArchetypeID}
	case qc.Predicate != nil:
		ce.Predicate = &aql.PredicateExpression{
			LeftOperand:  qc.Predicate.Left,
			Operand:      qc.Predicate.Operand,
			RightOperand: qc.Predicate.Right,
		}
	}
	return ce, nil
}

// httpError maps service errors onto HTTP statuses. Query translation
// failures are client errors; backend availability failures are 503s.
func httpError(err error) error {
	var (
		dup       *DuplicatedKeyError
		cascade   *CascadeDeleteError
		notConn   *NotConnectedError
		badRecord *InvalidRecordTypeError
		notLinked *RecordNotLinkedError
		predicate *aql.PredicateError
		parse     *aql.ParseSimpleExpressionError
		condition *aql.ConditionError
	)
	switch {
	case errors.As(err, &dup):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &notLinked):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &cascade):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &notConn):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &badRecord),
		errors.As(err, &predicate),
		errors.As(err, &parse),
		errors.As(err, &condition),
		errors.Is(err, aql.ErrLocationRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
