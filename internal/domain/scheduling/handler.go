package scheduling

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/schedules", h.ListSchedules)
	api.POST("/schedules", h.CreateSchedule)
	api.GET("/schedules/:id", h.GetSchedule)
	api.POST("/schedules/:id/generate-talons", h.GenerateTalons)

	api.GET("/talons", h.ListTalons)
	api.POST("/talons", h.CreateTalon)
	api.GET("/talons/:id", h.GetTalon)
	api.POST("/talons/:id/book", h.BookTalon)
	api.POST("/talons/:id/cancel", h.CancelTalon)

	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id", h.GetDoctor)
	api.GET("/doctors/:id/talons", h.ListDoctorTalons)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, ErrScheduleNotFound), errors.Is(err, ErrDoctorNotFound), errors.Is(err, ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyBooked), errors.Is(err, ErrSlotExists):
		return http.StatusConflict
	case errors.Is(err, ErrSlotLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	code := statusOf(err)
	switch code {
	case http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		// keep driver details out of responses; the error middleware logs them
		return echo.NewHTTPError(code, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func queryDate(c echo.Context) (*time.Time, error) {
	v := c.QueryParam("date")
	if v == "" {
		return nil, nil
	}
	d, err := ParseDate(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return &d, nil
}

func slotFilter(c echo.Context) (SlotFilter, error) {
	var f SlotFilter
	var err error
	if f.DoctorID, err = queryUUID(c, "doctor_id"); err != nil {
		return f, err
	}
	if f.Date, err = queryDate(c); err != nil {
		return f, err
	}
	switch st := SlotStatus(c.QueryParam("status")); st {
	case "", SlotFree, SlotBooked:
		f.Status = st
	default:
		return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+string(st))
	}
	return f, nil
}

// -- Schedule Handlers --

type scheduleRequest struct {
	ClinicID       uuid.UUID `json:"clinic_id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	Date           string    `json:"date"`
	StartTime      string    `json:"start_time"`
	EndTime        string    `json:"end_time"`
	StartBreakTime string    `json:"start_break_time"`
	EndBreakTime   string    `json:"end_break_time"`
}

// toSchedule parses the wall-clock fields onto the date. Omitting both
// break fields declares a day without a break.
func (r scheduleRequest) toSchedule() (*Schedule, error) {
	date, err := ParseDate(r.Date)
	if err != nil {
		return nil, invalid("date", err.Error())
	}
	s := &Schedule{ClinicID: r.ClinicID, DoctorID: r.DoctorID, Date: date}
	if s.StartTime, err = ParseClock(date, r.StartTime); err != nil {
		return nil, invalid("start_time", err.Error())
	}
	if s.EndTime, err = ParseClock(date, r.EndTime); err != nil {
		return nil, invalid("end_time", err.Error())
	}
	if r.StartBreakTime == "" && r.EndBreakTime == "" {
		s.BreakStart, s.BreakEnd = s.StartTime, s.StartTime
		return s, nil
	}
	if s.BreakStart, err = ParseClock(date, r.StartBreakTime); err != nil {
		return nil, invalid("start_break_time", err.Error())
	}
	if s.BreakEnd, err = ParseClock(date, r.EndBreakTime); err != nil {
		return nil, invalid("end_break_time", err.Error())
	}
	return s, nil
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	sched, err := req.toSchedule()
	if err != nil {
		return fail(c, err)
	}
	created, err := h.svc.CreateSchedule(c.Request().Context(), sched)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"schedule":    sched,
		"talon_count": len(created),
	})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sched, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	var (
		f   ScheduleFilter
		err error
	)
	if f.DoctorID, err = queryUUID(c, "doctor_id"); err != nil {
		return err
	}
	if f.Date, err = queryDate(c); err != nil {
		return err
	}
	items, total, err := h.svc.ListSchedulesWithTalons(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type generateResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TalonCount int    `json:"talon_count"`
}

func (h *Handler) GenerateTalons(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	created, err := h.svc.GenerateTalons(c.Request().Context(), id)
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			resp := generateResponse{Success: false, Message: "internal error", TalonCount: len(created)}
			return echo.NewHTTPError(code, resp).SetInternal(err)
		}
		if code == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "1")
		}
		return c.JSON(code, generateResponse{Success: false, Message: err.Error(), TalonCount: len(created)})
	}
	return c.JSON(http.StatusOK, generateResponse{
		Success:    true,
		Message:    fmt.Sprintf("created %d talons", len(created)),
		TalonCount: len(created),
	})
}

// -- Talon Handlers --

type talonRequest struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
}

func (h *Handler) CreateTalon(c echo.Context) error {
	var req talonRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	start, err := ParseClock(date, req.StartTime)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	end, err := ParseClock(date, req.EndTime)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sl := &Slot{DoctorID: req.DoctorID, Date: date, StartTime: start, EndTime: end}
	if err := h.svc.CreateSlot(c.Request().Context(), sl); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, sl)
}

func (h *Handler) GetTalon(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sl, err := h.svc.GetSlot(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sl)
}

func (h *Handler) ListTalons(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := slotFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListSlots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) BookTalon(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sl, err := h.svc.BookSlot(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sl)
}

func (h *Handler) CancelTalon(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sl, err := h.svc.CancelSlot(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sl)
}

// -- Doctor Handlers --

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	clinicID, err := queryUUID(c, "clinic_id")
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListDoctors(c.Request().Context(), clinicID, pg.Limit, pg.Offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctorTalons(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f, err := slotFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListDoctorSlots(c.Request().Context(), id, f, pg.Limit, pg.Offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
