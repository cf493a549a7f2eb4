package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// lockFailStore fails every lock scope with err.
type lockFailStore struct {
	SlotStore
	err error
}

func (s *lockFailStore) LockForUpdate(context.Context, uuid.UUID, func(context.Context, *Slot) error) (*Slot, error) {
	return nil, s.err
}

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func newRequest(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id string) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func scheduleBody(env *testEnv, extra string) string {
	return `{"clinic_id":"` + env.clinic.String() + `","doctor_id":"` + env.doctor.ID.String() +
		`","date":"2025-03-10","start_time":"09:00","end_time":"12:00"` + extra + `}`
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{invalid("date", "is required"), http.StatusBadRequest},
		{ErrScheduleNotFound, http.StatusNotFound},
		{ErrDoctorNotFound, http.StatusNotFound},
		{ErrSlotNotFound, http.StatusNotFound},
		{ErrAlreadyBooked, http.StatusConflict},
		{ErrSlotExists, http.StatusConflict},
		{ErrSlotLockTimeout, http.StatusServiceUnavailable},
		{storageErr("query", errors.New("boom")), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// -- Schedules --

func TestHandler_CreateSchedule(t *testing.T) {
	h, env, e := newTestHandler()
	c, rec := newRequest(e, http.MethodPost, "/", scheduleBody(env, `,"start_break_time":"10:30","end_break_time":"11:00"`))

	if err := h.CreateSchedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp struct {
		Schedule   Schedule `json:"schedule"`
		TalonCount int      `json:"talon_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TalonCount != 5 {
		t.Errorf("expected 5 talons, got %d", resp.TalonCount)
	}
	if resp.Schedule.ID == uuid.Nil {
		t.Error("expected schedule id in response")
	}
}

func TestHandler_CreateSchedule_NoBreak(t *testing.T) {
	h, env, e := newTestHandler()
	c, rec := newRequest(e, http.MethodPost, "/", scheduleBody(env, ""))

	if err := h.CreateSchedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"talon_count":6`) {
		t.Errorf("expected 6 talons without a break, got %s", rec.Body.String())
	}
}

func TestHandler_CreateSchedule_BadRequest(t *testing.T) {
	h, env, e := newTestHandler()
	bodies := map[string]string{
		"bad date":     `{"doctor_id":"` + env.doctor.ID.String() + `","date":"10.03.2025","start_time":"09:00","end_time":"12:00"}`,
		"bad clock":    `{"doctor_id":"` + env.doctor.ID.String() + `","date":"2025-03-10","start_time":"9am","end_time":"12:00"}`,
		"half a break": scheduleBody(env, `,"start_break_time":"10:30"`),
		"reversed":     `{"doctor_id":"` + env.doctor.ID.String() + `","date":"2025-03-10","start_time":"12:00","end_time":"09:00"}`,
		"malformed":    `{"doctor_id":`,
		"no clinic":    `{"doctor_id":"` + env.doctor.ID.String() + `","date":"2025-03-10","start_time":"09:00","end_time":"12:00"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, _ := newRequest(e, http.MethodPost, "/", body)
			if code := httpCode(t, h.CreateSchedule(c)); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestHandler_GetSchedule(t *testing.T) {
	h, env, e := newTestHandler()
	sched := env.schedule()
	_ = env.schedules.Create(context.Background(), sched)

	c, rec := newRequest(e, http.MethodGet, "/", "")
	if err := h.GetSchedule(withID(c, sched.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newRequest(e, http.MethodGet, "/", "")
	if code := httpCode(t, h.GetSchedule(withID(c, uuid.New().String()))); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, _ = newRequest(e, http.MethodGet, "/", "")
	if code := httpCode(t, h.GetSchedule(withID(c, "not-a-uuid"))); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListSchedules(t *testing.T) {
	h, env, e := newTestHandler()
	if _, err := env.svc.CreateSchedule(context.Background(), env.schedule()); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	c, rec := newRequest(e, http.MethodGet, "/?doctor_id="+env.doctor.ID.String()+"&date=2025-03-10", "")
	if err := h.ListSchedules(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []ScheduleTalons `json:"data"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || len(resp.Data[0].Talons) != 5 {
		t.Errorf("unexpected listing: %s", rec.Body.String())
	}
}

func TestHandler_GenerateTalons(t *testing.T) {
	h, env, e := newTestHandler()
	sched := env.schedule()
	_ = env.schedules.Create(context.Background(), sched)

	c, rec := newRequest(e, http.MethodPost, "/", "")
	if err := h.GenerateTalons(withID(c, sched.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.TalonCount != 5 || resp.Message != "created 5 talons" {
		t.Errorf("unexpected response: %+v", resp)
	}

	// second run is a no-op
	c, rec = newRequest(e, http.MethodPost, "/", "")
	_ = h.GenerateTalons(withID(c, sched.ID.String()))
	if !strings.Contains(rec.Body.String(), `"talon_count":0`) {
		t.Errorf("expected no new talons, got %s", rec.Body.String())
	}
}

func TestHandler_GenerateTalons_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := newRequest(e, http.MethodPost, "/", "")

	if err := h.GenerateTalons(withID(c, uuid.New().String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var resp generateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success {
		t.Error("expected success=false")
	}
}

func TestHandler_GenerateTalons_StorageFailureHidesCause(t *testing.T) {
	flaky := &flakyStore{SlotStore: NewMemorySlotStore(), failAfter: 1}
	env := newTestEnvWithStore(flaky)
	h, e := NewHandler(env.svc), echo.New()
	sched := env.schedule()
	_ = env.schedules.Create(context.Background(), sched)

	c, _ := newRequest(e, http.MethodPost, "/", "")
	err := h.GenerateTalons(withID(c, sched.ID.String()))
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", he.Code)
	}
	if !errors.Is(he.Internal, errDiskFull) {
		t.Errorf("expected the storage cause to travel as the internal error, got %v", he.Internal)
	}

	// the error handler renders the partial count without the cause
	env = newTestEnvWithStore(&flakyStore{SlotStore: NewMemorySlotStore(), failAfter: 1})
	h, e = NewHandler(env.svc), echo.New()
	sched = env.schedule()
	_ = env.schedules.Create(context.Background(), sched)

	e.POST("/schedules/:id/generate-talons", h.GenerateTalons)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/schedules/"+sched.ID.String()+"/generate-talons", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var resp generateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Message != "internal error" || resp.TalonCount != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Error("driver error leaked into response")
	}
}

// -- Talons --

func TestHandler_CreateTalon(t *testing.T) {
	h, env, e := newTestHandler()
	body := `{"doctor_id":"` + env.doctor.ID.String() + `","date":"2025-03-10","start_time":"15:00","end_time":"15:20"}`

	c, rec := newRequest(e, http.MethodPost, "/", body)
	if err := h.CreateTalon(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c, _ = newRequest(e, http.MethodPost, "/", body)
	if code := httpCode(t, h.CreateTalon(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", code)
	}
}

func TestHandler_BookTalon(t *testing.T) {
	h, env, e := newTestHandler()
	created, _ := env.svc.MaterializeSchedule(context.Background(), env.definition())
	id := created[0].ID.String()

	c, rec := newRequest(e, http.MethodPost, "/", "")
	if err := h.BookTalon(withID(c, id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sl Slot
	if err := json.Unmarshal(rec.Body.Bytes(), &sl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sl.Status != SlotBooked {
		t.Errorf("expected booked, got %s", sl.Status)
	}

	c, _ = newRequest(e, http.MethodPost, "/", "")
	if code := httpCode(t, h.BookTalon(withID(c, id))); code != http.StatusConflict {
		t.Errorf("expected 409 on second booking, got %d", code)
	}

	c, rec = newRequest(e, http.MethodPost, "/", "")
	if err := h.CancelTalon(withID(c, id)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"free"`) {
		t.Errorf("expected free after cancel, got %s", rec.Body.String())
	}
}

func TestHandler_BookTalon_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := newRequest(e, http.MethodPost, "/", "")
	if code := httpCode(t, h.BookTalon(withID(c, uuid.New().String()))); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_BookTalon_LockTimeout(t *testing.T) {
	env := newTestEnvWithStore(&lockFailStore{SlotStore: NewMemorySlotStore(), err: ErrSlotLockTimeout})
	h, e := NewHandler(env.svc), echo.New()

	c, rec := newRequest(e, http.MethodPost, "/", "")
	err := h.BookTalon(withID(c, uuid.New().String()))
	if code := httpCode(t, err); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After header")
	}
}

func TestHandler_BookTalon_InternalError(t *testing.T) {
	cause := storageErr("lock talon", errors.New("connection reset"))
	env := newTestEnvWithStore(&lockFailStore{SlotStore: NewMemorySlotStore(), err: cause})
	h, e := NewHandler(env.svc), echo.New()

	c, _ := newRequest(e, http.MethodPost, "/", "")
	err := h.BookTalon(withID(c, uuid.New().String()))
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusInternalServerError || he.Message != "internal error" {
		t.Errorf("unexpected error: %d %v", he.Code, he.Message)
	}
	if !errors.Is(he.Internal, ErrStorage) {
		t.Errorf("expected storage cause attached, got %v", he.Internal)
	}
}

func TestHandler_ListTalons(t *testing.T) {
	h, env, e := newTestHandler()
	created, _ := env.svc.MaterializeSchedule(context.Background(), env.definition())
	_, _ = env.svc.BookSlot(context.Background(), created[1].ID)

	c, rec := newRequest(e, http.MethodGet, "/?limit=2&offset=0", "")
	if err := h.ListTalons(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data       []Slot `json:"data"`
		Total      int    `json:"total"`
		HasMore    bool   `json:"has_more"`
		NextOffset *int   `json:"next_offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 5 || len(resp.Data) != 2 || !resp.HasMore || resp.NextOffset == nil || *resp.NextOffset != 2 {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}

	c, rec = newRequest(e, http.MethodGet, "/?status=booked", "")
	_ = h.ListTalons(c)
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one booked talon, got %s", rec.Body.String())
	}

	c, _ = newRequest(e, http.MethodGet, "/?status=reserved", "")
	if code := httpCode(t, h.ListTalons(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", code)
	}
}

// -- Doctors --

func TestHandler_Doctors(t *testing.T) {
	h, env, e := newTestHandler()

	c, rec := newRequest(e, http.MethodGet, "/?clinic_id="+env.clinic.String(), "")
	if err := h.ListDoctors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Petrova Olga") {
		t.Errorf("expected doctor in listing, got %s", rec.Body.String())
	}

	c, rec = newRequest(e, http.MethodGet, "/", "")
	if err := h.GetDoctor(withID(c, env.doctor.ID.String())); err != nil {
		t.Fatalf("get doctor: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newRequest(e, http.MethodGet, "/", "")
	if code := httpCode(t, h.ListDoctorTalons(withID(c, uuid.New().String()))); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/schedules/:id/generate-talons": false,
		"POST /api/v1/talons/:id/book":               false,
		"GET /api/v1/doctors/:id/talons":             false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
