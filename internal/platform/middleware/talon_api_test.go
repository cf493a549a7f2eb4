package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/booking/internal/domain/scheduling"
)

// talonAPI serves the booking routes over in-memory stores behind the
// middleware under test.
type talonAPI struct {
	e      *echo.Echo
	h      *scheduling.Handler
	slots  scheduling.SlotStore
	doctor *scheduling.Doctor
}

func newTalonAPI(t *testing.T, slots scheduling.SlotStore, mw ...echo.MiddlewareFunc) *talonAPI {
	t.Helper()
	if slots == nil {
		slots = scheduling.NewMemorySlotStore(scheduling.WithMemoryLockPolicy(scheduling.LockPolicy{Timeout: 5 * time.Second}))
	}
	clinic := uuid.New()
	doc := &scheduling.Doctor{ClinicID: &clinic, LastName: "Sidorov", FirstName: "Pavel", FullName: "Sidorov Pavel", DurationMinutes: 20}
	svc := scheduling.NewService(scheduling.NewMemoryScheduleRepo(), scheduling.NewMemoryDoctorRepo(doc), slots, nil, zerolog.Nop())

	api := &talonAPI{e: echo.New(), h: scheduling.NewHandler(svc), slots: slots, doctor: doc}
	api.e.Use(mw...)
	api.h.RegisterRoutes(api.e.Group("/api/v1"))
	return api
}

// freeTalon stores a 20 minute free talon starting at clock on 2025-03-10.
func (a *talonAPI) freeTalon(t *testing.T, clock string) *scheduling.Slot {
	t.Helper()
	date, err := scheduling.ParseDate("2025-03-10")
	if err != nil {
		t.Fatal(err)
	}
	start, err := scheduling.ParseClock(date, clock)
	if err != nil {
		t.Fatal(err)
	}
	_, sl, err := a.slots.CreateIfAbsent(context.Background(), &scheduling.Slot{
		DoctorID:  a.doctor.ID,
		Date:      date,
		StartTime: start,
		EndTime:   start.Add(20 * time.Minute),
		Status:    scheduling.SlotFree,
	})
	if err != nil {
		t.Fatalf("create talon: %v", err)
	}
	return sl
}

func (a *talonAPI) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func bookPath(id uuid.UUID) string   { return "/api/v1/talons/" + id.String() + "/book" }
func cancelPath(id uuid.UUID) string { return "/api/v1/talons/" + id.String() + "/cancel" }

// failingStore fails every lock scope with err, or panics when err is nil.
type failingStore struct {
	scheduling.SlotStore
	err error
}

func (s *failingStore) LockForUpdate(context.Context, uuid.UUID, func(context.Context, *scheduling.Slot) error) (*scheduling.Slot, error) {
	if s.err == nil {
		panic("talon row without doctor")
	}
	return nil, s.err
}
