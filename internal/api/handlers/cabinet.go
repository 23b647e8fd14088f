// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medstock/medstock/internal/api/middleware"
	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/adherence"
	"github.com/medstock/medstock/internal/domain/schedule"
	"github.com/medstock/medstock/internal/domain/stock"
	"github.com/medstock/medstock/internal/observability/metrics"
	"github.com/medstock/medstock/pkg/circuitbreaker"
)

// Reader loads the data the computations run on
type Reader interface {
	Medications(ctx context.Context, ownerID string) ([]stock.Medication, error)
	Medication(ctx context.Context, id string) (*stock.Medication, error)
	Prescriptions(ctx context.Context, ownerID string) ([]schedule.Prescription, error)
	Prescription(ctx context.Context, id string) (*schedule.Prescription, string, error)
	ConsumptionLogs(ctx context.Context, ownerID string, from, to calendar.Date) ([]adherence.LogEntry, error)
	History(ctx context.Context, medicationID string, days int) ([]stock.HistoryEntry, error)
}

const (
	defaultChartDays = 30
	maxChartDays     = 365
)

// Options tunes the cabinet handler
type Options struct {
	// Location decides which calendar day is "today"
	Location *time.Location
	// LowStockThreshold is used when a request gives none
	LowStockThreshold int
}

// CabinetHandler serves schedule, stock and adherence endpoints
type CabinetHandler struct {
	reader  Reader
	ledger  *stock.Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	opts    Options
	now     func() time.Time
}

// NewCabinetHandler creates a new handler; m may be nil
func NewCabinetHandler(reader Reader, ledger *stock.Ledger, m *metrics.Metrics, opts Options, logger *zap.Logger) *CabinetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = stock.DefaultLowStockThreshold
	}
	return &CabinetHandler{
		reader:  reader,
		ledger:  ledger,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("cabinet-handler"),
		opts:    opts,
		now:     time.Now,
	}
}

// Routes returns the handler routes
func (h *CabinetHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/schedule", h.Schedule)
	r.Get("/schedule/summary", h.ScheduleSummary)
	r.Get("/streak", h.Streak)
	r.Get("/medications/low-stock", h.LowStock)
	r.Get("/medications/{id}/depletion", h.Depletion)
	r.Get("/medications/{id}/chart", h.Chart)
	r.Post("/medications/{id}/refill", h.Refill)
	r.Post("/medications/{id}/adjustments", h.Adjust)
	r.Post("/doses", h.LogDose)
	return r
}

func (h *CabinetHandler) today() calendar.Date {
	return calendar.Of(h.now().In(h.opts.Location))
}

// dateParam reads ?date=, defaulting to today
func (h *CabinetHandler) dateParam(r *http.Request) (calendar.Date, error) {
	s := r.URL.Query().Get("date")
	if s == "" {
		return h.today(), nil
	}
	return calendar.Parse(s)
}

// ScheduleResponse lists the dose events of one day
type ScheduleResponse struct {
	Date   calendar.Date        `json:"date"`
	Events []schedule.DoseEvent `json:"events"`
}

// Schedule handles GET /schedule
func (h *CabinetHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "schedule")
	defer span.End()

	day, err := h.dateParam(r)
	if err != nil {
		h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	prescriptions, err := h.reader.Prescriptions(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.fail(w, "load prescriptions", err)
		return
	}

	start := time.Now()
	events := schedule.Generate(day, prescriptions)
	h.metrics.ObserveComputation("schedule", time.Since(start).Seconds())

	h.jsonResponse(w, http.StatusOK, ScheduleResponse{Date: day, Events: events})
}

// ScheduleSummary handles GET /schedule/summary
func (h *CabinetHandler) ScheduleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "schedule_summary")
	defer span.End()

	day, err := h.dateParam(r)
	if err != nil {
		h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	owner := middleware.GetUserID(ctx)
	prescriptions, err := h.reader.Prescriptions(ctx, owner)
	if err != nil {
		h.fail(w, "load prescriptions", err)
		return
	}
	logs, err := h.reader.ConsumptionLogs(ctx, owner, day, day)
	if err != nil {
		h.fail(w, "load consumption logs", err)
		return
	}

	h.jsonResponse(w, http.StatusOK, adherence.DaySummary(day, prescriptions, logs))
}

// StreakResponse is the current adherence streak
type StreakResponse struct {
	Streak int           `json:"streak"`
	AsOf   calendar.Date `json:"as_of"`
}

// Streak handles GET /streak
func (h *CabinetHandler) Streak(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "streak")
	defer span.End()

	owner := middleware.GetUserID(ctx)
	today := h.today()

	prescriptions, err := h.reader.Prescriptions(ctx, owner)
	if err != nil {
		h.fail(w, "load prescriptions", err)
		return
	}
	logs, err := h.reader.ConsumptionLogs(ctx, owner, today.AddDays(-adherence.MaxStreakLookback), today)
	if err != nil {
		h.fail(w, "load consumption logs", err)
		return
	}

	start := time.Now()
	streak := adherence.CalculateStreak(prescriptions, logs, today)
	h.metrics.ObserveComputation("streak", time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("streak", streak))

	h.jsonResponse(w, http.StatusOK, StreakResponse{Streak: streak, AsOf: today})
}

// LowStockResponse ranks medications running out
type LowStockResponse struct {
	Threshold   int                `json:"threshold"`
	Medications []stock.Prediction `json:"medications"`
}

// LowStock handles GET /medications/low-stock
func (h *CabinetHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "low_stock")
	defer span.End()

	threshold := h.opts.LowStockThreshold
	if s := r.URL.Query().Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.jsonError(w, "threshold must be a positive integer", http.StatusBadRequest)
			return
		}
		threshold = n
	}

	owner := middleware.GetUserID(ctx)
	meds, err := h.reader.Medications(ctx, owner)
	if err != nil {
		h.fail(w, "load medications", err)
		return
	}
	prescriptions, err := h.reader.Prescriptions(ctx, owner)
	if err != nil {
		h.fail(w, "load prescriptions", err)
		return
	}

	start := time.Now()
	ranked := stock.LowStock(meds, prescriptions, threshold, h.today())
	h.metrics.ObserveComputation("low_stock", time.Since(start).Seconds())

	counts := make(map[string]int)
	for _, p := range ranked {
		counts[string(p.Level)]++
	}
	h.metrics.SetLowStock(counts)

	h.jsonResponse(w, http.StatusOK, LowStockResponse{Threshold: threshold, Medications: ranked})
}

// Depletion handles GET /medications/{id}/depletion
func (h *CabinetHandler) Depletion(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "depletion")
	defer span.End()

	med, ok := h.ownedMedication(w, r.WithContext(ctx))
	if !ok {
		return
	}

	prescriptions, err := h.reader.Prescriptions(ctx, med.OwnerID)
	if err != nil {
		h.fail(w, "load prescriptions", err)
		return
	}

	start := time.Now()
	prediction := stock.Predict(*med, prescriptions, h.today())
	h.metrics.ObserveComputation("depletion", time.Since(start).Seconds())

	h.jsonResponse(w, http.StatusOK, prediction)
}

// ChartResponse is the balance series of one medication
type ChartResponse struct {
	MedicationID string             `json:"medication_id"`
	Days         int                `json:"days"`
	Points       []stock.ChartPoint `json:"points"`
}

// Chart handles GET /medications/{id}/chart
func (h *CabinetHandler) Chart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "chart")
	defer span.End()

	days := defaultChartDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxChartDays {
			h.jsonError(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	med, ok := h.ownedMedication(w, r.WithContext(ctx))
	if !ok {
		return
	}

	entries, err := h.reader.History(ctx, med.ID, days)
	if err != nil {
		h.fail(w, "load history", err)
		return
	}

	h.jsonResponse(w, http.StatusOK, ChartResponse{MedicationID: med.ID, Days: days, Points: stock.ChartData(entries, h.opts.Location)})
}

// RefillRequest is the request body for a refill
type RefillRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes"`
}

// Refill handles POST /medications/{id}/refill
func (h *CabinetHandler) Refill(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "refill")
	defer span.End()

	var req RefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	med, ok := h.ownedMedication(w, r.WithContext(ctx))
	if !ok {
		return
	}

	user := middleware.GetUserID(ctx)
	res, err := h.ledger.Refill(ctx, stock.RefillRequest{
		MedicationID:   med.ID,
		OwnerID:        med.OwnerID,
		ActorID:        user,
		Quantity:       req.Quantity,
		CurrentBalance: med.Quantity,
		Notes:          req.Notes,
	})
	h.metrics.StockChanged(string(stock.ReasonRefill), err)
	if err != nil {
		h.fail(w, "refill", err)
		return
	}

	h.jsonResponse(w, http.StatusOK, res)
}

// AdjustRequest is the request body for a stock correction
type AdjustRequest struct {
	NewQuantity decimal.Decimal `json:"new_quantity"`
	Reason      stock.Reason    `json:"reason"`
	Notes       string          `json:"notes"`
}

// Adjust handles POST /medications/{id}/adjustments
func (h *CabinetHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "adjust")
	defer span.End()

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	med, ok := h.ownedMedication(w, r.WithContext(ctx))
	if !ok {
		return
	}

	res, err := h.ledger.Adjust(ctx, stock.AdjustRequest{
		MedicationID:   med.ID,
		OwnerID:        med.OwnerID,
		ActorID:        middleware.GetUserID(ctx),
		NewQuantity:    req.NewQuantity,
		Reason:         req.Reason,
		CurrentBalance: med.Quantity,
		Notes:          req.Notes,
	})
	h.metrics.StockChanged(string(stock.ReasonAdjustment), err)
	if err != nil {
		h.fail(w, "adjust", err)
		return
	}

	h.jsonResponse(w, http.StatusOK, res)
}

// DoseRequest is the request body for logging a taken dose
type DoseRequest struct {
	PrescriptionID string        `json:"prescription_id"`
	Date           calendar.Date `json:"date"`
	ScheduledTime  string        `json:"scheduled_time"`
}

// LogDose handles POST /doses
func (h *CabinetHandler) LogDose(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "log_dose")
	defer span.End()

	var req DoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PrescriptionID == "" || req.ScheduledTime == "" {
		h.jsonError(w, "prescription_id and scheduled_time are required", http.StatusBadRequest)
		return
	}
	if req.Date.IsZero() {
		req.Date = h.today()
	}

	user := middleware.GetUserID(ctx)
	p, owner, err := h.reader.Prescription(ctx, req.PrescriptionID)
	if err != nil {
		h.fail(w, "load prescription", err)
		return
	}
	if owner != user {
		h.jsonError(w, schedule.ErrPrescriptionNotFound.Error(), http.StatusNotFound)
		return
	}

	if !scheduled(req.Date, *p, req.ScheduledTime) {
		h.jsonError(w, "no dose scheduled at that date and time", http.StatusBadRequest)
		return
	}

	logs, err := h.reader.ConsumptionLogs(ctx, owner, req.Date, req.Date)
	if err != nil {
		h.fail(w, "load consumption logs", err)
		return
	}
	if adherence.NewIndex(logs).Taken(p.ID, req.Date, req.ScheduledTime) {
		h.jsonError(w, "dose already logged", http.StatusConflict)
		return
	}

	med, err := h.reader.Medication(ctx, p.MedicationID)
	if err != nil {
		h.fail(w, "load medication", err)
		return
	}

	res, err := h.ledger.LogDose(ctx, stock.DoseRequest{
		OwnerID:        owner,
		ActorID:        user,
		Prescription:   *p,
		Date:           req.Date,
		ScheduledTime:  req.ScheduledTime,
		CurrentBalance: med.Quantity,
	})
	h.metrics.StockChanged(string(stock.ReasonConsumption), err)
	if err != nil {
		h.fail(w, "log dose", err)
		return
	}

	h.jsonResponse(w, http.StatusCreated, res)
}

func scheduled(day calendar.Date, p schedule.Prescription, clock string) bool {
	for _, e := range schedule.Generate(day, []schedule.Prescription{p}) {
		if calendar.SameMinute(e.Time, clock) {
			return true
		}
	}
	return false
}

// ownedMedication loads {id} and hides medications of other users
func (h *CabinetHandler) ownedMedication(w http.ResponseWriter, r *http.Request) (*stock.Medication, bool) {
	med, err := h.reader.Medication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "load medication", err)
		return nil, false
	}
	if med.OwnerID != middleware.GetUserID(r.Context()) {
		h.jsonError(w, stock.ErrMedicationNotFound.Error(), http.StatusNotFound)
		return nil, false
	}
	return med, true
}

// fail maps err to a status code and writes it
func (h *CabinetHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.Error(err))
		msg := "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable"
		}
		h.jsonError(w, msg, status)
		return
	}
	h.jsonError(w, rootMessage(err), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, stock.ErrInvalidReason),
		errors.Is(err, stock.ErrNoChange),
		errors.Is(err, calendar.ErrMalformedDate):
		return http.StatusBadRequest
	case errors.Is(err, stock.ErrMedicationNotFound),
		errors.Is(err, schedule.ErrPrescriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stock.ErrStaleBalance):
		return http.StatusConflict
	case circuitbreaker.IsOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rootMessage returns the sentinel's message for known errors
func rootMessage(err error) string {
	for _, known := range []error{
		stock.ErrInvalidQuantity, stock.ErrInvalidReason, stock.ErrNoChange,
		stock.ErrMedicationNotFound, stock.ErrStaleBalance,
		schedule.ErrPrescriptionNotFound, calendar.ErrMalformedDate,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func (h *CabinetHandler) jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *CabinetHandler) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}
