package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-composer/internal/composer"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/offer"
	"github.com/example/ride-composer/internal/resolver"
	"github.com/example/ride-composer/internal/submit"
	"github.com/example/ride-composer/internal/upstream"
)

type createSessionRequest struct {
	UserID int64  `json:"userId" validate:"required,gt=0"`
	Role   string `json:"role" validate:"required,oneof=driver rider"`
}

type coordRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

type queryRequest struct {
	Text string        `json:"text" validate:"max=256"`
	Near *coordRequest `json:"near"`
}

type selectRequest struct {
	Suggestion models.Suggestion `json:"suggestion"`
}

type pinRequest struct {
	Lat *float64 `json:"lat" validate:"required"`
	Lng *float64 `json:"lng" validate:"required"`
}

type modeRequest struct {
	Mode string `json:"mode" validate:"required"`
}

type vehicleRequest struct {
	VehicleID int64 `json:"vehicleId" validate:"required,gt=0"`
}

type seatsRequest struct {
	Seats *int `json:"seats" validate:"required"`
}

type timeRequest struct {
	Time string `json:"time" validate:"required"`
}

type stageDateRequest struct {
	Field string `json:"field" validate:"required,oneof=scheduled rangeStart rangeEnd"`
	Date  string `json:"date" validate:"required"`
}

type searchRequest struct {
	Date string `json:"date"`
}

type errorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.Sessions.Create(r.Context(), models.User{ID: req.UserID, Role: req.Role})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := sess.ID
	sess.Subscribe(func(u resolver.Update) {
		_ = s.WSReg.Notify(id, u)
	})
	writeJSON(w, http.StatusCreated, sess.View())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Sessions.Dispose(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sess, field, ok := s.sessionField(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Near != nil {
		_ = sess.SetNear(field, &models.Coord{Lat: req.Near.Lat, Lng: req.Near.Lng})
	}
	if err := sess.QueryChanged(field, req.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, _ := sess.Suggestions(field)
	writeJSON(w, http.StatusAccepted, u)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	sess, field, ok := s.sessionField(w, r)
	if !ok {
		return
	}
	u, err := sess.Suggestions(field)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess, field, ok := s.sessionField(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := sess.Select(r.Context(), field, req.Suggestion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	sess, field, ok := s.sessionField(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := sess.Pin(r.Context(), field, *req.Lat, *req.Lng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.respond(w, r, sess, sess.SetMode(mode))
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req vehicleRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, sess, sess.SelectVehicle(req.VehicleID))
}

func (s *Server) handleSeats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req seatsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, sess, sess.SetSeats(*req.Seats))
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req timeRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := models.ParseTimeOfDay(req.Time)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.respond(w, r, sess, sess.SetTime(t))
}

func (s *Server) handleStageDate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req stageDateRequest
	if !s.decode(w, r, &req) {
		return
	}
	field, err := offer.ParseDateField(req.Field)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	d, err := models.ParseDate(req.Date)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.respond(w, r, sess, sess.StageDate(field, d))
}

func (s *Server) handleConfirmDate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respond(w, r, sess, sess.ConfirmDate())
}

func (s *Server) handleCancelDate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respond(w, r, sess, sess.CancelDate())
}

func (s *Server) handleToggleDay(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	day, err := models.ParseWeekday(mux.Vars(r)["day"])
	if err != nil {
		s.badRequest(w, err)
		return
	}
	_, err = sess.ToggleDay(day)
	s.respond(w, r, sess, err)
}

func (s *Server) handleSaveRoute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respond(w, r, sess, sess.SaveRoute(r.Context()))
}

func (s *Server) handleApplyRecent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.respond(w, r, sess, sess.ApplyRecent(idx))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	var d models.Date
	if req.Date != "" {
		var err error
		if d, err = models.ParseDate(req.Date); err != nil {
			s.badRequest(w, err)
			return
		}
	}
	raw, err := sess.Search(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Submit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*composer.Session, bool) {
	sess, err := s.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionField(w http.ResponseWriter, r *http.Request) (*composer.Session, composer.Field, bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return nil, "", false
	}
	field, err := composer.ParseField(mux.Vars(r)["field"])
	if err != nil {
		s.writeError(w, r, err)
		return nil, "", false
	}
	return sess, field, true
}

// respond writes the session view after a successful mutation.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, sess *composer.Session, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.badRequest(w, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.badRequest(w, err)
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *offer.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Message, Rule: ve.Rule, Field: ve.Field})
	case errors.Is(err, composer.ErrSessionNotFound), errors.Is(err, composer.ErrSessionDisposed), errors.Is(err, resolver.ErrClosed):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, composer.ErrSubmitInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, submit.ErrMissingIdentifier), upstream.IsNetworkError(err):
		s.logger.Warn("upstream failure", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	case errors.Is(err, composer.ErrUnknownField),
		errors.Is(err, composer.ErrUnknownVehicle),
		errors.Is(err, composer.ErrNoRecentRoute),
		errors.Is(err, resolver.ErrInvalidCoordinate),
		errors.Is(err, resolver.ErrEmptySelection),
		errors.Is(err, offer.ErrNothingStaged):
		s.badRequest(w, err)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
