package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-sql/civil"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/volunteerhub/signupdb/verify"
	"github.com/volunteerhub/signupdb/volunteers"
)

type signupRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type profileRequest struct {
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	City        string      `json:"city"`
	DateOfBirth *civil.Date `json:"date_of_birth"`
	Skills      string      `json:"skills"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func volunteerID(ps httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &volunteers.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func (s *Server) exists(w http.ResponseWriter, r *http.Request, _ httprouter.Params, log *zap.Logger) {
	q := r.URL.Query()
	email, phone := q.Get("email"), q.Get("phone")

	var (
		found bool
		err   error
	)
	switch {
	case email != "" && phone != "":
		err = &volunteers.ValidationError{Field: "query", Reason: "give email or phone, not both"}
	case email != "":
		found, err = s.store.EmailExists(r.Context(), email)
	case phone != "":
		found, err = s.store.PhoneExists(r.Context(), phone)
	default:
		err = &volunteers.ValidationError{Field: "query", Reason: "email or phone is required"}
	}
	if err != nil {
		fail(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": found})
}

func (s *Server) createVolunteer(w http.ResponseWriter, r *http.Request, _ httprouter.Params, log *zap.Logger) {
	var req signupRequest
	if err := decode(r, w, &req); err != nil {
		fail(w, log, err)
		return
	}
	id, created, err := s.store.CreateCredentials(r.Context(), volunteers.Credentials{
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		fail(w, log, err)
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	w.Header().Set("Location", "/api/volunteers/"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) getVolunteer(w http.ResponseWriter, r *http.Request, ps httprouter.Params, log *zap.Logger) {
	id, err := volunteerID(ps)
	if err != nil {
		fail(w, log, err)
		return
	}
	v, err := s.store.GetVolunteer(r.Context(), id)
	if err != nil {
		fail(w, log, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "volunteer not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, log *zap.Logger) {
	id, err := volunteerID(ps)
	if err != nil {
		fail(w, log, err)
		return
	}
	var req profileRequest
	if err := decode(r, w, &req); err != nil {
		fail(w, log, err)
		return
	}
	v, err := s.store.UpdateProfile(r.Context(), id, volunteers.Profile{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		City:        req.City,
		DateOfBirth: req.DateOfBirth,
		Skills:      req.Skills,
	})
	if err != nil {
		fail(w, log, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "volunteer not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) markVerified(w http.ResponseWriter, r *http.Request, ps httprouter.Params, log *zap.Logger) {
	id, err := volunteerID(ps)
	if err != nil {
		fail(w, log, err)
		return
	}
	ch, err := volunteers.ParseChannel(ps.ByName("channel"))
	if err != nil {
		fail(w, log, err)
		return
	}
	ok, err := s.store.MarkVerified(r.Context(), id, ch)
	if err != nil {
		fail(w, log, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "volunteer not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifyEmail(w http.ResponseWriter, r *http.Request, _ httprouter.Params, log *zap.Logger) {
	var req verifyRequest
	if err := decode(r, w, &req); err != nil {
		fail(w, log, err)
		return
	}
	email, err := volunteers.NormalizeEmail(req.Email)
	if err != nil {
		fail(w, log, err)
		return
	}
	s.runVerification(w, r, log, func(ctx context.Context) (verify.Result, error) {
		return s.verifier.CheckEmail(ctx, email)
	})
}

func (s *Server) verifyPhone(w http.ResponseWriter, r *http.Request, _ httprouter.Params, log *zap.Logger) {
	var req verifyRequest
	if err := decode(r, w, &req); err != nil {
		fail(w, log, err)
		return
	}
	phone, err := volunteers.NormalizePhone(req.Phone)
	if err != nil {
		fail(w, log, err)
		return
	}
	s.runVerification(w, r, log, func(ctx context.Context) (verify.Result, error) {
		return s.verifier.LookupPhone(ctx, phone)
	})
}

func (s *Server) runVerification(w http.ResponseWriter, r *http.Request, log *zap.Logger, call func(context.Context) (verify.Result, error)) {
	res, err := call(r.Context())
	if err != nil {
		fail(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthBody struct {
	Status          string  `json:"status"`
	State           string  `json:"state"`
	LatencyMillis   float64 `json:"latency_ms,omitempty"`
	OpenConnections int     `json:"open_connections"`
	InUse           int     `json:"in_use"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()

	h, err := s.health.HealthProbe(ctx)
	body := healthBody{
		Status:          "ok",
		State:           h.State.String(),
		LatencyMillis:   float64(h.Latency) / float64(time.Millisecond),
		OpenConnections: h.Stats.OpenConnections,
		InUse:           h.Stats.InUse,
	}
	if err != nil {
		log.Warn("health probe failed", zap.Error(err))
		body.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.recorder.RecordPoolStats(h.Stats)
	writeJSON(w, http.StatusOK, body)
}
