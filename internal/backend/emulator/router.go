package emulator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/backend"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	service *Service
	token   string
	log     *slog.Logger
}

// NewRouter serves the identify and token endpoints. A non-empty token is
// required as a bearer token on every request.
func NewRouter(service *Service, token string, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{service: service, token: token, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.requireToken)

	r.Post(backend.IdentifyPath, h.Identify)
	r.Post(backend.TokenPath, h.Token)
	return r
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or wrong bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Identify(w http.ResponseWriter, r *http.Request) {
	var env backend.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	req, err := backend.DecodeRequest(env)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	resp, err := h.service.Identify(r.Context(), req.(protocol.IdentifyRequest))
	if err != nil {
		h.log.ErrorContext(r.Context(), "identify failed", "request_id", chimiddleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	out, err := backend.EncodeIdentifyResponse(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var body backend.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	method, err := backend.DecodeRequest(body.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	resp, err := h.service.Authorize(r.Context(), body.Amount, method.(protocol.PaymentMethod))
	switch {
	case errors.Is(err, ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	case errors.Is(err, ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "NOT_AUTHORIZED", "payment not authorized")
		return
	case err != nil:
		h.log.ErrorContext(r.Context(), "authorize failed", "request_id", chimiddleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	out, err := backend.EncodePaymentResponse(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
