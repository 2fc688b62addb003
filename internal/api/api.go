package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/outfit"
	"github.com/joescharf/fitroom/internal/session"
	"github.com/joescharf/fitroom/internal/studio"
)

// Server provides the REST API handlers. Generation requests run to
// completion inside the request; a second generating request while one is in
// flight is answered with 409.
type Server struct {
	studio *studio.Studio
}

// NewServer creates a new API server around a live studio session.
func NewServer(st *studio.Studio) *Server {
	return &Server{studio: st}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/state", s.getState)

	mux.HandleFunc("GET /api/v1/session", s.getSession)
	mux.HandleFunc("POST /api/v1/session/load", s.loadSession)
	mux.HandleFunc("DELETE /api/v1/session", s.resetSession)

	mux.HandleFunc("POST /api/v1/model", s.createModel)
	mux.HandleFunc("POST /api/v1/garments", s.applyGarment)
	mux.HandleFunc("POST /api/v1/pose", s.changePose)
	mux.HandleFunc("POST /api/v1/edit", s.edit)
	mux.HandleFunc("POST /api/v1/background", s.changeBackground)
	mux.HandleFunc("POST /api/v1/undo", s.undo)
	mux.HandleFunc("POST /api/v1/redo", s.redo)
	mux.HandleFunc("POST /api/v1/regenerate", s.regenerate)

	mux.HandleFunc("GET /api/v1/wardrobe", s.listWardrobe)
	mux.HandleFunc("GET /api/v1/poses", s.listPoses)
	mux.HandleFunc("GET /api/v1/backgrounds", s.listBackgrounds)
	mux.HandleFunc("GET /api/v1/creations", s.listCreations)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps studio and engine errors to HTTP statuses. context
// prefixes generation failures in the user-facing message.
func writeEngineError(w http.ResponseWriter, context string, err error) {
	var (
		inputErr     *imagecodec.InputValidationError
		genErr       *gateway.GenerationError
		malformedErr *session.MalformedSessionError
	)
	switch {
	case errors.Is(err, outfit.ErrBusy),
		errors.Is(err, outfit.ErrNoModel),
		errors.Is(err, outfit.ErrNothingToRegenerate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, studio.ErrUnknownGarment):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, gateway.FriendlyMessage(context, err))
	case errors.Is(err, outfit.ErrInvalidPose),
		errors.Is(err, outfit.ErrEmptyPrompt),
		errors.Is(err, studio.ErrNoGarment),
		errors.Is(err, studio.ErrUnknownPose):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &genErr):
		writeError(w, http.StatusBadGateway, gateway.FriendlyMessage(context, err))
	case errors.As(err, &malformedErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("request failed", "context", context, "error", err)
		writeError(w, http.StatusInternalServerError, gateway.FriendlyMessage(context, err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.studio.Engine.State())
}

// --- State & session ---

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	has := s.studio.Sessions != nil && s.studio.Sessions.HasSession(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"hasSession": has})
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) {
	ok, err := s.studio.Resume(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to load session", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	s.writeState(w)
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.Engine.Reset(r.Context()); err != nil {
		writeEngineError(w, "Failed to clear session", err)
		return
	}
	s.writeState(w)
}

// --- Generation ---

type modelRequest struct {
	Photo string `json:"photo"`
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.studio.CreateModel(r.Context(), req.Photo); err != nil {
		writeEngineError(w, "Failed to create model", err)
		return
	}
	s.writeState(w)
}

type garmentRequest struct {
	ID    string `json:"id"`
	Image string `json:"image"`
	Name  string `json:"name"`
}

func (s *Server) applyGarment(w http.ResponseWriter, r *http.Request) {
	var req garmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Image != "" && !imagecodec.IsDataURL(req.Image) {
		// Paths on the server's disk are not reachable through the API.
		writeError(w, http.StatusBadRequest, "image must be a data URL")
		return
	}
	_, err := s.studio.Wear(r.Context(), studio.WearRequest{ID: req.ID, Source: req.Image, Name: req.Name})
	if err != nil {
		writeEngineError(w, "Failed to apply garment", err)
		return
	}
	s.writeState(w)
}

type poseRequest struct {
	Pose string `json:"pose"`
}

func (s *Server) changePose(w http.ResponseWriter, r *http.Request) {
	var req poseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	idx, err := s.studio.FindPose(req.Pose)
	if err != nil {
		writeEngineError(w, "Failed to change pose", err)
		return
	}
	if err := s.studio.Engine.ChangePose(r.Context(), idx); err != nil {
		writeEngineError(w, "Failed to change pose", err)
		return
	}
	s.writeState(w)
}

type editRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.studio.Engine.Edit(r.Context(), req.Prompt); err != nil {
		writeEngineError(w, "Failed to edit image", err)
		return
	}
	s.writeState(w)
}

type backgroundRequest struct {
	Background string `json:"background"`
}

func (s *Server) changeBackground(w http.ResponseWriter, r *http.Request) {
	var req backgroundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.studio.Engine.ChangeBackground(r.Context(), req.Background); err != nil {
		writeEngineError(w, "Failed to change background", err)
		return
	}
	s.writeState(w)
}

func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.Engine.Regenerate(r.Context()); err != nil {
		writeEngineError(w, "Failed to regenerate", err)
		return
	}
	s.writeState(w)
}

// --- Navigation ---

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	s.studio.Engine.Undo(r.Context())
	s.writeState(w)
}

func (s *Server) redo(w http.ResponseWriter, r *http.Request) {
	s.studio.Engine.Redo(r.Context())
	s.writeState(w)
}

// --- Catalogs ---

func (s *Server) listWardrobe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Engine.State().Wardrobe)
}

func (s *Server) listPoses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Engine.Poses())
}

func (s *Server) listBackgrounds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalog.BackgroundPresets)
}

func (s *Server) listCreations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Engine.State().Creations)
}
