package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/search"
)

// Searcher runs the search pipeline.
type Searcher interface {
	Search(ctx context.Context, req domain.QueryRequest) (*search.Response, error)
}

// Store is the relational store behind the listing and chat endpoints.
type Store interface {
	Get(ctx context.Context, id int64) (domain.ListingRecord, error)
	List(ctx context.Context, limit int) ([]domain.ListingRecord, error)
	AppendConversation(ctx context.Context, e domain.ConversationEntry) (int64, error)
	Conversations(ctx context.Context, userID int64) ([]domain.ConversationEntry, error)
}

const (
	defaultCarsLimit = 50
	maxCarsLimit     = 500
	maxBodyBytes     = 1 << 20
)

type server struct {
	search  Searcher
	store   Store
	metrics http.Handler
	logger  *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/cars", s.handleListCars)
	mux.HandleFunc("GET /api/cars/{id}", s.handleGetCar)
	mux.HandleFunc("POST /api/chat", s.handleSaveChat)
	mux.HandleFunc("GET /api/chat/{user_id}", s.handleListChats)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	UserID *int64 `json:"user_id,omitempty"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.search.Search(r.Context(), domain.QueryRequest{Query: req.Query, TopK: req.TopK, UserID: req.UserID})
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListCars(w http.ResponseWriter, r *http.Request) {
	limit := defaultCarsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCarsLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", search.KindInvalidRequest)
			return
		}
		limit = n
	}
	cars, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list cars failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, cars)
}

func (s *server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	car, err := s.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrListingNotFound) {
		writeError(w, http.StatusNotFound, "Car not found", "")
		return
	}
	if err != nil {
		s.logger.Error("get car failed", "listing_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, car)
}

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	UserID  int64  `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Answer  string `json:"answer"`
}

func (s *server) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required", search.KindInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", search.KindInvalidRequest)
		return
	}
	entry := domain.ConversationEntry{
		UserID:    req.UserID,
		Title:     req.Title,
		Message:   req.Message,
		Answer:    req.Answer,
		Timestamp: time.Now().UTC(),
	}
	id, err := s.store.AppendConversation(r.Context(), entry)
	if err != nil {
		s.logger.Error("save chat failed", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	entry.ID = id
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	chats, err := s.store.Conversations(r.Context(), userID)
	if err != nil {
		s.logger.Error("list chats failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// --- Helpers ---

type errorBody struct {
	Error string      `json:"error"`
	Kind  search.Kind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind search.Kind) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// statusFor maps a search failure to an HTTP status.
func statusFor(err error) int {
	var se *search.Error
	switch {
	case !errors.As(err, &se):
		return http.StatusInternalServerError
	case se.Kind == search.KindInvalidRequest:
		return http.StatusBadRequest
	case se.Kind == search.KindTimeout:
		return http.StatusGatewayTimeout
	case se.Upstream():
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSearchError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := "search failed"
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	writeError(w, status, msg, search.KindOf(err))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", search.KindInvalidRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name, search.KindInvalidRequest)
		return 0, false
	}
	return id, true
}
