// Package transport exposes the sync server over HTTP and provides the
// matching client. The client implements the same Remote surface as the
// in-process store, so the engine is indifferent to which side of the
// wire it runs on.
//
// Every sync route requires a bearer token (HS256) whose device_id claim
// must match the device id carried in the request body or query; a device
// can never upload or download on behalf of another.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/server"
)

// Server is the HTTP front for a sync store.
type Server struct {
	store    *server.Store
	secret   []byte
	logger   *log.Logger
	validate *validator.Validate
	router   *mux.Router
}

// NewServer wires the routes over an open store.
// If logger is nil, a default logger writing to stderr is used.
func NewServer(store *server.Store, secret []byte, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[http] ", log.LstdFlags)
	}
	s := &Server{
		store:    store,
		secret:   secret,
		logger:   logger,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1/sync").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/{table}/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/{table}/download", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// IssueToken mints a bearer token binding one device id, valid for ttl.
func IssueToken(secret []byte, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"device_id": deviceID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type contextKey string

const deviceKey contextKey = "device_id"

func withDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey, deviceID)
}

func authedDevice(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey).(string)
	return id
}

// authMiddleware verifies the bearer token and stashes the authenticated
// device id in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		deviceID, _ := claims["device_id"].(string)
		if deviceID == "" {
			s.writeError(w, http.StatusUnauthorized, "token carries no device_id")
			return
		}

		r = r.WithContext(withDevice(r.Context(), deviceID))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req protocol.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.Table = mux.Vars(r)["table"]

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID != authedDevice(r.Context()) {
		s.writeError(w, http.StatusForbidden, "device_id does not match token")
		return
	}

	resp, err := s.store.Upload(r.Context(), &req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := protocol.DownloadRequest{
		DeviceID: q.Get("device_id"),
		Table:    mux.Vars(r)["table"],
	}
	if v := q.Get("cursor"); v != "" {
		cursor, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cursor %q", v))
			return
		}
		req.Cursor = cursor
	}
	if v := q.Get("since"); v != "" {
		since, err := schema.ParseTime(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		req.Limit = limit
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID != authedDevice(r.Context()) {
		s.writeError(w, http.StatusForbidden, "device_id does not match token")
		return
	}

	resp, err := s.store.Download(r.Context(), &req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := protocol.ConflictsRequest{DeviceID: q.Get("device_id")}
	if v := q.Get("since"); v != "" {
		since, err := schema.ParseTime(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		req.Limit = limit
	}

	conflicts, err := s.store.Conflicts(r.Context(), &req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []protocol.ConflictRecord{}
	}
	s.writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.Status(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// storeError maps store failures onto HTTP statuses: unknown tables are the
// caller's fault, everything else is a server problem.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, schema.ErrInvalidTable) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Printf("WARNING: request failed: %v", err)
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("WARNING: failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
