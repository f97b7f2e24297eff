// Package httpapi exposes the cardsync sync and business endpoints over HTTP/JSON.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/cardsync/internal/convert"
	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/service"
)

// maxBodyBytes caps request bodies; a full push batch fits comfortably.
const maxBodyBytes = 4 << 20

// Server wires the sync service into HTTP handlers.
type Server struct {
	svc      service.SyncService
	identity *Identity
	maxBatch int
	log      *zap.Logger
}

// New constructs the HTTP API. maxBatch bounds push batches (0 means 100).
func New(svc service.SyncService, identity *Identity, maxBatch int, log *zap.Logger) *Server {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, identity: identity, maxBatch: maxBatch, log: log}
}

// Routes builds the router with logging, recovery and identity middleware.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging(s.log), Recover(s.log))

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.identity.Middleware)

	authed.HandleFunc("/sync/pull", s.pull).Methods(http.MethodGet)
	authed.HandleFunc("/sync/push", s.push).Methods(http.MethodPost)

	authed.HandleFunc("/api/{collection}", s.list).Methods(http.MethodGet)
	authed.HandleFunc("/api/{collection}", s.create).Methods(http.MethodPost)
	authed.HandleFunc("/api/{collection}/{id}", s.get).Methods(http.MethodGet)
	authed.HandleFunc("/api/{collection}/{id}", s.update).Methods(http.MethodPatch)
	authed.HandleFunc("/api/{collection}/{id}", s.remove).Methods(http.MethodDelete)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sync ---

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad since: "+err.Error())
			return
		}
		since = t.UTC()
	}

	res, err := s.svc.Pull(r.Context(), owner, since)
	if err != nil {
		s.fail(w, r, "pull", err)
		return
	}
	body, err := convert.ToPullResponse(res)
	if err != nil {
		s.fail(w, r, "pull encode", err)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())

	var req convert.PushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(req.Changes) > s.maxBatch {
		writeError(w, http.StatusBadRequest, "batch too large (max "+strconv.Itoa(s.maxBatch)+")")
		return
	}

	changes := make([]model.Change, 0, len(req.Changes))
	for _, c := range req.Changes {
		changes = append(changes, convert.FromChangeDTO(c))
	}
	res, err := s.svc.Push(r.Context(), owner, changes)
	if err != nil {
		s.fail(w, r, "push", err)
		return
	}

	out := convert.PushResponse{Results: make([]convert.ResultDTO, 0, len(res.Results)), ServerTime: res.ServerTime}
	for _, o := range res.Results {
		dto, err := convert.ToResultDTO(o)
		if err != nil {
			s.fail(w, r, "push encode", err)
			return
		}
		out.Results = append(out.Results, dto)
	}
	respondJSON(w, http.StatusOK, out)
}

// --- Business endpoints ---

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())
	coll, ok := collectionVar(w, r)
	if !ok {
		return
	}
	rows, err := s.svc.List(r.Context(), owner, coll)
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, e := range rows {
		b, err := convert.EntityToWire(e)
		if err != nil {
			s.fail(w, r, "list encode", err)
			return
		}
		out = append(out, b)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())
	coll, id, ok := entityVars(w, r)
	if !ok {
		return
	}
	e, err := s.svc.Get(r.Context(), owner, coll, id)
	if err != nil {
		s.fail(w, r, "get", err)
		return
	}
	s.respondEntity(w, r, http.StatusOK, *e)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())
	coll, ok := collectionVar(w, r)
	if !ok {
		return
	}
	var req convert.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := uuid.FromString(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	e, err := s.svc.Apply(r.Context(), owner, model.Change{
		Collection: coll, EntityID: id, Operation: model.OpCreate, Data: req.Data,
	})
	if err != nil {
		s.fail(w, r, "create", err)
		return
	}
	s.respondEntity(w, r, http.StatusCreated, e)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())
	coll, id, ok := entityVars(w, r)
	if !ok {
		return
	}
	var req convert.UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := convert.WithVersion(req.Data, req.Version)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.svc.Apply(r.Context(), owner, model.Change{
		Collection: coll, EntityID: id, Operation: model.OpUpdate, Data: data,
	})
	if err != nil {
		s.fail(w, r, "update", err)
		return
	}
	s.respondEntity(w, r, http.StatusOK, e)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerIDFromCtx(r.Context())
	coll, id, ok := entityVars(w, r)
	if !ok {
		return
	}
	ver, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || ver < 0 {
		writeError(w, http.StatusBadRequest, "bad version")
		return
	}
	data, err := convert.WithVersion(nil, ver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.svc.Apply(r.Context(), owner, model.Change{
		Collection: coll, EntityID: id, Operation: model.OpDelete, Data: data,
	})
	if err != nil {
		s.fail(w, r, "delete", err)
		return
	}
	s.respondEntity(w, r, http.StatusOK, e)
}

// --- helpers ---

func collectionVar(w http.ResponseWriter, r *http.Request) (model.Collection, bool) {
	coll := model.Collection(mux.Vars(r)["collection"])
	if !coll.Valid() {
		writeError(w, http.StatusNotFound, "unknown collection")
		return "", false
	}
	return coll, true
}

func entityVars(w http.ResponseWriter, r *http.Request) (model.Collection, uuid.UUID, bool) {
	coll, ok := collectionVar(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return "", uuid.Nil, false
	}
	return coll, id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respondEntity(w http.ResponseWriter, r *http.Request, code int, e model.Entity) {
	b, err := convert.EntityToWire(e)
	if err != nil {
		s.fail(w, r, "encode", err)
		return
	}
	respondJSON(w, code, b)
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var conflict *errs.ConflictError
	switch {
	case errors.As(err, &conflict):
		data, encErr := convert.EntityToWire(conflict.Current)
		if encErr != nil {
			s.log.Error(op, zap.Error(encErr))
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		respondJSON(w, http.StatusConflict, convert.ConflictResponse{
			Error:         "version conflict",
			ServerVersion: conflict.Current.Version,
			ServerData:    data,
		})
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		s.log.Error(op, zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
