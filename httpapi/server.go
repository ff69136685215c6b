// Package httpapi is the registry's HTTP surface: publish, lookup,
// search and resolve over JSON.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"xdao.co/wasmreg/cidutil"
	"xdao.co/wasmreg/registry"
	"xdao.co/wasmreg/resolver"
)

// Server routes registry operations. Fixed paths (/search, /resolve,
// /packages, /healthz) are registered before the {id} wildcards, so
// package ids can never shadow them.
type Server struct {
	store    *registry.Store
	resolver *resolver.Resolver
	log      zerolog.Logger
	router   *mux.Router
}

func New(store *registry.Store, res *resolver.Resolver, log zerolog.Logger) *Server {
	s := &Server{store: store, resolver: res, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/packages", s.handleListPackages).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/{id}", s.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/{id}/{version}", s.handleGetEntity).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return withLogging(s.log, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, registry.DefaultMaxDocumentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schema", "reading body: "+err.Error())
		return
	}
	rcpt, err := s.store.Publish(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	status := http.StatusOK
	if rcpt.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rcpt)
}

// versionsResponse is the GET /{id} shape.
type versionsResponse struct {
	ID       string   `json:"id"`
	Latest   string   `json:"latest_version"`
	Versions []string `json:"versions"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	versions, err := s.store.ListVersions(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{ID: id, Latest: versions[0], Versions: versions})
}

// entityResponse is the GET /{id}/{version} shape. CanonicalJCS carries
// the exact signed byte sequence when ?canonical=true is requested.
type entityResponse struct {
	ID           string          `json:"id"`
	Version      string          `json:"version"`
	CreatedAt    string          `json:"created_at"`
	PubKey       string          `json:"pubkey,omitempty"`
	CanonicalURI string          `json:"canonical_uri"`
	CanonicalJCS string          `json:"canonical_jcs,omitempty"`
	Document     json.RawMessage `json:"document"`
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.store.Get(r.Context(), vars["id"], vars["version"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	ent := rec.Entity

	resp := entityResponse{
		ID:           ent.ID(),
		Version:      ent.Version(),
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		PubKey:       rec.PubKey,
		CanonicalURI: cidutil.CanonicalURI(ent.Canonical()),
		Document:     ent.Raw(),
	}
	if r.URL.Query().Get("canonical") == "true" {
		resp.CanonicalJCS = string(ent.Canonical())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListPackages(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": rows})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("q") {
		writeError(w, http.StatusBadRequest, "invalid_query", "q parameter is required")
		return
	}
	rows, err := s.store.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

// resolveRequest is the POST /resolve body.
type resolveRequest struct {
	Root      resolver.Ref   `json:"root"`
	Installed []resolver.Ref `json:"installed,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "decoding request: "+err.Error())
		return
	}
	if req.Root.ID == "" || req.Root.Version == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "root.id and root.version are required")
		return
	}
	res, err := s.resolver.Resolve(r.Context(), req.Root.ID, req.Root.Version, req.Installed)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
