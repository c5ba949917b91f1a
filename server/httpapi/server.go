package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/helpers"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/mailbox"
	"github.com/migadu/vmail/pkg/health"
	"github.com/migadu/vmail/pkg/metrics"
	"github.com/migadu/vmail/storage"
	"github.com/migadu/vmail/voicemail"
)

// Store is the persistence the API administers.
type Store interface {
	Ping(ctx context.Context) error

	ListContexts(ctx context.Context) ([]*mailbox.Context, error)
	GetContext(ctx context.Context, domain string) (*mailbox.Context, error)
	CreateContext(ctx context.Context, domain string) (*mailbox.Context, error)
	DeleteContext(ctx context.Context, domain string) error

	ListMailboxes(ctx context.Context, contextID int64) ([]*mailbox.Mailbox, error)
	GetMailbox(ctx context.Context, contextID int64, number string) (*mailbox.Mailbox, error)
	CreateMailbox(ctx context.Context, mb *mailbox.Mailbox) error
	UpdateMailbox(ctx context.Context, mb *mailbox.Mailbox) error
	SetMailboxPassword(ctx context.Context, mailboxID int64, password string) error
	DeleteMailbox(ctx context.Context, id int64) ([]string, error)

	GetFolders(ctx context.Context) ([]*mailbox.Folder, error)
	SaveFolder(ctx context.Context, f *mailbox.Folder) error

	GetMessages(ctx context.Context, mailboxID, folderID int64) ([]*mailbox.Message, error)
	GetMessage(ctx context.Context, id int64) (*mailbox.Message, error)
	DeleteMessage(ctx context.Context, msg *mailbox.Message) error
	FindExistingContentHashes(ctx context.Context, hashes []string) ([]string, error)

	ResolveConfig(ctx context.Context, defaults map[string]string, mb *mailbox.Mailbox) (*mailbox.Config, error)
	SetMailboxConfig(ctx context.Context, mailboxID int64, key, value string) error
	DeleteMailboxConfig(ctx context.Context, mailboxID int64, key string) error
}

// AudioCache is the local recording cache.
type AudioCache interface {
	Get(contentHash string) ([]byte, error)
	Put(contentHash string, data []byte) error
}

// ObjectStore holds archived recordings.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Recordings reaches the copies Asterisk still holds.
type Recordings interface {
	GetStoredRecordingFile(ctx context.Context, name string) ([]byte, error)
	DeleteStoredRecording(ctx context.Context, name string) error
}

// SessionLister reports the calls in progress.
type SessionLister interface {
	Sessions() []voicemail.SessionInfo
}

// HealthReporter summarizes the dependency checks.
type HealthReporter interface {
	Report() (health.ComponentStatus, map[string]health.ComponentReport)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	defaults     map[string]string
	cache        AudioCache
	objects      ObjectStore
	recordings   Recordings
	sessions     SessionLister
	health       HealthReporter
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server.
// Cache, Objects, Recordings, Sessions and Health are optional.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Defaults     map[string]string
	Cache        AudioCache
	Objects      ObjectStore
	Recordings   Recordings
	Sessions     SessionLister
	Health       HealthReporter
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(store Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		defaults:     options.Defaults,
		cache:        options.Cache,
		objects:      options.Objects,
		recordings:   options.Recordings,
		sessions:     options.Sessions,
		health:       options.Health,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, store Store, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr, "api_key", helpers.MaskSecret(options.APIKey))
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/contexts", s.handleListContexts).Methods("GET")
	v1.HandleFunc("/contexts", s.handleCreateContext).Methods("POST")
	v1.HandleFunc("/contexts/{domain}", s.handleGetContext).Methods("GET")
	v1.HandleFunc("/contexts/{domain}", s.handleDeleteContext).Methods("DELETE")

	v1.HandleFunc("/contexts/{domain}/mailboxes", s.handleListMailboxes).Methods("GET")
	v1.HandleFunc("/contexts/{domain}/mailboxes", s.handleCreateMailbox).Methods("POST")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}", s.handleGetMailbox).Methods("GET")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}", s.handleUpdateMailbox).Methods("PUT")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}", s.handleDeleteMailbox).Methods("DELETE")

	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/config", s.handleGetConfig).Methods("GET")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/config/{key}", s.handleSetConfig).Methods("PUT")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/config/{key}", s.handleDeleteConfig).Methods("DELETE")

	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/folders/{dtmf}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/messages/{id:[0-9]+}", s.handleGetMessage).Methods("GET")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/messages/{id:[0-9]+}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/contexts/{domain}/mailboxes/{number}/messages/{id:[0-9]+}/audio", s.handleMessageAudio).Methods("GET")

	v1.HandleFunc("/folders", s.handleListFolders).Methods("GET")
	v1.HandleFunc("/folders", s.handleSaveFolder).Methods("POST")

	v1.HandleFunc("/sessions", s.handleListSessions).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps lookup sentinels to 404 and everything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, consts.ErrContextNotFound):
		s.writeError(w, http.StatusNotFound, "Context not found")
	case errors.Is(err, consts.ErrMailboxNotFound):
		s.writeError(w, http.StatusNotFound, "Mailbox not found")
	case errors.Is(err, consts.ErrFolderNotFound):
		s.writeError(w, http.StatusNotFound, "Folder not found")
	case errors.Is(err, consts.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, consts.ErrDBUniqueViolation):
		s.writeError(w, http.StatusConflict, "Already exists")
	default:
		logger.Error("HTTP API: store error", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Request/Response types

type CreateContextRequest struct {
	Domain string `json:"domain"`
}

type CreateMailboxRequest struct {
	Number      string `json:"number"`
	Password    string `json:"password"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// UpdateMailboxRequest changes only the fields present.
type UpdateMailboxRequest struct {
	Password     *string `json:"password,omitempty"`
	Name         *string `json:"name,omitempty"`
	DisplayName  *string `json:"display_name,omitempty"`
	Email        *string `json:"email,omitempty"`
	GreetingBusy *string `json:"greeting_busy,omitempty"`
	GreetingAway *string `json:"greeting_away,omitempty"`
	GreetingName *string `json:"greeting_name,omitempty"`
}

type SetConfigRequest struct {
	Value string `json:"value"`
}

// MessageResponse is a message as the API shows it.
type MessageResponse struct {
	ID          int64      `json:"id"`
	FolderID    int64      `json:"folder_id"`
	Date        time.Time  `json:"date"`
	Read        bool       `json:"read"`
	CallerID    string     `json:"caller_id,omitempty"`
	Duration    int64      `json:"duration_seconds"`
	Recording   string     `json:"recording"`
	ContentHash string     `json:"content_hash,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

func newMessageResponse(m *mailbox.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		FolderID:    m.FolderID,
		Date:        m.Date,
		Read:        m.Read,
		CallerID:    m.CallerID,
		Duration:    int64(m.Duration / time.Second),
		Recording:   m.Recording,
		ContentHash: m.ContentHash,
		ArchivedAt:  m.ArchivedAt,
	}
}

// Handler functions

// handleHealth reports the monitored components when a monitor is wired,
// otherwise it pings the database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		status, components := s.health.Report()
		code := http.StatusOK
		if status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, map[string]interface{}{"status": status, "components": components})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		logger.Warn("HTTP API: health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.store.ListContexts(r.Context())
	if err != nil {
		s.writeStoreError(w, "list contexts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": contexts, "total": len(contexts)})
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req CreateContextRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		s.writeError(w, http.StatusBadRequest, "Domain is required")
		return
	}
	vmctx, err := s.store.CreateContext(r.Context(), req.Domain)
	if err != nil {
		s.writeStoreError(w, "create context", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, vmctx)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	vmctx, err := s.store.GetContext(r.Context(), mux.Vars(r)["domain"])
	if err != nil {
		s.writeStoreError(w, "get context", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vmctx)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteContext(r.Context(), mux.Vars(r)["domain"]); err != nil {
		s.writeStoreError(w, "delete context", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupContext(w http.ResponseWriter, r *http.Request) (*mailbox.Context, bool) {
	vmctx, err := s.store.GetContext(r.Context(), mux.Vars(r)["domain"])
	if err != nil {
		s.writeStoreError(w, "get context", err)
		return nil, false
	}
	return vmctx, true
}

func (s *Server) lookupMailbox(w http.ResponseWriter, r *http.Request) (*mailbox.Context, *mailbox.Mailbox, bool) {
	vmctx, ok := s.lookupContext(w, r)
	if !ok {
		return nil, nil, false
	}
	mb, err := s.store.GetMailbox(r.Context(), vmctx.ID, mux.Vars(r)["number"])
	if err != nil {
		s.writeStoreError(w, "get mailbox", err)
		return nil, nil, false
	}
	return vmctx, mb, true
}

// lookupMessage resolves the message in the path and checks it belongs to
// the mailbox in the path.
func (s *Server) lookupMessage(w http.ResponseWriter, r *http.Request) (*mailbox.Context, *mailbox.Mailbox, *mailbox.Message, bool) {
	vmctx, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return nil, nil, nil, false
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return nil, nil, nil, false
	}
	msg, err := s.store.GetMessage(r.Context(), id)
	if err == nil && msg.MailboxID != mb.ID {
		err = consts.ErrMessageNotFound
	}
	if err != nil {
		s.writeStoreError(w, "get message", err)
		return nil, nil, nil, false
	}
	return vmctx, mb, msg, true
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	vmctx, ok := s.lookupContext(w, r)
	if !ok {
		return
	}
	mailboxes, err := s.store.ListMailboxes(r.Context(), vmctx.ID)
	if err != nil {
		s.writeStoreError(w, "list mailboxes", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"mailboxes": mailboxes, "total": len(mailboxes)})
}

func (s *Server) handleCreateMailbox(w http.ResponseWriter, r *http.Request) {
	var req CreateMailboxRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Number == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Number and password are required")
		return
	}
	vmctx, ok := s.lookupContext(w, r)
	if !ok {
		return
	}
	mb := &mailbox.Mailbox{
		ContextID:   vmctx.ID,
		Number:      req.Number,
		Name:        req.Name,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	}
	if err := s.store.CreateMailbox(r.Context(), mb); err != nil {
		s.writeStoreError(w, "create mailbox", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mb)
}

func (s *Server) handleGetMailbox(w http.ResponseWriter, r *http.Request) {
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, mb)
}

func (s *Server) handleUpdateMailbox(w http.ResponseWriter, r *http.Request) {
	var req UpdateMailboxRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Password != nil && *req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Password cannot be empty")
		return
	}
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}

	for dst, src := range map[*string]*string{
		&mb.Name:         req.Name,
		&mb.DisplayName:  req.DisplayName,
		&mb.Email:        req.Email,
		&mb.GreetingBusy: req.GreetingBusy,
		&mb.GreetingAway: req.GreetingAway,
		&mb.GreetingName: req.GreetingName,
	} {
		if src != nil {
			*dst = *src
		}
	}
	if err := s.store.UpdateMailbox(r.Context(), mb); err != nil {
		s.writeStoreError(w, "update mailbox", err)
		return
	}
	if req.Password != nil {
		if err := s.store.SetMailboxPassword(r.Context(), mb.ID, *req.Password); err != nil {
			s.writeStoreError(w, "set password", err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, mb)
}

func (s *Server) handleDeleteMailbox(w http.ResponseWriter, r *http.Request) {
	vmctx, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	recordings, err := s.store.DeleteMailbox(r.Context(), mb.ID)
	if err != nil {
		s.writeStoreError(w, "delete mailbox", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if s.recordings != nil {
		for _, name := range recordings {
			if err := s.recordings.DeleteStoredRecording(ctx, name); err != nil {
				logger.Debug("HTTP API: stored recording not deleted", "recording", name, "error", err)
			}
		}
	}
	removed := 0
	if s.objects != nil {
		removed, err = s.objects.DeletePrefix(ctx, storage.MailboxPrefix(vmctx.Domain, mb.Number))
		if err != nil {
			logger.Warn("HTTP API: archived recordings not deleted", "mailbox", mb.Number, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted_recordings": len(recordings),
		"deleted_archived":   removed,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	cfg, err := s.store.ResolveConfig(r.Context(), s.defaults, mb)
	if err != nil {
		s.writeStoreError(w, "resolve config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg.Values())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req SetConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	if err := s.store.SetMailboxConfig(r.Context(), mb.ID, key, req.Value); err != nil {
		s.writeStoreError(w, "set config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteMailboxConfig(r.Context(), mb.ID, mux.Vars(r)["key"])
	if errors.Is(err, consts.ErrDBNotFound) {
		s.writeError(w, http.StatusNotFound, "Config key not set")
		return
	}
	if err != nil {
		s.writeStoreError(w, "delete config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.store.GetFolders(r.Context())
	if err != nil {
		s.writeStoreError(w, "list folders", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"folders": folders, "total": len(folders)})
}

func (s *Server) handleSaveFolder(w http.ResponseWriter, r *http.Request) {
	var f mailbox.Folder
	if err := decodeJSON(r, &f); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if f.Name == "" || len(f.DTMF) != 1 || f.DTMF[0] < '0' || f.DTMF[0] > '9' {
		s.writeError(w, http.StatusBadRequest, "Name and a single digit dtmf are required")
		return
	}
	f.ID = 0
	if f.Recording == "" {
		f.Recording = "sound:vm-" + f.Name
	}
	if err := s.store.SaveFolder(r.Context(), &f); err != nil {
		s.writeStoreError(w, "save folder", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_, mb, ok := s.lookupMailbox(w, r)
	if !ok {
		return
	}
	folders, err := s.store.GetFolders(r.Context())
	if err != nil {
		s.writeStoreError(w, "list folders", err)
		return
	}
	folder, ok := mailbox.NewFolders(folders).Get(mux.Vars(r)["dtmf"])
	if !ok {
		s.writeStoreError(w, "get folder", consts.ErrFolderNotFound)
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), mb.ID, folder.ID)
	if err != nil {
		s.writeStoreError(w, "list messages", err)
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageResponse(m))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"folder":   folder,
		"messages": out,
		"total":    len(out),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	_, _, msg, ok := s.lookupMessage(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newMessageResponse(msg))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vmctx, mb, msg, ok := s.lookupMessage(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMessage(r.Context(), msg); err != nil {
		s.writeStoreError(w, "delete message", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if s.recordings != nil {
		if err := s.recordings.DeleteStoredRecording(ctx, msg.Recording); err != nil {
			logger.Debug("HTTP API: stored recording not deleted", "recording", msg.Recording, "error", err)
		}
	}
	if s.objects != nil && msg.ContentHash != "" {
		// Identical audio left twice in one mailbox shares an object.
		still, err := s.store.FindExistingContentHashes(ctx, []string{msg.ContentHash})
		if err == nil && len(still) == 0 {
			key := storage.RecordingKey(vmctx.Domain, mb.Number, msg.ContentHash)
			if err := s.objects.Delete(ctx, key); err != nil {
				logger.Warn("HTTP API: archived recording not deleted", "key", key, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageAudio serves the recording from the local cache, then the
// archive, then Asterisk.
func (s *Server) handleMessageAudio(w http.ResponseWriter, r *http.Request) {
	vmctx, mb, msg, ok := s.lookupMessage(w, r)
	if !ok {
		return
	}
	data, source, err := s.loadAudio(r.Context(), vmctx, mb, msg)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || ari.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Recording not found")
			return
		}
		logger.Error("HTTP API: failed to load recording", "message_id", msg.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "Failed to load recording")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"voicemail-%d\"", msg.ID))
	w.Header().Set("X-Recording-Source", source)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Debug("HTTP API: audio write interrupted", "message_id", msg.ID, "error", err)
	}
}

func (s *Server) loadAudio(ctx context.Context, vmctx *mailbox.Context, mb *mailbox.Mailbox, msg *mailbox.Message) ([]byte, string, error) {
	if msg.ContentHash != "" {
		if s.cache != nil {
			if data, err := s.cache.Get(msg.ContentHash); err == nil {
				return data, "cache", nil
			}
		}
		if s.objects != nil {
			data, err := s.fetchObject(ctx, storage.RecordingKey(vmctx.Domain, mb.Number, msg.ContentHash))
			if err == nil {
				if s.cache != nil {
					if err := s.cache.Put(msg.ContentHash, data); err != nil {
						logger.Debug("HTTP API: recording not cached", "hash", msg.ContentHash, "error", err)
					}
				}
				return data, "s3", nil
			}
			if !errors.Is(err, storage.ErrNotFound) || s.recordings == nil {
				return nil, "", err
			}
		}
	}
	if s.recordings == nil {
		return nil, "", storage.ErrNotFound
	}
	data, err := s.recordings.GetStoredRecordingFile(ctx, msg.Recording)
	if err != nil {
		return nil, "", err
	}
	return data, "asterisk", nil
}

func (s *Server) fetchObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []voicemail.SessionInfo{}
	if s.sessions != nil {
		sessions = s.sessions.Sessions()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "total": len(sessions)})
}
