// Package rpc serves the named tool endpoints over HTTP. Every call is a
// POST /rpc/{name} with a {token, ...args} body; every response carries
// {success: bool, ...} with either the payload fields or an error kind and
// operator advice. The stdio tool transport dispatches into the same
// handler table.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/entity"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/recall"
	"github.com/pattern-persistence/pps/internal/scheduler"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/texture"
)

const maxBodyBytes = 1 << 20

// Ledger is the relational slice the endpoints read and trace through.
type Ledger interface {
	FetchUnsummarized(ctx context.Context, limit int) ([]store.Turn, error)
	TurnsSince(ctx context.Context, ts time.Time, limit int) ([]store.Turn, error)
	TurnsAfterLastSummary(ctx context.Context, limit, offset int) ([]store.Turn, error)
	SummariesCoveringTurns(ctx context.Context, ids []int64) ([]store.Summary, error)
	Stats(ctx context.Context) (store.IngestionStats, error)
	CountUnsummarized(ctx context.Context) (int, error)
	CountUningested(ctx context.Context) (int, error)
	ActiveChannels(ctx context.Context, since time.Time) ([]string, error)
	StartSession(ctx context.Context, cwd string, metadata interface{}) (store.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	RecordTrace(ctx context.Context, daemonType, eventType, sessionID string, payload interface{}, duration time.Duration) error
}

// TurnWriter is the capture slice.
type TurnWriter interface {
	Store(ctx context.Context, in store.TurnInput) (store.Turn, bool, error)
}

// SummaryWriter is the L2 write slice.
type SummaryWriter interface {
	CreateAndStore(ctx context.Context, text string, startID, endID int64, channels []string, summaryType string) (store.Summary, error)
}

// TextureOps is the L3 slice.
type TextureOps interface {
	Search(ctx context.Context, query string, opts texture.SearchOptions) (texture.Results, error)
	DeleteEdge(ctx context.Context, uuid string) error
}

// Recaller assembles ambient context.
type Recaller interface {
	AmbientRecall(ctx context.Context, req recall.Request) (recall.Response, error)
}

// BatchRunner is the scheduler slice.
type BatchRunner interface {
	RunBatch(ctx context.Context, size int) scheduler.BatchOutcome
	Health() scheduler.HealthReport
}

// FrictionSearcher serves friction_search.
type FrictionSearcher interface {
	SearchFrictions(ctx context.Context, query string, limit, minSeverity int) ([]docstore.Item, error)
}

// DocIngester is one named document store behind index_document.
type DocIngester interface {
	Ingest(ctx context.Context, path, category string) (docstore.IngestResult, error)
}

// Deps are the backends the endpoints call into.
type Deps struct {
	Entity    *entity.Entity
	Ledger    Ledger
	Turns     TurnWriter
	Summaries SummaryWriter
	Texture   TextureOps
	Recall    Recaller
	Batches   BatchRunner
	Frictions FrictionSearcher
	Docs      map[string]DocIngester
}

type handlerFunc func(ctx context.Context, body []byte) (interface{}, error)

// Server owns the handler table, the HTTP routes, and the trace tail hub.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	hub      *Hub
	handlers map[string]handlerFunc
	upgrader websocket.Upgrader
}

// NewServer builds the RPC surface.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.Named("rpc"),
		hub:    newHub(logger.Named("traces")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handlers = map[string]handlerFunc{
		"ambient_recall":           s.ambientRecall,
		"store_message":            s.storeMessage,
		"summarize_messages":       s.summarizeMessages,
		"store_summary":            s.storeSummary,
		"get_crystals":             s.getCrystals,
		"get_turns_since":          s.getTurnsSince,
		"get_turns_since_summary":  s.getTurnsSinceSummary,
		"graphiti_ingestion_stats": s.ingestionStats,
		"ingest_batch_to_graphiti": s.ingestBatch,
		"delete_edge":              s.deleteEdge,
		"texture_search":           s.textureSearch,
		"agent_context":            s.agentContext,
		"friction_search":          s.frictionSearch,
		"pps_health":               s.health,
		"session_start":            s.sessionStart,
		"session_end":              s.sessionEnd,
		"project_lock_status":      s.lockStatus,
		"acquire_project_lock":     s.acquireLock,
		"release_project_lock":     s.releaseLock,
		"index_document":           s.indexDocument,
	}
	return s
}

// Names lists every endpoint, for the stdio transport's tool listing.
func (s *Server) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Handler assembles the routes with recovery and CORS wrappers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/rpc").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/{name}", s.handleCall).Methods(http.MethodPost)

	r.HandleFunc("/ws/traces", s.handleTraceTail).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(&panicLogger{logger: s.logger}),
		handlers.PrintRecoveryStack(false),
	)
	cors := handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return recovery(cors(r))
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("RPC surface listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("RPC surface stopped")
	return nil
}

// authMiddleware verifies the entity token before any endpoint code runs.
// The body is re-wound for the handler.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeFailure(w, faults.Newf(faults.InvalidInput, "rpc.read", "request body unreadable"))
			return
		}
		var probe struct {
			Token string `json:"token"`
		}
		_ = jsonx.Unmarshal(body, &probe)
		if !s.deps.Entity.VerifyToken(probe.Token) {
			s.logger.Warn("Rejected request with bad token",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			s.writeFailure(w, faults.Newf(faults.AuthFailure, "rpc.auth", "missing or invalid entity token"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeFailure(w, faults.Newf(faults.InvalidInput, "rpc."+name, "request body unreadable"))
		return
	}

	payload, err := s.Call(r.Context(), name, body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// Call runs one named endpoint and records its trace event. Both the HTTP
// surface and the stdio transport come through here; auth happens before.
func (s *Server) Call(ctx context.Context, name string, body []byte) (interface{}, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, faults.Newf(faults.InvalidInput, "rpc."+name, "unknown endpoint %q", name)
	}

	start := time.Now()
	payload, err := h(ctx, body)
	s.traceCall(ctx, name, body, time.Since(start), err)
	return payload, err
}

// TraceEvent is the live payload mirrored to /ws/traces clients.
type TraceEvent struct {
	Endpoint   string `json:"endpoint"`
	Params     string `json:"params,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// traceCall writes the synchronous daemon_traces row and mirrors it to the
// websocket tails. The token never reaches either sink.
func (s *Server) traceCall(ctx context.Context, name string, body []byte, d time.Duration, callErr error) {
	params := redactParams(body)
	event := map[string]interface{}{
		"endpoint": name,
		"params":   params,
	}
	wire := TraceEvent{
		Endpoint:   name,
		Params:     params,
		DurationMS: d.Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if callErr != nil {
		kind := string(faults.KindOf(callErr))
		event["error_kind"] = kind
		wire.ErrorKind = kind
	}

	var probe struct {
		SessionID string `json:"session_id"`
	}
	_ = jsonx.Unmarshal(body, &probe)

	if err := s.deps.Ledger.RecordTrace(ctx, "rpc", name, probe.SessionID, event, d); err != nil {
		s.logger.Warn("Trace write failed", zap.String("endpoint", name), zap.Error(err))
	}
	s.hub.Broadcast(wire)
}

// redactParams renders the call arguments for the trace row with the token
// removed and secrets scrubbed.
func redactParams(body []byte) string {
	var m map[string]interface{}
	if err := jsonx.Unmarshal(body, &m); err != nil {
		return ""
	}
	delete(m, "token")
	out, err := jsonx.Marshal(m)
	if err != nil {
		return ""
	}
	params := faults.SanitizeText(string(out))
	if len(params) > 200 {
		params = params[:200]
	}
	return params
}

// ok marks a successful envelope; response types embed it.
type ok struct {
	Success bool `json:"success"`
}

var succeeded = ok{Success: true}

type failResult struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Advice    string `json:"advice"`
	Detail    string `json:"detail,omitempty"`
}

// Failure renders an error as the wire envelope. The stdio transport uses
// it for its tool results.
func Failure(err error) interface{} {
	kind := faults.KindOf(err)
	return failResult{
		Success:   false,
		ErrorKind: string(kind),
		Advice:    faults.Advice(kind),
		Detail:    faults.Sanitize(err),
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeJSON(w, kindStatus(faults.KindOf(err)), Failure(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("Response encoding failed", zap.Error(err))
		http.Error(w, `{"success":false,"error_kind":"unclassified"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Response write failed", zap.Error(err))
	}
}

func kindStatus(kind faults.Kind) int {
	switch kind {
	case faults.AuthFailure:
		return http.StatusUnauthorized
	case faults.InvalidInput:
		return http.StatusBadRequest
	case faults.RateLimit:
		return http.StatusTooManyRequests
	case faults.NetworkTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "entity": s.deps.Entity.Name})
}

type panicLogger struct {
	logger *zap.Logger
}

func (p *panicLogger) Println(args ...interface{}) {
	p.logger.Error("Panic in RPC handler", zap.Any("panic", args))
}

func decode(body []byte, v interface{}, op string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(body, v); err != nil {
		return faults.New(faults.InvalidInput, op, err)
	}
	return nil
}
