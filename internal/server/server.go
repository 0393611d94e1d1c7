// Package server is the daemon's HTTP face: polling snapshots and websocket
// push for batch progress, asynchronous batch submission, and a Prometheus
// endpoint. It reads from the same telemetry emitter the engine reports to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framewright/shuttle/internal/engine"
	"github.com/framewright/shuttle/internal/telemetry"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "127.0.0.1:8335"

// wsBuffer is the per-subscriber channel depth. Small on purpose: every
// record is a complete snapshot, so a slow client losing intermediate ones
// still converges on the latest state.
const wsBuffer = 64

// Config describes a Server.
type Config struct {
	// Addr is the listen address, host:port. Empty selects DefaultAddr.
	Addr string
	// Engine runs batches submitted over HTTP. Required.
	Engine *engine.Engine
	// Emitter backs every progress endpoint. Required, and must be the
	// same emitter the engine reports to.
	Emitter *telemetry.Emitter
	// Limits bounds the worker pools for submitted batches. Zero values
	// select the engine defaults.
	Limits engine.Limits
	// Logger receives server events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server serves progress and accepts batches until Shutdown.
type Server struct {
	eng      *engine.Engine
	emitter  *telemetry.Emitter
	limits   engine.Limits
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	started  time.Time

	// baseCtx governs submitted batches and open websocket streams;
	// Shutdown cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	summaries map[string]engine.Summary
}

// New builds a Server and its routes. It does not listen yet.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("server: telemetry emitter is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		eng:      cfg.Engine,
		emitter:  cfg.Emitter,
		limits:   cfg.Limits,
		log:      cfg.Logger,
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon binds to loopback by default; operators who
			// expose it put their own origin policy in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started:   time.Now(),
		baseCtx:   ctx,
		cancel:    cancel,
		summaries: make(map[string]engine.Summary),
	}
	s.metrics = newMetrics(s.registry, cfg.Engine.ActiveUnits)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.routes(router)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	api.GET("/progress", s.handleProgress)
	api.GET("/progress/:batchID", s.handleProgress)
	api.POST("/batches", s.handleSubmit)
	api.GET("/batches/:batchID/summary", s.handleSummary)

	r.GET("/ws/progress", s.handleSocket)
	r.GET("/ws/progress/:batchID", s.handleSocket)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.httpSrv.Addr, err)
	}
	return nil
}

// Shutdown stops the listener, cancels in-flight submitted batches and open
// websocket streams, and waits for submissions to settle their summaries.
// Cancelled batches clean their staging before reporting, so a drained
// shutdown leaves no partial destination files behind.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// snapshot reads the current record for one batch, or the most recently
// updated batch when batchID is empty.
func (s *Server) snapshot(batchID string) (telemetry.Record, bool) {
	if batchID == "" {
		return s.emitter.Latest()
	}
	return s.emitter.Read(batchID)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleProgress serves a polling snapshot: one batch when the path names an
// ID, otherwise the latest record across all batches.
func (s *Server) handleProgress(c *gin.Context) {
	rec, ok := s.snapshot(c.Param("batchID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown batch"})
		return
	}
	c.JSON(http.StatusOK, telemetry.NewMessage(rec))
}

// batchRequest is the submission wire shape.
type batchRequest struct {
	BatchID   string           `json:"batch_id"`
	Operation string           `json:"operation"`
	Mappings  []mappingRequest `json:"mappings"`
}

type mappingRequest struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
	Size   int64  `json:"size"`
}

// toBatch fills the request's gaps the way the manifest loader does: copy by
// default, generated IDs, sizes statted when undeclared so progress totals
// start honest. The batch ID keeps the operation as its leading token
// because the wire operationType derives from it.
func (r batchRequest) toBatch() engine.Batch {
	op := engine.OpCopy
	if r.Operation != "" {
		op = engine.Operation(r.Operation)
	}
	id := r.BatchID
	if id == "" {
		id = fmt.Sprintf("%s_%s", op, uuid.NewString()[:8])
	}

	batch := engine.Batch{ID: id, Operation: op}
	for i, m := range r.Mappings {
		mp := engine.Mapping{
			ID:         m.ID,
			SourcePath: m.Source,
			TargetPath: m.Target,
			Kind:       engine.KindFile,
			SizeBytes:  m.Size,
		}
		if mp.ID == "" {
			mp.ID = fmt.Sprintf("m%04d", i+1)
		}
		if engine.Kind(m.Kind) == engine.KindSequence {
			mp.Kind = engine.KindSequence
		}
		if mp.SizeBytes == 0 {
			if info, err := os.Stat(mp.SourcePath); err == nil && !info.IsDir() {
				mp.SizeBytes = info.Size()
			}
		}
		batch.Mappings = append(batch.Mappings, mp)
	}
	return batch
}

// handleSubmit accepts a batch and runs it in the background. The response
// carries the batch ID to poll or stream; the summary endpoint serves the
// outcome once the batch is terminal.
func (s *Server) handleSubmit(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("decode batch: %v", err)})
		return
	}
	batch := req.toBatch()
	if err := engine.ValidateBatch(batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sum, err := s.eng.Submit(s.baseCtx, batch, s.limits)
		if err != nil {
			// Lost the ID to a concurrent submission. The batch never
			// registered, so there is no summary to keep.
			s.log.Error("batch rejected", "batch", batch.ID, "error", err)
			return
		}
		s.metrics.observe(sum)
		s.mu.Lock()
		s.summaries[batch.ID] = sum
		s.mu.Unlock()
		s.log.Info("batch finished",
			"batch", batch.ID,
			"status", sum.Status,
			"succeeded", sum.Succeeded,
			"failed", sum.Failed)
	}()

	c.JSON(http.StatusAccepted, gin.H{"batch_id": batch.ID, "status": "accepted"})
}

// summaryResponse mirrors engine.Summary with wire-safe result errors.
type summaryResponse struct {
	BatchID   string           `json:"batch_id"`
	Status    telemetry.Status `json:"status"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []resultResponse `json:"results"`
}

type resultResponse struct {
	MappingID string `json:"mapping_id"`
	Success   bool   `json:"success"`
	Bytes     int64  `json:"bytesTransferred"`
	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newSummaryResponse(sum engine.Summary) summaryResponse {
	resp := summaryResponse{
		BatchID:   sum.BatchID,
		Status:    sum.Status,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Results:   make([]resultResponse, 0, len(sum.Results)),
	}
	for _, res := range sum.Results {
		rr := resultResponse{
			MappingID: res.MappingID,
			Success:   res.Success,
			Bytes:     res.BytesTransferred,
			ErrorKind: string(res.ErrorKind),
		}
		if res.Err != nil {
			rr.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, rr)
	}
	return resp
}

// handleSummary serves the terminal outcome of a batch submitted over HTTP.
// 404 until the batch finishes.
func (s *Server) handleSummary(c *gin.Context) {
	s.mu.Lock()
	sum, ok := s.summaries[c.Param("batchID")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "summary not available"})
		return
	}
	c.JSON(http.StatusOK, newSummaryResponse(sum))
}

// handleSocket streams progress over a websocket: the current snapshot on
// connect, then every push until the client hangs up. A single-batch stream
// closes itself after delivering the terminal record.
func (s *Server) handleSocket(c *gin.Context) {
	batchID := c.Param("batchID")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.emitter.Hub().Subscribe(batchID, wsBuffer)
	defer sub.Cancel()

	// Subscribing before the snapshot closes the gap where a push lands
	// between the two: the client may see one record twice, never zero.
	if rec, ok := s.snapshot(batchID); ok {
		if err := conn.WriteJSON(telemetry.NewMessage(rec)); err != nil {
			return
		}
		if batchID != "" && rec.Status.Terminal() {
			return
		}
	}

	// The client never sends application data; reading surfaces close
	// frames and dead peers. conn.Close on return unblocks the read.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec := <-sub.C:
			if err := conn.WriteJSON(telemetry.NewMessage(rec)); err != nil {
				return
			}
			if batchID != "" && rec.Status.Terminal() {
				return
			}
		case <-gone:
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}
