package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlistings/rcpeval/evaluator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an HTTP server for expression evaluation",
	Long: `Start an HTTP server exposing the evaluator.

Endpoints:
  POST   /evaluate                   Evaluate once (throwaway instance)
  POST   /evaluators                 Create a reusable evaluator, returns {"id":"..."}
  POST   /evaluators/{id}/evaluate   Evaluate on a reusable instance
  DELETE /evaluators/{id}            Close an evaluator
  GET    /health                     Health check
  GET    /metrics                    Prometheus metrics

With --watch, rebuilding the evaluator module hot-swaps the engine.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().Bool("watch", false, "Reload the engine when the artifact changes")
	serveCmd.Flags().Duration("evaluator-ttl", 15*time.Minute, "Idle evaluator lifetime")
	rootCmd.AddCommand(serveCmd)
}

// evaluateRequest is the HTTP request body. previousValue is tri-state
// exactly like the guest envelope: key absent, explicit null, or a value.
type evaluateRequest struct {
	Expression    string          `json:"expression"`
	Value         json.RawMessage `json:"value,omitempty"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
}

type evaluateResponse struct {
	Data       any    `json:"data"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type createEvaluatorResponse struct {
	ID string `json:"id"`
}

// server owns the engine, the pool of reusable evaluators, and metrics.
// The engine is swapped wholesale on artifact reload, which closes every
// pooled evaluator.
type server struct {
	log        *zap.Logger
	metrics    *serverMetrics
	engineOpts []evaluator.EngineOption

	mu         sync.RWMutex
	engine     *evaluator.Engine
	evaluators map[string]*managedEvaluator
	ttl        time.Duration
}

type managedEvaluator struct {
	ev       *evaluator.Evaluator
	lastUsed time.Time
}

func newServer(engine *evaluator.Engine, engineOpts []evaluator.EngineOption, ttl time.Duration, log *zap.Logger) *server {
	s := &server{
		log:        log,
		metrics:    newServerMetrics(),
		engineOpts: engineOpts,
		engine:     engine,
		evaluators: make(map[string]*managedEvaluator),
		ttl:        ttl,
	}
	go s.sweepIdle()
	return s
}

func (s *server) currentEngine() *evaluator.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// reload swaps in a fresh engine built with the original options and
// closes the old one along with every evaluator created from it.
func (s *server) reload(ctx context.Context) {
	fresh, err := evaluator.NewEngine(s.engineOpts...)
	if err != nil {
		s.log.Error("engine reload failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	old := s.engine
	s.engine = fresh
	dropped := len(s.evaluators)
	s.evaluators = make(map[string]*managedEvaluator)
	s.mu.Unlock()

	s.metrics.activeEvaluators.Set(0)
	s.metrics.engineReloads.Inc()
	old.Close(ctx)

	s.log.Info("engine reloaded", zap.Int("evaluators_dropped", dropped))
}

func (s *server) createEvaluator(ctx context.Context) (string, error) {
	ev, err := s.currentEngine().NewEvaluator(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.evaluators[id] = &managedEvaluator{ev: ev, lastUsed: time.Now()}
	s.mu.Unlock()
	s.metrics.activeEvaluators.Inc()
	return id, nil
}

func (s *server) getEvaluator(id string) (*evaluator.Evaluator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.evaluators[id]
	if !ok {
		return nil, false
	}
	m.lastUsed = time.Now()
	return m.ev, true
}

func (s *server) closeEvaluator(ctx context.Context, id string) bool {
	s.mu.Lock()
	m, ok := s.evaluators[id]
	if ok {
		delete(s.evaluators, id)
	}
	s.mu.Unlock()

	if ok {
		m.ev.Close(ctx)
		s.metrics.activeEvaluators.Dec()
	}
	return ok
}

func (s *server) sweepIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		var expired []string
		for id, m := range s.evaluators {
			if now.Sub(m.lastUsed) > s.ttl {
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()

		for _, id := range expired {
			s.closeEvaluator(context.Background(), id)
		}
	}
}

// evaluate runs one request against ev and records metrics.
func (s *server) evaluate(ctx context.Context, ev *evaluator.Evaluator, req evaluateRequest) evaluateResponse {
	var evalOpts []evaluator.EvalOption
	if req.PreviousValue != nil {
		var previous any
		// Unmarshal never fails here: RawMessage already validated it.
		json.Unmarshal(req.PreviousValue, &previous)
		evalOpts = append(evalOpts, evaluator.WithPrevious(previous))
	}

	var value any
	if req.Value != nil {
		json.Unmarshal(req.Value, &value)
	}

	start := time.Now()
	data, err := ev.Evaluate(ctx, req.Expression, value, evalOpts...)
	elapsed := time.Since(start)
	s.metrics.observe(err, elapsed)

	resp := evaluateResponse{Data: data, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
		resp.Data = nil
	}
	return resp
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/evaluate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, ok := decodeEvaluateRequest(w, r)
		if !ok {
			return
		}

		ev, err := s.currentEngine().NewEvaluator(r.Context())
		if err != nil {
			s.metrics.observe(err, 0)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer ev.Close(r.Context())

		writeJSON(w, s.evaluate(r.Context(), ev, req))
	})

	mux.HandleFunc("/evaluators", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, err := s.createEvaluator(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, createEvaluatorResponse{ID: id})
	})

	mux.HandleFunc("/evaluators/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/evaluators/")
		id, rest, _ := strings.Cut(path, "/")
		if id == "" {
			http.Error(w, "evaluator id required", http.StatusBadRequest)
			return
		}

		switch {
		case r.Method == http.MethodDelete && rest == "":
			if s.closeEvaluator(r.Context(), id) {
				w.WriteHeader(http.StatusNoContent)
			} else {
				http.Error(w, "evaluator not found", http.StatusNotFound)
			}

		case r.Method == http.MethodPost && rest == "evaluate":
			ev, ok := s.getEvaluator(id)
			if !ok {
				http.Error(w, "evaluator not found", http.StatusNotFound)
				return
			}
			req, ok := decodeEvaluateRequest(w, r)
			if !ok {
				return
			}
			writeJSON(w, s.evaluate(r.Context(), ev, req))

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", s.metrics.handler())

	return mux
}

func decodeEvaluateRequest(w http.ResponseWriter, r *http.Request) (evaluateRequest, bool) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.Expression == "" {
		http.Error(w, "expression required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) {
	listen, _ := cmd.Flags().GetString("listen")
	watch, _ := cmd.Flags().GetBool("watch")
	ttl, _ := cmd.Flags().GetDuration("evaluator-ttl")

	log := newLogger(cmd)
	defer log.Sync()

	cfg, err := loadConfig(cmd)
	if err != nil {
		fatalf("%v", err)
	}
	if !cmd.Flags().Changed("listen") && cfg.Listen != "" {
		listen = cfg.Listen
	}
	if !cmd.Flags().Changed("watch") && cfg.Watch {
		watch = true
	}
	if !cmd.Flags().Changed("evaluator-ttl") && cfg.EvaluatorTTL != "" {
		d, err := time.ParseDuration(cfg.EvaluatorTTL)
		if err != nil {
			fatalf("invalid evaluator_ttl: %v", err)
		}
		ttl = d
	}

	engineOpts := engineOptions(cmd, cfg, log)
	engine, err := evaluator.NewEngine(engineOpts...)
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	s := newServer(engine, engineOpts, ttl, log)
	defer s.currentEngine().Close(ctx)

	// Compile up front so a missing or broken artifact fails at startup,
	// not on the first request.
	warm, err := s.currentEngine().NewEvaluator(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	warm.Close(ctx)

	if watch {
		artifact := cfg.Artifact
		if flag, _ := cmd.Root().PersistentFlags().GetString("artifact"); flag != "" {
			artifact = flag
		}
		if artifact == "" {
			artifact = evaluator.DefaultArtifactPath
		}
		go func() {
			if err := watchArtifact(ctx, artifact, log, func() { s.reload(ctx) }); err != nil && ctx.Err() == nil {
				log.Error("artifact watch stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "rcpeval server listening on %s\n", listen)
	if err := http.ListenAndServe(listen, s.handler()); err != nil {
		fatalf("%v", err)
	}
}
