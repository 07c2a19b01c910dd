package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/report"
)

// Server exposes a local backend to remote harnesses and collects the
// result records they upload. Calls are served one at a time.
type Server struct {
	flight.BaseFlightServer

	backend *pipeline.Backend
	log     *logger.Logger

	mu        sync.Mutex
	next      int
	pipelines map[string]pipeline.Pipeline
	modules   map[string]pipeline.Module
	moduleIDs map[pipeline.Module]string
	sessions  map[string][]string
	results   map[string][]bench.Record

	// OnResult, when set, is called for every upload.
	OnResult func(name string, recs []bench.Record)
	// OnAction, when set, is called after every served action.
	OnAction func(action string, d time.Duration, err error)
}

// NewServer wraps backend. A nil backend serves result uploads only.
func NewServer(backend *pipeline.Backend) *Server {
	return &Server{
		backend:   backend,
		log:       logger.Log,
		pipelines: map[string]pipeline.Pipeline{},
		modules:   map[string]pipeline.Module{},
		moduleIDs: map[pipeline.Module]string{},
		sessions:  map[string][]string{},
		results:   map[string][]bench.Record{},
	}
}

// Listen binds addr and registers s on a new Flight server. The caller runs
// Serve and Shutdown.
func Listen(addr string, s *Server) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	return srv, nil
}

// Results returns the records uploaded under name.
func (s *Server) Results(name string) []bench.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bench.Record(nil), s.results[name]...)
}

func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	names := make([]string, 0, len(actionDescriptions))
	for n := range actionDescriptions {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := stream.Send(&flight.ActionType{Type: n, Description: actionDescriptions[n]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	var req request
	if len(action.Body) > 0 {
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode %s: %s", action.Type, err)
		}
	}
	if s.backend == nil {
		return status.Error(codes.Unavailable, "no backend attached")
	}

	start := time.Now()
	s.mu.Lock()
	resp, err := s.handle(stream.Context(), action.Type, req)
	s.mu.Unlock()
	if s.OnAction != nil {
		s.OnAction(action.Type, time.Since(start), err)
	}
	if err != nil {
		s.log.Debug("Action failed", "action", action.Type, "error", err)
		return toStatus(err)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithSchema(report.Schema))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read input stream: %s", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 2 || desc.Path[0] != ResultsPath || desc.Path[1] == "" {
		return status.Errorf(codes.InvalidArgument, "expected descriptor path %s/<name>", ResultsPath)
	}
	name := desc.Path[1]

	var recs []bench.Record
	for rdr.Next() {
		batch, err := report.FromArrow(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		recs = append(recs, batch...)
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.InvalidArgument, "read records: %s", err)
	}

	s.mu.Lock()
	s.results[name] = append(s.results[name], recs...)
	cb := s.OnResult
	s.mu.Unlock()

	s.log.Info("Received results", "name", name, "rows", len(recs))
	if cb != nil {
		cb(name, recs)
	}
	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(len(recs)))})
}

func (s *Server) handle(ctx context.Context, action string, req request) (*response, error) {
	b := s.backend
	switch action {
	case ActionInfo:
		return &response{Backend: b.Name, Device: b.Device, Virtual: b.Clock != nil}, nil

	case ActionLoad:
		p, err := b.Loader.Load(ctx, req.Checkpoint, req.DType)
		if err != nil {
			return nil, err
		}
		s.next++
		id := "p" + strconv.Itoa(s.next)
		s.pipelines[id] = p
		s.sessions[req.Session] = append(s.sessions[req.Session], id)
		return &response{Pipeline: id, ClassName: p.ClassName()}, nil

	case ActionLoadModule:
		m, err := b.Loader.LoadModule(ctx, req.Checkpoint, req.DType)
		if err != nil {
			return nil, err
		}
		return s.moduleResponse(req.Session, m), nil

	case ActionComponent:
		p, err := s.pipeline(req.Pipeline)
		if err != nil {
			return nil, err
		}
		m, err := p.Component(req.Name)
		if err != nil {
			return nil, err
		}
		return s.moduleResponse(req.Session, m), nil

	case ActionSetComponent:
		p, err := s.pipeline(req.Pipeline)
		if err != nil {
			return nil, err
		}
		m, err := s.module(req.Module)
		if err != nil {
			return nil, err
		}
		return &response{}, p.SetComponent(req.Name, m)

	case ActionUpcastVAE, ActionSetAttention, ActionTo, ActionProgressBar, ActionRun:
		p, err := s.pipeline(req.Pipeline)
		if err != nil {
			return nil, err
		}
		return &response{}, s.pipelineCall(ctx, p, action, req)

	case ActionFuse, ActionMemoryFormat, ActionLayers, ActionQuantize, ActionCompile:
		m, err := s.module(req.Module)
		if err != nil {
			return nil, err
		}
		return s.moduleCall(ctx, m, action, req)

	case ActionSync:
		return &response{}, b.Runtime.Synchronize(ctx)
	case ActionMaxMemory:
		return &response{Bytes: b.Runtime.MaxMemoryAllocated()}, nil
	case ActionResetPeak:
		b.Runtime.ResetPeakMemoryStats()
		return &response{}, nil
	case ActionTotalMemory:
		return &response{Bytes: b.Runtime.TotalMemory()}, nil
	case ActionClock:
		if b.Clock == nil {
			return nil, fmt.Errorf("backend %s has no virtual clock: %w", b.Name, pipeline.ErrUnsupported)
		}
		return &response{UnixNano: b.Clock().UnixNano()}, nil
	case ActionRelease:
		return &response{}, s.release(ctx, req.Session)
	}
	return nil, fmt.Errorf("action %q: %w", action, pipeline.ErrUnsupported)
}

func (s *Server) pipelineCall(ctx context.Context, p pipeline.Pipeline, action string, req request) error {
	switch action {
	case ActionUpcastVAE:
		return p.UpcastVAE()
	case ActionSetAttention:
		return p.SetAttentionBackend(pipeline.AttentionBackend(req.Value))
	case ActionTo:
		return p.To(ctx, req.Value)
	case ActionProgressBar:
		return p.SetProgressBar(req.Enabled)
	case ActionRun:
		if req.Run == nil {
			return fmt.Errorf("run: missing request: %w", errBadRequest)
		}
		return p.Run(ctx, *req.Run)
	}
	return fmt.Errorf("action %q: %w", action, pipeline.ErrUnsupported)
}

func (s *Server) moduleCall(ctx context.Context, m pipeline.Module, action string, req request) (*response, error) {
	switch action {
	case ActionFuse:
		return &response{}, m.FuseQKVProjections()
	case ActionMemoryFormat:
		return &response{}, m.SetMemoryFormat(pipeline.MemoryFormat(req.Value))
	case ActionLayers:
		return &response{Name: m.Name(), Layers: m.Layers()}, nil
	case ActionQuantize:
		return &response{}, s.backend.Quantizer.Quantize(ctx, m, req.Layer)
	case ActionCompile:
		if req.Compile == nil {
			return nil, fmt.Errorf("compile: missing options: %w", errBadRequest)
		}
		out, err := s.backend.Compiler.Compile(ctx, m, *req.Compile)
		if err != nil {
			return nil, err
		}
		return s.moduleResponse(req.Session, out), nil
	}
	return nil, fmt.Errorf("action %q: %w", action, pipeline.ErrUnsupported)
}

func (s *Server) pipeline(id string) (pipeline.Pipeline, error) {
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, pipeline.ErrNotLoaded)
	}
	return p, nil
}

func (s *Server) module(id string) (pipeline.Module, error) {
	m, ok := s.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, pipeline.ErrNotLoaded)
	}
	return m, nil
}

// moduleResponse returns the handle of m, registering it to session on
// first sight.
func (s *Server) moduleResponse(session string, m pipeline.Module) *response {
	id, ok := s.moduleIDs[m]
	if !ok {
		s.next++
		id = "m" + strconv.Itoa(s.next)
		s.modules[id] = m
		s.moduleIDs[m] = id
		s.sessions[session] = append(s.sessions[session], id)
	}
	return &response{Module: id, Name: m.Name()}
}

// release moves the pipelines of session off the device, forgets every
// handle it created and resets the peak counter, so the next session
// measures from an empty device.
func (s *Server) release(ctx context.Context, session string) error {
	var errs []error
	for _, id := range s.sessions[session] {
		if p, ok := s.pipelines[id]; ok {
			if err := p.To(ctx, "cpu"); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", id, err))
			}
			delete(s.pipelines, id)
		}
		if m, ok := s.modules[id]; ok {
			delete(s.moduleIDs, m)
			delete(s.modules, id)
		}
	}
	n := len(s.sessions[session])
	delete(s.sessions, session)
	s.backend.Runtime.ResetPeakMemoryStats()
	s.log.Debug("Released session", "session", session, "handles", n)
	return errors.Join(errs...)
}
