package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-diffbench/internal/bench"
	"github.com/23skdu/longbow-diffbench/internal/logger"
	"github.com/23skdu/longbow-diffbench/internal/pipeline"
	"github.com/23skdu/longbow-diffbench/internal/report"
)

// DefaultTimeout bounds calls that carry no context of their own.
const DefaultTimeout = 30 * time.Second

func init() {
	pipeline.Register(BackendName, func(opts pipeline.Options) (*pipeline.Backend, error) {
		if opts.Addr == "" {
			return nil, fmt.Errorf("missing worker address")
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		c, err := Dial(opts.Addr)
		if err != nil {
			return nil, err
		}
		b, err := c.Backend(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
		return b, nil
	})
}

// Client wraps a Flight connection to a pipeline worker or result collector.
// Handles created through one Client form a session on the worker that
// Close releases.
type Client struct {
	client  flight.Client
	addr    string
	session string
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	opened bool
	err    error
}

// Dial connects to addr. The connection is established lazily on first call.
func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	session := uuid.NewString()
	return &Client{
		client:  fc,
		addr:    addr,
		session: session,
		timeout: DefaultTimeout,
		log:     logger.Log.With("worker", addr, "session", session),
	}, nil
}

// Close releases the session on the worker, if one was opened, and closes
// the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	opened := c.opened
	c.opened = false
	c.mu.Unlock()
	if opened {
		if _, err := c.callNoCtx(ActionRelease, request{}); err != nil {
			c.log.Warn("Failed to release worker session", "error", err)
		}
	}
	return c.client.Close()
}

// Err returns the first failure of a call whose interface method has no
// error return, such as a clock or peak memory read. Results measured after
// such a failure must not be trusted.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, action string, req request) (*response, error) {
	req.Session = c.session
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.DoAction(ctx, &flight.Action{Type: action, Body: body})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, fromStatus(err))
	}
	res, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, fromStatus(err))
	}
	if err := flight.ReadUntilEOF(stream); err != nil {
		return nil, fmt.Errorf("%s: %w", action, fromStatus(err))
	}
	var resp response
	if len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, &resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", action, err)
		}
	}
	return &resp, nil
}

// callNoCtx runs a call for interface methods that take no context.
func (c *Client) callNoCtx(action string, req request) (*response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.call(ctx, action, req)
}

// Backend describes the worker as a pipeline backend. The worker's device
// name is used for placement; when the worker runs on a virtual clock the
// backend reads timings from it.
func (c *Client) Backend(ctx context.Context) (*pipeline.Backend, error) {
	info, err := c.call(ctx, ActionInfo, request{})
	if err != nil {
		return nil, err
	}
	c.log.Info("Connected to pipeline worker", "backend", info.Backend, "device", info.Device)
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	b := &pipeline.Backend{
		Name:      BackendName,
		Device:    info.Device,
		Loader:    (*loader)(c),
		Compiler:  (*compiler)(c),
		Quantizer: (*quantizer)(c),
		Runtime:   (*runtime)(c),
		Close:     c.Close,
		Err:       c.Err,
	}
	if info.Virtual {
		b.Clock = c.clock
	}
	return b, nil
}

func (c *Client) clock() time.Time {
	resp, err := c.callNoCtx(ActionClock, request{})
	if err != nil {
		c.log.Error("Failed to read worker clock", "error", err)
		c.fail(err)
		return time.Time{}
	}
	return time.Unix(0, resp.UnixNano)
}

// PutResults uploads records under results/<name>.
func (c *Client) PutResults(ctx context.Context, name string, recs ...bench.Record) error {
	rec := report.ToArrow(nil, recs...)
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut writer: %w", fromStatus(err))
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(report.Schema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{ResultsPath, name},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	if _, err := stream.Recv(); err != nil {
		return fmt.Errorf("put %s: %w", name, fromStatus(err))
	}
	c.log.Debug("Uploaded results", "name", name, "rows", len(recs))
	return nil
}

type loader Client

func (l *loader) Load(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Pipeline, error) {
	c := (*Client)(l)
	resp, err := c.call(ctx, ActionLoad, request{Checkpoint: checkpoint, DType: dtype})
	if err != nil {
		return nil, err
	}
	return &remotePipeline{c: c, id: resp.Pipeline, className: resp.ClassName}, nil
}

func (l *loader) LoadModule(ctx context.Context, checkpoint string, dtype pipeline.DType) (pipeline.Module, error) {
	c := (*Client)(l)
	resp, err := c.call(ctx, ActionLoadModule, request{Checkpoint: checkpoint, DType: dtype})
	if err != nil {
		return nil, err
	}
	return &remoteModule{c: c, id: resp.Module, name: resp.Name}, nil
}

type compiler Client

func (cc *compiler) Compile(ctx context.Context, m pipeline.Module, opts pipeline.CompileOptions) (pipeline.Module, error) {
	c := (*Client)(cc)
	rm, err := c.own(m)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, ActionCompile, request{Module: rm.id, Compile: &opts})
	if err != nil {
		return nil, err
	}
	return &remoteModule{c: c, id: resp.Module, name: resp.Name}, nil
}

type quantizer Client

func (q *quantizer) Quantize(ctx context.Context, m pipeline.Module, layer string) error {
	c := (*Client)(q)
	rm, err := c.own(m)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, ActionQuantize, request{Module: rm.id, Layer: layer})
	return err
}

type runtime Client

func (r *runtime) Name() string { return BackendName + "://" + r.addr }

func (r *runtime) Synchronize(ctx context.Context) error {
	_, err := (*Client)(r).call(ctx, ActionSync, request{})
	return err
}

func (r *runtime) MaxMemoryAllocated() int64 {
	resp, err := (*Client)(r).callNoCtx(ActionMaxMemory, request{})
	if err != nil {
		r.log.Error("Failed to read peak memory", "error", err)
		(*Client)(r).fail(err)
		return 0
	}
	return resp.Bytes
}

func (r *runtime) ResetPeakMemoryStats() {
	if _, err := (*Client)(r).callNoCtx(ActionResetPeak, request{}); err != nil {
		r.log.Error("Failed to reset peak memory", "error", err)
		(*Client)(r).fail(err)
	}
}

func (r *runtime) TotalMemory() int64 {
	resp, err := (*Client)(r).callNoCtx(ActionTotalMemory, request{})
	if err != nil {
		r.log.Error("Failed to read device capacity", "error", err)
		(*Client)(r).fail(err)
		return 0
	}
	return resp.Bytes
}

func (c *Client) own(m pipeline.Module) (*remoteModule, error) {
	rm, ok := m.(*remoteModule)
	if !ok || rm.c != c {
		return nil, fmt.Errorf("foreign module %T: %w", m, pipeline.ErrUnsupported)
	}
	return rm, nil
}

type remotePipeline struct {
	c         *Client
	id        string
	className string
}

func (p *remotePipeline) ClassName() string { return p.className }

func (p *remotePipeline) Component(name string) (pipeline.Module, error) {
	resp, err := p.c.callNoCtx(ActionComponent, request{Pipeline: p.id, Name: name})
	if err != nil {
		return nil, err
	}
	return &remoteModule{c: p.c, id: resp.Module, name: resp.Name}, nil
}

func (p *remotePipeline) SetComponent(name string, m pipeline.Module) error {
	rm, err := p.c.own(m)
	if err != nil {
		return err
	}
	_, err = p.c.callNoCtx(ActionSetComponent, request{Pipeline: p.id, Name: name, Module: rm.id})
	return err
}

func (p *remotePipeline) UpcastVAE() error {
	_, err := p.c.callNoCtx(ActionUpcastVAE, request{Pipeline: p.id})
	return err
}

func (p *remotePipeline) SetAttentionBackend(b pipeline.AttentionBackend) error {
	_, err := p.c.callNoCtx(ActionSetAttention, request{Pipeline: p.id, Value: string(b)})
	return err
}

func (p *remotePipeline) To(ctx context.Context, dev string) error {
	_, err := p.c.call(ctx, ActionTo, request{Pipeline: p.id, Value: dev})
	return err
}

func (p *remotePipeline) SetProgressBar(enabled bool) error {
	_, err := p.c.callNoCtx(ActionProgressBar, request{Pipeline: p.id, Enabled: enabled})
	return err
}

func (p *remotePipeline) Run(ctx context.Context, req pipeline.Request) error {
	_, err := p.c.call(ctx, ActionRun, request{Pipeline: p.id, Run: &req})
	return err
}

type remoteModule struct {
	c    *Client
	id   string
	name string
}

func (m *remoteModule) Name() string { return m.name }

// Layers lists the worker-side layers. Quantization selection runs on the
// client against this list.
func (m *remoteModule) Layers() []pipeline.Layer {
	resp, err := m.c.callNoCtx(ActionLayers, request{Module: m.id})
	if err != nil {
		m.c.log.Error("Failed to list layers", "module", m.name, "error", err)
		m.c.fail(err)
		return nil
	}
	return resp.Layers
}

func (m *remoteModule) FuseQKVProjections() error {
	_, err := m.c.callNoCtx(ActionFuse, request{Module: m.id})
	return err
}

func (m *remoteModule) SetMemoryFormat(f pipeline.MemoryFormat) error {
	_, err := m.c.callNoCtx(ActionMemoryFormat, request{Module: m.id, Value: string(f)})
	return err
}
