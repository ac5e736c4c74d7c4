package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/detect"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/portalloc"
	"github.com/isdmx/runbox/proxy"
)

// ErrEmptyCode is returned when a request carries no code to run.
var ErrEmptyCode = errors.New("code must not be empty")

// Executor coordinates the pool, the engine, the port allocator, and the
// proxy registry for one execution at a time.
type Executor struct {
	cfg      *config.Config
	pool     *pool.Manager
	engine   engine.Client
	ports    *portalloc.Allocator
	registry *proxy.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates an executor.
func New(cfg *config.Config, p *pool.Manager, client engine.Client, ports *portalloc.Allocator, registry *proxy.Registry, collector *metrics.Collector, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		pool:     p,
		engine:   client,
		ports:    ports,
		registry: registry,
		metrics:  collector,
		logger:   logger,
	}
}

// Run executes the request. Code that detection classifies as a web service
// is started in the background and the result returns its proxy URL
// immediately; everything else runs as a script under a wall-clock timeout.
// Errors in the submitted code are reported inside the Result; a non-nil
// error means the platform itself failed.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}
	start := time.Now()

	desc, isService := detect.Detect(req.Code, req.Packages)

	acquireCtx := ctx
	if isService {
		// Service startup has a larger budget: the image build plus the
		// container re-creation both happen before the call returns.
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.cfg.ServiceStartTimeout())
		defer cancel()
	}

	c, err := e.pool.Acquire(acquireCtx, req.Packages, req.ContainerID)
	if err != nil {
		e.record("error", start)
		return nil, err
	}

	if isService {
		return e.runService(acquireCtx, c, desc, req, start)
	}
	return e.runScript(ctx, c, req, start)
}

// runService allocates a host port, relaunches the container with the port
// mapped, and registers the service with the proxy.
func (e *Executor) runService(ctx context.Context, c *pool.Container, desc detect.Descriptor, req Request, start time.Time) (*Result, error) {
	lease, err := e.ports.Allocate()
	if err != nil {
		e.record("error", start)
		return nil, err
	}

	oldShortID := c.ShortID()
	svc, err := e.pool.StartWebService(ctx, c, desc, lease, req.Code, envSlice(req.Env))
	if err != nil {
		e.ports.Release(lease)
		e.registry.Deregister(oldShortID)
		e.syncGauges()
		e.record("error", start)
		return nil, err
	}

	shortID := svc.ShortID()
	// A redeploy replaces the container, so the old short id must stop
	// routing before the new one is registered.
	if oldShortID != shortID {
		e.registry.Deregister(oldShortID)
	}
	e.registry.Register(&proxy.Registration{
		ShortID:       shortID,
		ContainerID:   svc.ID,
		ContainerName: svc.Name,
		ServiceType:   desc.Type,
		InternalPort:  desc.InternalPort,
		ExternalPort:  lease.Port,
	})
	e.syncGauges()
	e.record("success", start)

	return &Result{
		Success:       true,
		Output:        fmt.Sprintf("%s service starting on port %d", desc.Type, lease.Port),
		ContainerID:   shortID,
		ContainerName: svc.Name,
		ExecutionTime: time.Since(start).Seconds(),
		WebService: &WebService{
			Type:         string(desc.Type),
			InternalPort: desc.InternalPort,
			ExternalPort: lease.Port,
			ProxyURL:     proxy.ServiceURL(e.cfg.Server.PublicBaseURL, shortID),
		},
	}, nil
}

// runScript writes the code into the container and runs it under the
// wall-clock timeout. On timeout the in-container process is killed but the
// container survives for reuse.
func (e *Executor) runScript(ctx context.Context, c *pool.Container, req Request, start time.Time) (*Result, error) {
	scriptName := "job-" + uuid.NewString()[:8] + ".py"
	scriptPath := "/tmp/" + scriptName

	if err := e.engine.WriteFile(ctx, c.ID, "/tmp", scriptName, []byte(req.Code)); err != nil {
		e.record("error", start)
		return nil, err
	}
	defer e.cleanupScript(ctx, c.ID, scriptPath)

	// Stats are best-effort on both sides of the run; a failed snapshot
	// degrades the result's metrics, never the execution.
	pre, err := e.engine.Stats(ctx, c.ID)
	if err != nil {
		e.logger.Debug("pre-execution stats unavailable", zap.Error(err))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, execErr := e.engine.Exec(execCtx, c.ID, []string{"python", scriptPath}, envSlice(req.Env))

	timedOut := false
	if execErr != nil {
		if !errors.Is(execErr, context.DeadlineExceeded) {
			e.record("error", start)
			return nil, execErr
		}
		timedOut = true
		e.killScript(ctx, c, scriptPath)
	}

	post, err := e.engine.Stats(ctx, c.ID)
	if err != nil {
		e.logger.Debug("post-execution stats unavailable", zap.Error(err))
	}

	result := &Result{
		ContainerID:   c.ShortID(),
		ContainerName: c.Name,
		ExecutionTime: time.Since(start).Seconds(),
		TimedOut:      timedOut,
		Metrics:       deltaMetrics(pre, post),
	}

	if timedOut {
		result.ExitCode = -1
		if res != nil {
			result.Output = res.Stdout
		}
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
		e.record("timeout", start)
		return result, nil
	}

	result.Output = res.Stdout
	result.Error = res.Stderr
	result.ExitCode = res.ExitCode
	result.Success = res.ExitCode == 0

	if result.Success {
		e.record("success", start)
	} else {
		e.record("failure", start)
	}
	return result, nil
}

// killScript terminates the timed-out process inside the container. The kill
// runs on a fresh context so it still fires when the request context is
// already done.
func (e *Executor) killScript(ctx context.Context, c *pool.Container, scriptPath string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := e.engine.Exec(killCtx, c.ID, []string{"pkill", "-9", "-f", scriptPath}, nil); err != nil {
		e.logger.Warn("failed to kill timed-out process",
			zap.String("container_id", c.ShortID()),
			zap.Error(err))
	}
}

func (e *Executor) cleanupScript(ctx context.Context, containerID, scriptPath string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.engine.ExecDetached(cleanupCtx, containerID, []string{"rm", "-f", scriptPath}, nil); err != nil {
		e.logger.Debug("failed to remove script", zap.String("path", scriptPath), zap.Error(err))
	}
}

// ContainerInfo is the debug view of one pooled container.
type ContainerInfo struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Signature     string `json:"signature"`
	State         string `json:"state"`
	WebService    bool   `json:"web_service"`
	InternalPort  int    `json:"internal_port,omitempty"`
	ExternalPort  int    `json:"external_port,omitempty"`
}

// ListContainers returns the pool contents sorted by creation time.
func (e *Executor) ListContainers() []ContainerInfo {
	containers := e.pool.List()
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].CreatedAt.Before(containers[j].CreatedAt)
	})

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			ContainerID:   c.ShortID(),
			ContainerName: c.Name,
			Signature:     c.Signature,
			State:         string(e.pool.StateOf(c)),
			WebService:    c.Port != nil,
		}
		if c.Port != nil {
			info.InternalPort = c.Port.Internal
			info.ExternalPort = c.Port.External
		}
		out = append(out, info)
	}
	return out
}

// RemoveContainer tears down one container by full or short id, unhooking
// any hosted service first.
func (e *Executor) RemoveContainer(ctx context.Context, id string) error {
	c := e.pool.Lookup(id)
	if c == nil {
		return fmt.Errorf("%w: %s", pool.ErrContainerNotFound, id)
	}

	e.registry.Deregister(c.ShortID())
	if err := e.pool.Release(ctx, c); err != nil {
		return err
	}
	e.syncGauges()
	return nil
}

// RemoveAll tears down every pooled container and clears all proxy
// registrations.
func (e *Executor) RemoveAll(ctx context.Context) error {
	for _, reg := range e.registry.List() {
		e.registry.Deregister(reg.ShortID)
	}
	err := e.pool.RemoveAll(ctx)
	e.syncGauges()
	return err
}

func (e *Executor) syncGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.SetContainersActive(e.pool.Count())
	e.metrics.SetPortsLeased(e.ports.LeasedCount())
}

func (e *Executor) record(status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordExecution(status, time.Since(start))
}

// envSlice renders the request environment as KEY=VALUE pairs in sorted
// order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
