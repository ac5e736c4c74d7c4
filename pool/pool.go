package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/runbox/detect"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/portalloc"
	"github.com/isdmx/runbox/security"
)

// ErrContainerNotFound is returned when an explicitly requested container id
// is unknown to the pool.
var ErrContainerNotFound = errors.New("container not found")

// State is a container's lifecycle state as tracked by the pool.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateRemoved State = "removed"
)

// Container is a pooled execution container. The pool owns it exclusively;
// other components reference it by id only.
type Container struct {
	ID        string
	Name      string
	Signature string
	Image     string
	State     State
	Port      *engine.PortMapping
	Lease     *portalloc.Lease
	CreatedAt time.Time
}

// ShortID returns the first 8 characters of the engine container id, the key
// used in proxy paths.
func (c *Container) ShortID() string {
	return ShortID(c.ID)
}

// ShortID shortens a full container id to its routing form.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Manager is the container pool. All registry access is mutex-guarded;
// creation per signature is serialized through singleflight.
type Manager struct {
	client  engine.Client
	profile *security.Profile
	ports   *portalloc.Allocator
	logger  *zap.Logger

	group singleflight.Group

	mu    sync.Mutex
	bySig map[string]*Container
	byID  map[string]*Container
}

// NewManager creates a pool bound to the engine client and the immutable
// security profile.
func NewManager(client engine.Client, profile *security.Profile, ports *portalloc.Allocator, logger *zap.Logger) *Manager {
	return &Manager{
		client:  client,
		profile: profile,
		ports:   ports,
		logger:  logger,
		bySig:   make(map[string]*Container),
		byID:    make(map[string]*Container),
	}
}

// Acquire returns a running container for the package set. An explicit id
// takes precedence when it names a pooled container. Otherwise the signature
// registry is consulted: a match is returned after confirming with the engine
// that it still runs, restarting it in place when it stopped, and a miss
// creates a new container. Concurrent Acquire calls for the same unseen
// signature share one creation.
func (m *Manager) Acquire(ctx context.Context, packages []string, explicitID string) (*Container, error) {
	if explicitID != "" {
		return m.acquireExplicit(ctx, explicitID)
	}

	sig := Signature(packages)

	if c, err, handled := m.reuseBySignature(ctx, sig); handled {
		return c, err
	}

	v, err, _ := m.group.Do(sig, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have finished
		// creating while this one waited for the flight slot.
		if c, err, handled := m.reuseBySignature(ctx, sig); handled {
			return c, err
		}
		return m.create(ctx, sig, packages)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Container), nil
}

// acquireExplicit resolves an explicit container id, accepting the short
// form.
func (m *Manager) acquireExplicit(ctx context.Context, id string) (*Container, error) {
	c := m.Lookup(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, ShortID(id))
	}
	if err := m.ensureRunning(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// reuseBySignature returns (container, nil, true) when an existing container
// serves the signature, restarting a stopped one in place. handled is false
// on a registry miss.
func (m *Manager) reuseBySignature(ctx context.Context, sig string) (*Container, error, bool) {
	m.mu.Lock()
	c := m.bySig[sig]
	var state State
	if c != nil {
		state = c.State
	}
	m.mu.Unlock()

	if c == nil || state == StateRemoved {
		return nil, nil, false
	}

	if err := m.ensureRunning(ctx, c); err != nil {
		return nil, err, true
	}
	return c, nil, true
}

// ensureRunning asks the engine whether the container is still up and
// restarts it in place when it stopped outside the pool's control.
func (m *Manager) ensureRunning(ctx context.Context, c *Container) error {
	running, err := m.client.ContainerRunning(ctx, c.ID)
	if err != nil {
		return err
	}
	if running {
		return nil
	}

	m.setState(c, StateStopped)
	if err := m.client.StartContainer(ctx, c.ID); err != nil {
		return err
	}
	m.setState(c, StateRunning)
	m.logger.Info("restarted stopped container in place",
		zap.String("container_id", c.ShortID()),
		zap.String("signature", c.Signature))
	return nil
}

// create builds the image for the signature and starts a fresh hardened
// container. A failed package installation tears the build down and leaves
// nothing registered.
func (m *Manager) create(ctx context.Context, sig string, packages []string) (*Container, error) {
	image, err := m.client.EnsureImage(ctx, sig, packages)
	if err != nil {
		return nil, err
	}

	name := "runbox-" + uuid.NewString()[:8]
	id, err := m.client.CreateContainer(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   image,
		Cmd:     []string{"tail", "-f", "/dev/null"},
		Profile: m.profile,
	})
	if err != nil {
		return nil, err
	}

	c := &Container{
		ID:        id,
		Name:      name,
		Signature: sig,
		Image:     image,
		State:     StateRunning,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.bySig[sig] = c
	m.byID[id] = c
	m.mu.Unlock()

	m.logger.Info("container created",
		zap.String("container_id", c.ShortID()),
		zap.String("name", name),
		zap.String("signature", sig))
	return c, nil
}

// StartWebService re-creates the container with the leased host port mapped
// to the service's internal port and launches the start command detached. It
// returns once the command has been issued; readiness is probed by the proxy.
func (m *Manager) StartWebService(ctx context.Context, c *Container, desc detect.Descriptor, lease *portalloc.Lease, code string, env []string) (*Container, error) {
	if err := m.client.StopContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to stop container before port remap",
			zap.String("container_id", c.ShortID()),
			zap.Error(err))
	}
	if err := m.client.RemoveContainer(ctx, c.ID); err != nil {
		return nil, err
	}
	// A redeploy replaces a container that already held a lease; return it
	// before binding the new one so only the live port stays allocated.
	m.ports.Release(c.Lease)

	port := &engine.PortMapping{Internal: desc.InternalPort, External: lease.Port}
	id, err := m.client.CreateContainer(ctx, engine.ContainerSpec{
		Name:           c.Name,
		Image:          c.Image,
		Cmd:            []string{"tail", "-f", "/dev/null"},
		NetworkEnabled: true,
		Port:           port,
		Profile:        m.profile,
	})
	if err != nil {
		m.forget(c)
		return nil, err
	}

	lease.OwnerID = id
	svc := &Container{
		ID:        id,
		Name:      c.Name,
		Signature: c.Signature,
		Image:     c.Image,
		State:     StateRunning,
		Port:      port,
		Lease:     lease,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	delete(m.byID, c.ID)
	c.State = StateRemoved
	m.bySig[svc.Signature] = svc
	m.byID[id] = svc
	m.mu.Unlock()

	scriptPath := "/tmp/app.py"
	if err := m.client.WriteFile(ctx, id, "/tmp", "app.py", []byte(code)); err != nil {
		m.teardown(ctx, svc)
		return nil, err
	}

	startCmd := desc.StartCommand(scriptPath) + " > /tmp/service.log 2>&1"
	if err := m.client.ExecDetached(ctx, id, []string{"sh", "-c", startCmd}, env); err != nil {
		m.teardown(ctx, svc)
		return nil, err
	}

	m.logger.Info("web service started",
		zap.String("container_id", svc.ShortID()),
		zap.String("service_type", string(desc.Type)),
		zap.Int("internal_port", desc.InternalPort),
		zap.Int("external_port", lease.Port))
	return svc, nil
}

// Lookup resolves a container by full or short id. Nil when unknown.
func (m *Manager) Lookup(id string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byID[id]; ok {
		return c
	}
	for full, c := range m.byID {
		if ShortID(full) == id {
			return c
		}
	}
	return nil
}

// List returns a snapshot of all pooled containers.
func (m *Manager) List() []*Container {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Container, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// Release stops and removes a container and returns its port lease, if any,
// to the allocator.
func (m *Manager) Release(ctx context.Context, c *Container) error {
	if err := m.client.StopContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to stop container",
			zap.String("container_id", c.ShortID()),
			zap.Error(err))
	}
	if err := m.client.RemoveContainer(ctx, c.ID); err != nil {
		return err
	}

	m.forget(c)
	return nil
}

// RemoveAll tears down every pooled container. The first engine error is
// returned after all teardowns were attempted.
func (m *Manager) RemoveAll(ctx context.Context) error {
	var firstErr error
	for _, c := range m.List() {
		if err := m.Release(ctx, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// forget drops a container from the registries and releases its lease.
func (m *Manager) forget(c *Container) {
	m.mu.Lock()
	delete(m.byID, c.ID)
	if m.bySig[c.Signature] == c {
		delete(m.bySig, c.Signature)
	}
	c.State = StateRemoved
	m.mu.Unlock()

	m.ports.Release(c.Lease)
}

// teardown removes a half-launched container so its port binding and lease
// do not outlive the failed launch.
func (m *Manager) teardown(ctx context.Context, c *Container) {
	if err := m.client.StopContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to stop container during launch teardown",
			zap.String("container_id", c.ShortID()),
			zap.Error(err))
	}
	if err := m.client.RemoveContainer(ctx, c.ID); err != nil {
		m.logger.Warn("failed to remove container during launch teardown",
			zap.String("container_id", c.ShortID()),
			zap.Error(err))
	}
	m.forget(c)
}

func (m *Manager) setState(c *Container, s State) {
	m.mu.Lock()
	c.State = s
	m.mu.Unlock()
}

// StateOf reads a container's lifecycle state under the registry lock.
func (m *Manager) StateOf(c *Container) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.State
}

// Count reports the number of pooled containers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
