// Package controller is the Controller Facade: a single, explicit,
// long-lived value holding every active topology and chaos session. The
// REST and CLI front-ends call only this facade; neither talks to
// pkg/topology, pkg/chaos, or pkg/statestore directly. There is no
// module-level mutable state — every dependency is constructed once at
// startup and threaded through here.
package controller

import (
	"context"
	"io"
	"regexp"
	"sync"
	"syscall"

	"github.com/cuemby/blockade/pkg/audit"
	"github.com/cuemby/blockade/pkg/chaos"
	"github.com/cuemby/blockade/pkg/firewall"
	"github.com/cuemby/blockade/pkg/hostexec"
	"github.com/cuemby/blockade/pkg/iface"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/partition"
	"github.com/cuemby/blockade/pkg/runtimeclient"
	"github.com/cuemby/blockade/pkg/shaper"
	"github.com/cuemby/blockade/pkg/statestore"
	"github.com/cuemby/blockade/pkg/topology"
	"github.com/cuemby/blockade/pkg/types"
)

// namePattern is the allowed topology identifier shape: non-empty,
// alphanumeric plus dot/dash, at most 25 characters (it doubles as a
// firewall chain-name prefix).
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// ValidateName enforces the topology-identifier shape.
func ValidateName(id string) error {
	if id == "" || len(id) > 25 || !namePattern.MatchString(id) {
		return &types.NameError{Name: id}
	}
	return nil
}

// Controller is the facade. It is safe for concurrent use.
type Controller struct {
	dataDir string

	runtime  *runtimeclient.Client
	hostExec *hostexec.Executor
	fw       *firewall.Controller
	shape    *shaper.Shaper
	resolver *iface.Resolver
	parts    *partition.Engine
	store    *statestore.Store
	chaos    *chaos.Engine

	mu         sync.Mutex
	topologies map[string]*topology.Manager
	auditLogs  map[string]*audit.Log
}

// New builds a Controller with every shared dependency already wired:
// one Host Executor, Firewall Controller, Traffic Shaper, Interface
// Resolver, Partition Engine, and State Store serve every topology.
func New(dataDir string, runtime *runtimeclient.Client, hostExec *hostexec.Executor) *Controller {
	metrics.RegisterComponent("containerd", runtime != nil, "runtime client constructed")
	metrics.RegisterComponent("hostexec", hostExec != nil, "host executor constructed")
	fw := firewall.New(hostExec)
	return &Controller{
		dataDir:    dataDir,
		runtime:    runtime,
		hostExec:   hostExec,
		fw:         fw,
		shape:      shaper.New(hostExec),
		resolver:   iface.New(runtime, hostExec),
		parts:      partition.New(fw),
		store:      statestore.New(dataDir),
		chaos:      chaos.NewEngine(),
		topologies: make(map[string]*topology.Manager),
		auditLogs:  make(map[string]*audit.Log),
	}
}

// attach constructs (or replaces) the in-memory Manager for id from a
// freshly-loaded configuration, without touching the runtime or state
// store. CLI invocations call this on every command (re-parsing the
// configuration file each time, as this controller's lineage always
// has); the REST daemon calls it once, at topology-creation time, and
// keeps the Manager resident for the life of the process.
func (c *Controller) attach(id string, cfg *types.Topology) (*topology.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	auditLog, err := audit.Open(c.dataDir, id)
	if err != nil {
		return nil, err
	}
	c.auditLogs[id] = auditLog

	mgr := topology.New(id, cfg, c.runtime, c.fw, c.shape, c.resolver, c.parts, c.store, auditLog)
	c.topologies[id] = mgr
	return mgr, nil
}

func (c *Controller) detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topologies, id)
	delete(c.auditLogs, id)
}

// Get returns the resident Manager for id, if one has been attached in
// this process (by Up or Attach).
func (c *Controller) Get(id string) (*topology.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mgr, ok := c.topologies[id]
	if !ok {
		return nil, types.NewUsageError("topology %q is not loaded; provide its configuration again", id)
	}
	return mgr, nil
}

// Attach loads cfg as id's configuration without creating anything on
// the runtime — used by CLI subcommands other than `up` to reconstruct
// an already-running topology's Manager from its configuration file.
func (c *Controller) Attach(id string, cfg *types.Topology) (*topology.Manager, error) {
	if err := ValidateName(id); err != nil {
		return nil, err
	}
	return c.attach(id, cfg)
}

// Up brings a new topology up: validates the name, attaches cfg, and
// delegates to the Topology Manager's Create.
func (c *Controller) Up(ctx context.Context, id string, cfg *types.Topology, force bool) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	mgr, err := c.attach(id, cfg)
	if err != nil {
		return err
	}
	if err := mgr.Create(ctx, force); err != nil {
		c.detach(id)
		return err
	}
	timer.ObserveDurationVec(metrics.TopologyOperationDuration, "up")
	return nil
}

// Destroy tears down id's topology and forgets it.
func (c *Controller) Destroy(ctx context.Context, id string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	if c.chaos.Exists(id) {
		_ = c.chaos.Delete(id)
	}
	defer c.detach(id)
	return mgr.Destroy(ctx)
}

// List returns every topology identifier with persisted state, whether
// or not it is currently attached in this process.
func (c *Controller) List() ([]string, error) {
	return c.store.List()
}

// Status returns id's live container list.
func (c *Controller) Status(ctx context.Context, id string) ([]*types.LiveContainer, error) {
	mgr, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	return mgr.Status(ctx)
}

// Start/Stop/Restart/Kill proxy directly to the attached Manager.
func (c *Controller) Start(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Start(ctx, names)
}

func (c *Controller) Stop(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Stop(ctx, names)
}

func (c *Controller) Restart(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Restart(ctx, names)
}

func (c *Controller) Kill(ctx context.Context, id string, names []string, sig syscall.Signal) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Kill(ctx, names, sig)
}

// Logs fetches name's captured container-runtime stdout/stderr. The
// caller must close the returned reader.
func (c *Controller) Logs(ctx context.Context, id, name string) (io.ReadCloser, error) {
	mgr, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	return mgr.Logs(ctx, name)
}

func (c *Controller) Flaky(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Flaky(ctx, names)
}

func (c *Controller) Slow(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Slow(ctx, names)
}

func (c *Controller) Duplicate(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Duplicate(ctx, names)
}

func (c *Controller) Fast(ctx context.Context, id string, names []string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Fast(ctx, names)
}

func (c *Controller) Partition(ctx context.Context, id string, sets types.PartitionSet) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Partition(ctx, sets)
}

func (c *Controller) RandomPartition(ctx context.Context, id string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.RandomPartition(ctx)
}

func (c *Controller) Join(ctx context.Context, id string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.Join(ctx)
}

func (c *Controller) AddContainer(ctx context.Context, id, name, runtimeID string) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	return mgr.AddContainer(ctx, name, runtimeID)
}

// Events returns id's full audit trail.
func (c *Controller) Events(id string) ([]audit.Event, error) {
	c.mu.Lock()
	log, ok := c.auditLogs[id]
	c.mu.Unlock()
	if !ok {
		var err error
		log, err = audit.Open(c.dataDir, id)
		if err != nil {
			return nil, err
		}
	}
	return log.ReadEvents()
}

// NewChaosSession creates and starts a chaos session for id, driven by
// id's attached Manager.
func (c *Controller) NewChaosSession(id string, bounds types.ChaosBounds) error {
	mgr, err := c.Get(id)
	if err != nil {
		return err
	}
	_, err = c.chaos.New(id, mgr, bounds)
	return err
}

func (c *Controller) StartChaos(id string) error  { return c.chaos.Start(id) }
func (c *Controller) StopChaos(id string) error   { return c.chaos.Stop(id) }
func (c *Controller) DeleteChaos(id string) error { return c.chaos.Delete(id) }

func (c *Controller) ChaosStatus(id string) (types.ChaosState, error) {
	return c.chaos.Status(id)
}

func (c *Controller) ChaosExists(id string) bool { return c.chaos.Exists(id) }

// Shutdown stops every chaos session, best-effort, for process exit.
func (c *Controller) Shutdown() {
	c.chaos.Shutdown()
}
