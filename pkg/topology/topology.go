// Package topology is the Topology Manager: it owns the lifecycle of one
// declared topology on the container runtime, and also exposes the
// per-container fault-injection operations (flaky/slow/duplicate/fast),
// since those are just the Manager's own operation set delegating to the
// Interface Resolver and Traffic Shaper.
package topology

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/blockade/pkg/audit"
	"github.com/cuemby/blockade/pkg/firewall"
	"github.com/cuemby/blockade/pkg/iface"
	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/partition"
	"github.com/cuemby/blockade/pkg/runtimeclient"
	"github.com/cuemby/blockade/pkg/shaper"
	"github.com/cuemby/blockade/pkg/statestore"
	"github.com/cuemby/blockade/pkg/types"
)

// StopTimeout is the short default timeout container stop uses before
// escalating to SIGKILL.
const StopTimeout = 3 * time.Second

// Manager owns one topology's lifecycle. All mutating operations are
// serialized by mu: no two mutating calls against the same Manager
// overlap.
type Manager struct {
	id     string
	config *types.Topology

	runtime  *runtimeclient.Client
	fw       *firewall.Controller
	shape    *shaper.Shaper
	resolver *iface.Resolver
	parts    *partition.Engine
	store    *statestore.Store
	auditLog *audit.Log

	mu sync.Mutex
}

// New builds a Manager for topology id, wiring the shared runtime and
// host-exec-derived components.
func New(
	id string,
	config *types.Topology,
	runtime *runtimeclient.Client,
	fw *firewall.Controller,
	shape *shaper.Shaper,
	resolver *iface.Resolver,
	parts *partition.Engine,
	store *statestore.Store,
	auditLog *audit.Log,
) *Manager {
	return &Manager{
		id:       id,
		config:   config,
		runtime:  runtime,
		fw:       fw,
		shape:    shape,
		resolver: resolver,
		parts:    parts,
		store:    store,
		auditLog: auditLog,
	}
}

func (m *Manager) runtimeName(name string) string {
	cc := m.config.Containers[name]
	if cc != nil && cc.ContainerName != "" {
		return cc.ContainerName
	}
	return fmt.Sprintf("%s_%s", m.id, name)
}

func (m *Manager) audit(event string, status types.AuditStatus, message string, targets ...types.AuditTarget) {
	m.auditLog.LogEvent(event, status, message, targets)
}

func namesToTargets(names []string) []types.AuditTarget {
	out := make([]types.AuditTarget, 0, len(names))
	for _, n := range names {
		out = append(out, types.AuditTarget{Name: n})
	}
	return out
}

// networkName is the `<topology-id>_net` udn network name, only
// meaningful when the topology's network driver is udn.
func (m *Manager) networkName() string {
	return m.id + "_net"
}

func (m *Manager) isUDN() bool {
	return m.config.Network.Driver == types.DriverUDN
}

// Create brings the topology up: walks SortedContainers in order,
// honoring each one's start delay, creating and starting it on the
// runtime, then persists container identity to the State Store. In udn
// mode, it first creates the topology's own network and attaches every
// container to it as it starts.
//
// force, if set, causes a create conflict to trigger a force-remove of
// the colliding container followed by one retry.
func (m *Manager) Create(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.Exists(m.id) {
		return types.NewStateError(types.AlreadyInitialized, "topology %q already exists", m.id)
	}

	timer := metrics.NewTimer()
	records := make(map[string]statestore.ContainerRecord)

	if m.isUDN() {
		if err := m.runtime.CreateNetwork(ctx, m.networkName()); err != nil {
			metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
			return err
		}
	}

	addr := 2
	for _, name := range m.config.SortedContainers {
		cc := m.config.Containers[name]
		if cc.StartDelay > 0 {
			time.Sleep(cc.StartDelay)
		}

		rtName := m.runtimeName(name)
		spec := m.buildSpec(rtName, cc)

		if _, err := m.runtime.CreateContainer(ctx, spec); err != nil {
			if _, isConflict := err.(*types.ContainerConflict); isConflict && force {
				_ = m.runtime.RemoveContainer(ctx, rtName)
				if _, err2 := m.runtime.CreateContainer(ctx, spec); err2 != nil {
					metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
					return err2
				}
			} else {
				metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
				return err
			}
		}
		if err := m.runtime.StartContainer(ctx, rtName); err != nil {
			metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
			return err
		}

		rec := statestore.ContainerRecord{ID: rtName}
		if m.isUDN() {
			ip, err := m.runtime.AttachNetwork(ctx, rtName, m.networkName(), addr)
			if err != nil {
				metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
				return err
			}
			rec.NetworkIP = ip
			addr++
		}
		records[name] = rec
	}

	if _, err := m.store.Initialize(m.id, records); err != nil {
		metrics.TopologyOperationsTotal.WithLabelValues("create", "error").Inc()
		return err
	}
	timer.ObserveDurationVec(metrics.TopologyOperationDuration, "create")
	metrics.TopologyOperationsTotal.WithLabelValues("create", "success").Inc()
	metrics.TopologiesTotal.Inc()
	return nil
}

func (m *Manager) buildSpec(rtName string, cc *types.ContainerConfig) runtimeclient.Spec {
	env := make([]string, 0, len(cc.Environment))
	for k, v := range cc.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	return runtimeclient.Spec{
		ID:           rtName,
		Image:        cc.Image,
		Command:      cc.Command,
		Env:          env,
		Hostname:     firstNonEmpty(cc.Hostname, rtName),
		Mounts:       buildMounts(cc.Volumes),
		Capabilities: cc.Capabilities,
		Labels:       map[string]string{"topology.id": m.id, "topology.container": cc.Name},
	}
}

// buildMounts translates the declared host->container bind-mount map into
// OCI mount entries. blockade's volume model is this simple list-or-map of
// paths; it needs no pluggable volume-driver registry (see DESIGN.md).
func buildMounts(volumes map[string]string) []specs.Mount {
	hostPaths := make([]string, 0, len(volumes))
	for host := range volumes {
		hostPaths = append(hostPaths, host)
	}
	sort.Strings(hostPaths)

	out := make([]specs.Mount, 0, len(volumes))
	for _, host := range hostPaths {
		out = append(out, specs.Mount{
			Destination: volumes[host],
			Type:        "bind",
			Source:      host,
			Options:     []string{"rbind", "rw"},
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Destroy stops and removes every container belonging to this topology,
// clears all firewall rules and chains for it, deletes the topology
// network if udn mode created one, and deletes persisted state.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(m.id)
	if err != nil {
		return err
	}

	for name, rec := range st.Containers {
		if err := m.runtime.RemoveContainer(ctx, rec.ID); err != nil {
			log.WithComponent("topology").Warn().Err(err).Str("container", name).Msg("failed to remove container during destroy")
		}
	}

	// firewall clear is attempted even if prior steps failed
	fwErr := m.fw.Clear(ctx, m.id)

	if m.isUDN() {
		if err := m.runtime.RemoveNetwork(ctx, m.networkName()); err != nil {
			log.WithComponent("topology").Warn().Err(err).Str("network", m.networkName()).Msg("failed to remove topology network during destroy")
			if fwErr == nil {
				fwErr = err
			}
		}
	}

	if err := m.store.Destroy(m.id); err != nil {
		return err
	}
	metrics.TopologiesTotal.Dec()
	return fwErr
}

// Status reports the observed state of every container tracked for this
// topology. It performs no mutation.
func (m *Manager) Status(ctx context.Context) ([]*types.LiveContainer, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return nil, err
	}

	sourceChains, _ := m.fw.GetSourceChains(ctx, m.id)

	names := make([]string, 0, len(st.Containers))
	for name := range st.Containers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*types.LiveContainer, 0, len(names))
	for _, name := range names {
		rec := st.Containers[name]
		lc := &types.LiveContainer{Name: name, ContainerID: rec.ID}

		status, _ := m.runtime.Status(ctx, rec.ID)
		lc.Status = status

		if status == types.StatusUp {
			ip := rec.NetworkIP
			if ip == "" {
				ip, _ = m.runtime.IPAddress(ctx, rec.ID)
			}
			lc.IPAddress = ip
			if hostIface, err := m.resolver.Resolve(ctx, rec.ID); err == nil {
				lc.Interface = hostIface
				lc.NetworkState = m.shape.State(ctx, hostIface)
			} else {
				lc.NetworkState = types.NetworkUnknown
			}
			if ip != "" {
				if idx, ok := sourceChains[ip]; ok {
					v := idx
					lc.Partition = &v
				}
			}
		} else {
			lc.NetworkState = types.NetworkUnknown
		}

		out = append(out, lc)
	}
	return out, nil
}

// Logs fetches name's captured container-runtime stdout/stderr.
func (m *Manager) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return nil, err
	}
	rec, ok := st.Containers[name]
	if !ok {
		return nil, fmt.Errorf("container %q is not found in topology %q", name, m.id)
	}
	return m.runtime.Logs(ctx, rec.ID)
}

// selectable returns the runtime container IDs for the requested names
// (or, if names is empty, every tracked container). It returns an error
// if any of them is not tracked or its status fails the predicate.
func (m *Manager) selectable(ctx context.Context, names []string, want func(types.ContainerStatus) bool) (map[string]string, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		for n := range st.Containers {
			names = append(names, n)
		}
	}

	out := make(map[string]string, len(names))
	for _, n := range names {
		rec, ok := st.Containers[n]
		if !ok {
			return nil, fmt.Errorf("container %q is not found in topology %q", n, m.id)
		}
		status, _ := m.runtime.Status(ctx, rec.ID)
		if !want(status) {
			return nil, fmt.Errorf("container %q is not found or not running", n)
		}
		out[n] = rec.ID
	}
	return out, nil
}

// Start starts each named (currently-DOWN, or already UP) container.
func (m *Manager) Start(ctx context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets, err := m.selectable(ctx, names, func(s types.ContainerStatus) bool {
		return s == types.StatusUp || s == types.StatusDown
	})
	if err != nil {
		m.audit("start", types.AuditFailed, err.Error(), namesToTargets(names)...)
		return err
	}

	var failed error
	for _, id := range targets {
		if err := m.runtime.StartContainer(ctx, id); err != nil {
			failed = err
		}
	}
	status := types.AuditSuccess
	msg := ""
	if failed != nil {
		status = types.AuditFailed
		msg = failed.Error()
	}
	m.audit("start", status, msg, namesToTargets(keysOf(targets))...)
	return failed
}

// Stop stops each named (currently-UP, or already DOWN) container.
func (m *Manager) Stop(ctx context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets, err := m.selectable(ctx, names, func(s types.ContainerStatus) bool {
		return s == types.StatusUp || s == types.StatusDown
	})
	if err != nil {
		m.audit("stop", types.AuditFailed, err.Error(), namesToTargets(names)...)
		return err
	}

	var failed error
	for _, id := range targets {
		if err := m.runtime.StopContainer(ctx, id, StopTimeout); err != nil {
			failed = err
		}
	}
	status := types.AuditSuccess
	msg := ""
	if failed != nil {
		status = types.AuditFailed
		msg = failed.Error()
	}
	m.audit("stop", status, msg, namesToTargets(keysOf(targets))...)
	return failed
}

// Restart is Stop followed by Start.
func (m *Manager) Restart(ctx context.Context, names []string) error {
	if err := m.Stop(ctx, names); err != nil {
		return err
	}
	return m.Start(ctx, names)
}

// Kill sends signal (default SIGKILL) to each named, currently-UP
// container.
func (m *Manager) Kill(ctx context.Context, names []string, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sig == 0 {
		sig = syscall.SIGKILL
	}

	targets, err := m.selectable(ctx, names, func(s types.ContainerStatus) bool { return s == types.StatusUp })
	if err != nil {
		m.audit("kill", types.AuditFailed, err.Error(), namesToTargets(names)...)
		return err
	}

	var failed error
	for _, id := range targets {
		if err := m.runtime.KillContainer(ctx, id, sig); err != nil {
			failed = err
		}
	}
	status := types.AuditSuccess
	msg := ""
	if failed != nil {
		status = types.AuditFailed
		msg = failed.Error()
	}
	m.audit("kill", status, msg, namesToTargets(keysOf(targets))...)
	return failed
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// resolveInterface resolves name's current host-side interface, failing
// if it is not UP.
func (m *Manager) resolveInterface(ctx context.Context, name string) (string, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return "", err
	}
	rec, ok := st.Containers[name]
	if !ok {
		return "", fmt.Errorf("container %q is not found in topology %q", name, m.id)
	}
	status, _ := m.runtime.Status(ctx, rec.ID)
	if status != types.StatusUp {
		return "", fmt.Errorf("container %q is not found or not running", name)
	}
	return m.resolver.Resolve(ctx, rec.ID)
}

func (m *Manager) networkOp(ctx context.Context, event string, names []string, apply func(iface string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed error
	var ok []string
	for _, name := range names {
		hostIface, err := m.resolveInterface(ctx, name)
		if err != nil {
			failed = err
			continue
		}
		if err := apply(hostIface); err != nil {
			failed = err
			continue
		}
		ok = append(ok, name)
	}

	status := types.AuditSuccess
	msg := ""
	if failed != nil {
		status = types.AuditFailed
		msg = failed.Error()
	}
	m.audit(event, status, msg, namesToTargets(ok)...)
	metrics.FaultInjectionsTotal.WithLabelValues(event, string(status)).Inc()
	return failed
}

// Flaky installs packet loss on each named container's host interface.
func (m *Manager) Flaky(ctx context.Context, names []string) error {
	return m.networkOp(ctx, "flaky", names, func(i string) error { return m.shape.Flaky(ctx, i, m.config.Network.Flaky) })
}

// Slow installs latency on each named container's host interface.
func (m *Manager) Slow(ctx context.Context, names []string) error {
	return m.networkOp(ctx, "slow", names, func(i string) error { return m.shape.Slow(ctx, i, m.config.Network.Slow) })
}

// Duplicate installs packet duplication on each named container's host
// interface.
func (m *Manager) Duplicate(ctx context.Context, names []string) error {
	return m.networkOp(ctx, "duplicate", names, func(i string) error { return m.shape.Duplicate(ctx, i, m.config.Network.Duplicate) })
}

// Fast restores each named container's host interface to NORMAL.
func (m *Manager) Fast(ctx context.Context, names []string) error {
	return m.networkOp(ctx, "fast", names, func(i string) error { return m.shape.Fast(ctx, i) })
}

func (m *Manager) isHoly(name string) bool {
	cc, ok := m.config.Containers[name]
	return ok && cc.Holy
}

func (m *Manager) isNeutral(name string) bool {
	cc, ok := m.config.Containers[name]
	return ok && cc.Neutral
}

// upNonHolyNames returns the currently-UP, non-holy container names.
func (m *Manager) upNonHolyNames(ctx context.Context) ([]string, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, rec := range st.Containers {
		if m.isHoly(name) {
			continue
		}
		status, _ := m.runtime.Status(ctx, rec.ID)
		if status == types.StatusUp {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) ipsFor(ctx context.Context, names []string) (map[string]string, error) {
	st, err := m.store.Load(m.id)
	if err != nil {
		return nil, err
	}
	ips := make(map[string]string, len(names))
	for _, name := range names {
		rec, ok := st.Containers[name]
		if !ok {
			continue
		}
		ip, _ := m.runtime.IPAddress(ctx, rec.ID)
		if ip != "" {
			ips[name] = ip
		}
	}
	return ips, nil
}

// Partition installs a firewall partition from a declared set of
// container-name groups. It always starts by clearing any existing
// partition state, so the result is a pure function of input.
func (m *Manager) Partition(ctx context.Context, input types.PartitionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upNames, err := m.upNonHolyNames(ctx)
	if err != nil {
		m.audit("partition", types.AuditFailed, err.Error())
		return err
	}

	expanded, err := partition.Expand(upNames, m.isHoly, m.isNeutral, input)
	if err != nil {
		m.audit("partition", types.AuditFailed, err.Error())
		return err
	}

	allNames := make(map[string]bool)
	for _, set := range expanded {
		for _, n := range set {
			allNames[n] = true
		}
	}
	var ipNames []string
	for n := range allNames {
		ipNames = append(ipNames, n)
	}
	ips, err := m.ipsFor(ctx, ipNames)
	if err != nil {
		m.audit("partition", types.AuditFailed, err.Error())
		return err
	}

	if err := m.parts.Apply(ctx, m.id, ips, expanded); err != nil {
		m.audit("partition", types.AuditFailed, err.Error())
		return err
	}

	targets := make([]types.AuditTarget, 0, len(expanded))
	for _, set := range expanded {
		targets = append(targets, types.AuditTarget{Members: set})
	}
	m.audit("partition", types.AuditSuccess, "", targets...)
	return nil
}

// RandomPartition partitions currently-UP non-holy containers into a
// random number of groups, each with at least one member.
func (m *Manager) RandomPartition(ctx context.Context) error {
	m.mu.Lock()
	upNames, err := m.upNonHolyNames(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(upNames) == 0 {
		return m.Join(ctx)
	}

	k := rand.Intn(len(upNames)) + 1
	if k <= 1 {
		return m.Join(ctx)
	}

	shuffled := append([]string{}, upNames...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	groups := make([][]string, k)
	for i := 0; i < k; i++ {
		groups[i] = []string{shuffled[i]}
	}
	for i := k; i < len(shuffled); i++ {
		groups[i%k] = append(groups[i%k], shuffled[i])
	}

	input := types.PartitionSet(groups)
	return m.Partition(ctx, input)
}

// Join clears all firewall rules and chains for this topology.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.fw.Clear(ctx, m.id)
	status := types.AuditSuccess
	msg := ""
	if err != nil {
		status = types.AuditFailed
		msg = err.Error()
	}
	m.audit("join", status, msg)
	return err
}

// AddContainer appends an externally-created container reference to this
// topology's tracked state.
func (m *Manager) AddContainer(ctx context.Context, name, runtimeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(m.id)
	if err != nil {
		return err
	}
	records := make(map[string]statestore.ContainerRecord, len(st.Containers)+1)
	for k, v := range st.Containers {
		records[k] = v
	}
	records[name] = statestore.ContainerRecord{ID: runtimeID}
	_, err = m.store.Update(m.id, records)
	return err
}

