// Package runtimeclient is the thin consumer-side adapter the Topology
// Manager and Host Executor use to talk to the local container runtime.
// The runtime itself lives outside this module's scope; this package only
// wraps the containerd client with the small surface blockade needs:
// create/start/stop/kill/remove/exec/inspect/logs.
package runtimeclient

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/blockade/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace blockade uses so its
	// containers never collide with ones created by other tools.
	DefaultNamespace = "blockade"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultLogDir is where StartContainer writes each container's
	// captured stdout/stderr, absent a WithLogDir override.
	DefaultLogDir = "/var/log/blockade/containers"
)

// ContainerStatus is an alias of types.ContainerStatus, so callers of
// this package can name the runtime-facing status without importing
// pkg/types.
type ContainerStatus = types.ContainerStatus

// Spec describes a container to create. It is a flattening of
// types.ContainerConfig into exactly what the runtime needs, so this
// package has no dependency on the Topology Manager's mount-resolution
// policy.
type Spec struct {
	ID           string // runtime container id/name
	Image        string
	Command      []string
	Env          []string
	Mounts       []specs.Mount
	Hostname     string
	Privileged   bool
	NetworkHost  bool
	Capabilities []string
	Labels       map[string]string
}

// Client wraps a containerd client with blockade's namespace.
type Client struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// Option configures a Client.
type Option func(*Client)

// WithLogDir overrides DefaultLogDir.
func WithLogDir(dir string) Option { return func(c *Client) { c.logDir = dir } }

// New connects to the containerd socket. An empty socketPath uses
// DefaultSocketPath.
func New(socketPath string, opts ...Option) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	c, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	client := &Client{client: c, namespace: DefaultNamespace, logDir: DefaultLogDir}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// logPath returns the captured-log file path for a container id.
func (c *Client) logPath(id string) string {
	return filepath.Join(c.logDir, id+".log")
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// PullImage pulls an image, unpacking it for use by CreateContainer.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	ctx = c.ctx(ctx)
	if _, err := c.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container per spec.
func (c *Client) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	ctx = c.ctx(ctx)

	image, err := c.client.GetImage(ctx, spec.Image)
	if err != nil {
		if err := c.PullImage(ctx, spec.Image); err != nil {
			return "", err
		}
		image, err = c.client.GetImage(ctx, spec.Image)
		if err != nil {
			return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
	}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(spec.Env))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.Hostname != "" {
		opts = append(opts, oci.WithHostname(spec.Hostname))
	}
	if spec.NetworkHost {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostHostsFile, oci.WithHostResolvconf)
	}
	if spec.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}
	if len(spec.Capabilities) > 0 {
		opts = append(opts, oci.WithAddedCapabilities(spec.Capabilities))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	cOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	}
	if len(spec.Labels) > 0 {
		cOpts = append(cOpts, containerd.WithContainerLabels(spec.Labels))
	}

	ctr, err := c.client.NewContainer(ctx, spec.ID, cOpts...)
	if err != nil {
		if isConflict(err) {
			return "", &types.ContainerConflict{Name: spec.ID}
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return ctr.ID(), nil
}

func isConflict(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

// StartContainer creates a task for an already-created container and
// starts it. The task's combined stdout/stderr is captured to a log file
// under the Client's log directory, which Logs later reads back.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return &types.RuntimeContainerNotFound{Name: id}
	}
	if err := os.MkdirAll(c.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	task, err := ctr.NewTask(ctx, cio.LogFile(c.logPath(id)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to timeout, then SIGKILLs and
// deletes the task.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return &types.RuntimeContainerNotFound{Name: id}
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil // no task: already stopped
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}
	if _, err := task.Delete(ctx); err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// KillContainer sends an arbitrary signal to the container's task.
func (c *Client) KillContainer(ctx context.Context, id string, sig syscall.Signal) error {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return &types.RuntimeContainerNotFound{Name: id}
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}
	return task.Kill(ctx, sig)
}

// RemoveContainer deletes the container and its snapshot. It is
// tolerant of the container already being gone.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}
	if err := c.StopContainer(ctx, id, 3*time.Second); err != nil {
		// best-effort: proceed with deletion regardless
		_ = err
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Status returns the observed status of a container.
func (c *Client) Status(ctx context.Context, id string) (ContainerStatus, error) {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return types.StatusMissing, nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return types.StatusDown, nil
	}
	st, err := task.Status(ctx)
	if err != nil {
		return types.StatusDown, nil
	}
	if st.Status == containerd.Running || st.Status == containerd.Paused {
		return types.StatusUp, nil
	}
	return types.StatusDown, nil
}

// PID returns the task PID, used for nsenter-based IP discovery and by
// AttachNetwork.
func (c *Client) PID(ctx context.Context, id string) (uint32, error) {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, &types.RuntimeContainerNotFound{Name: id}
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("container %s has no running task: %w", id, err)
	}
	return task.Pid(), nil
}

// IPAddress returns the container's primary IPv4 address by entering its
// network namespace via nsenter.
func (c *Client) IPAddress(ctx context.Context, id string) (string, error) {
	pid, err := c.PID(ctx, id)
	if err != nil || pid == 0 {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to inspect container network namespace: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("failed to parse address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", nil
}

// Exec runs argv as a one-shot additional process inside an already-running
// container's task, capturing combined stdout/stderr and returning the
// process's exit code. This is how the Host Executor drives iptables/tc/ip
// inside the long-lived helper container.
func (c *Client) Exec(ctx context.Context, id string, execID string, argv []string) (string, int, error) {
	ctx = c.ctx(ctx)
	ctr, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return "", -1, &types.RuntimeContainerNotFound{Name: id}
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return "", -1, fmt.Errorf("container %s has no running task: %w", id, err)
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return "", -1, fmt.Errorf("failed to load container spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = argv
	pspec.Terminal = false

	var outBuf bytes.Buffer
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, &outBuf, &outBuf)))
	if err != nil {
		return "", -1, fmt.Errorf("failed to create exec process: %w", err)
	}
	defer func() { _, _ = process.Delete(ctx) }()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", -1, fmt.Errorf("failed to wait for exec process: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return "", -1, fmt.Errorf("failed to start exec process: %w", err)
	}

	status := <-statusC
	code, _, err := status.Result()
	if err != nil {
		return outBuf.String(), -1, fmt.Errorf("exec process wait failed: %w", err)
	}
	return outBuf.String(), int(code), nil
}

// Logs opens the log file StartContainer captured id's combined
// stdout/stderr to, positioned at the start. The caller is responsible
// for closing it.
func (c *Client) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(c.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.RuntimeContainerNotFound{Name: id}
		}
		return nil, fmt.Errorf("failed to open log for container %s: %w", id, err)
	}
	return f, nil
}

// networkOctet derives a deterministic second octet in 172.20.0.0 ..
// 172.219.0.0 from a udn network name, so independently-created
// topologies land on distinct /24 subnets without a shared allocator.
func networkOctet(name string) byte {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return byte(20 + h.Sum32()%200)
}

// NetworkGatewayCIDR returns the bridge's own address within a udn
// network's deterministic /24 subnet.
func NetworkGatewayCIDR(name string) string {
	return fmt.Sprintf("172.%d.0.1/24", networkOctet(name))
}

// NetworkAddress returns the nth (2-254) host address in name's udn
// subnet.
func NetworkAddress(name string, n int) string {
	return fmt.Sprintf("172.%d.0.%d", networkOctet(name), n)
}

// NetworkAddressCIDR is NetworkAddress with its subnet's mask attached,
// suitable for `ip addr add`.
func NetworkAddressCIDR(name string, n int) string {
	return fmt.Sprintf("%s/24", NetworkAddress(name, n))
}

func runIP(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runNsenterIP(ctx context.Context, pid int, args ...string) error {
	full := append([]string{"-t", fmt.Sprintf("%d", pid), "-n", "ip"}, args...)
	out, err := exec.CommandContext(ctx, "nsenter", full...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// vethNames derives a deterministic, IFNAMSIZ-safe veth pair name from a
// container id: the host-side end and the end moved into the container.
func vethNames(id string) (host, peer string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum32()
	return fmt.Sprintf("veth%08x", sum), fmt.Sprintf("vpeer%08x", sum)
}

// CreateNetwork creates the Linux bridge device backing a udn topology
// network and brings it up with its deterministic gateway address.
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	if err := runIP(ctx, "link", "add", name, "type", "bridge"); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	if err := runIP(ctx, "addr", "add", NetworkGatewayCIDR(name), "dev", name); err != nil {
		return fmt.Errorf("failed to address network %s: %w", name, err)
	}
	if err := runIP(ctx, "link", "set", name, "up"); err != nil {
		return fmt.Errorf("failed to bring up network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork deletes the bridge device created by CreateNetwork,
// tolerating it already being gone.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	err := runIP(ctx, "link", "delete", name)
	if err != nil && !strings.Contains(err.Error(), "Cannot find device") {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// AttachNetwork wires an already-started container into a udn bridge
// network: it creates a veth pair, enslaves the host end to the bridge,
// and moves the other end into the container's network namespace,
// renamed eth1 and given NetworkAddressCIDR(network, n). It returns the
// address it assigned.
func (c *Client) AttachNetwork(ctx context.Context, id, network string, n int) (string, error) {
	pid, err := c.PID(ctx, id)
	if err != nil || pid == 0 {
		return "", fmt.Errorf("failed to attach %s to network %s: container has no running task", id, network)
	}

	hostVeth, peerVeth := vethNames(id)
	if err := runIP(ctx, "link", "add", hostVeth, "type", "veth", "peer", "name", peerVeth); err != nil {
		return "", fmt.Errorf("failed to create veth pair for %s: %w", id, err)
	}
	if err := runIP(ctx, "link", "set", hostVeth, "master", network); err != nil {
		return "", fmt.Errorf("failed to enslave %s to %s: %w", hostVeth, network, err)
	}
	if err := runIP(ctx, "link", "set", hostVeth, "up"); err != nil {
		return "", fmt.Errorf("failed to bring up %s: %w", hostVeth, err)
	}
	if err := runIP(ctx, "link", "set", peerVeth, "netns", fmt.Sprintf("%d", pid)); err != nil {
		return "", fmt.Errorf("failed to move %s into container %s netns: %w", peerVeth, id, err)
	}

	steps := [][]string{
		{"link", "set", peerVeth, "name", "eth1"},
		{"addr", "add", NetworkAddressCIDR(network, n), "dev", "eth1"},
		{"link", "set", "eth1", "up"},
	}
	for _, args := range steps {
		if err := runNsenterIP(ctx, pid, args...); err != nil {
			return "", fmt.Errorf("failed to configure eth1 inside container %s: %w", id, err)
		}
	}
	return NetworkAddress(network, n), nil
}
