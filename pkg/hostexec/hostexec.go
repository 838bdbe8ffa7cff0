// Package hostexec runs privileged host-network commands through a
// single long-lived helper container, so the rest of the controller never
// needs host tooling (iptables, tc, ip) installed where it runs.
package hostexec

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/runtimeclient"
	"github.com/cuemby/blockade/pkg/types"
)

const (
	// DefaultImage is the helper container's image: a minimal image
	// carrying iptables, tc, and ip.
	DefaultImage = "vimagick/iptables:latest"

	// DefaultContainerPrefix names the helper container absent an
	// environment override.
	DefaultContainerPrefix = "blockade-helper"

	// PrefixEnvVar overrides DefaultContainerPrefix.
	PrefixEnvVar = "BLOCKADE_HOST_CONTAINER_PREFIX"

	// DefaultTimeout is how long the helper's self-terminating `sleep`
	// runs before it exits on its own if orphaned.
	DefaultTimeout = 3600 * time.Second

	// DefaultExpire is comfortably before DefaultTimeout, so a new
	// helper replaces the old one before its sleep would end mid-exec.
	DefaultExpire = 3000 * time.Second
)

// Executor runs commands inside the long-lived helper container.
type Executor struct {
	client    *runtimeclient.Client
	image     string
	timeout   time.Duration
	expire    time.Duration
	prefix    string

	mu          sync.Mutex
	containerID string
	expireAt    time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithImage overrides the helper image.
func WithImage(image string) Option { return func(e *Executor) { e.image = image } }

// WithTimeout overrides the helper's self-terminating sleep duration.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithExpire overrides the replace-before-timeout window.
func WithExpire(d time.Duration) Option { return func(e *Executor) { e.expire = d } }

// WithContainerPrefix overrides the helper container name prefix.
func WithContainerPrefix(prefix string) Option { return func(e *Executor) { e.prefix = prefix } }

// New builds an Executor. Defaults are overridden by opts and, absent an
// explicit WithContainerPrefix, by the BLOCKADE_HOST_CONTAINER_PREFIX
// environment variable.
func New(client *runtimeclient.Client, opts ...Option) *Executor {
	prefix := os.Getenv(PrefixEnvVar)
	if prefix == "" {
		prefix = DefaultContainerPrefix
	}
	e := &Executor{
		client:  client,
		image:   DefaultImage,
		timeout: DefaultTimeout,
		expire:  DefaultExpire,
		prefix:  prefix,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes argv inside the helper container and returns its stdout+stderr
// on exit code 0. A non-zero exit yields a *types.HostExecError carrying the
// exit code and captured output.
func (e *Executor) Run(ctx context.Context, argv []string) (string, error) {
	timer := metrics.NewTimer()
	output, err := e.runOnce(ctx, argv, true)
	timer.ObserveDuration(metrics.HostExecDuration)
	if err != nil {
		metrics.HostExecCallsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.HostExecCallsTotal.WithLabelValues("ok").Inc()
	return output, nil
}

func (e *Executor) runOnce(ctx context.Context, argv []string, retry bool) (string, error) {
	containerID, err := e.assureContainer(ctx)
	if err != nil {
		return "", err
	}

	execID := "run-" + uuid.New().String()
	output, code, err := e.client.Exec(ctx, containerID, execID, argv)
	if err != nil {
		if retry {
			log.WithComponent("hostexec").Warn().Err(err).Msg("helper exec failed, discarding helper and retrying once")
			e.discard(ctx)
			metrics.HostExecHelperReplacements.Inc()
			return e.runOnce(ctx, argv, false)
		}
		return "", err
	}
	if code != 0 {
		return "", &types.HostExecError{ExitCode: code, Output: output}
	}
	return output, nil
}

// Close stops and removes the helper container, if one exists.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.containerID == "" {
		return nil
	}
	err := e.client.RemoveContainer(ctx, e.containerID)
	e.containerID = ""
	e.expireAt = time.Time{}
	return err
}

func (e *Executor) assureContainer(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID != "" && !e.isExpiredLocked() {
		return e.containerID, nil
	}
	if e.containerID != "" {
		e.removeLocked(ctx)
	}
	return e.createLocked(ctx)
}

func (e *Executor) isExpiredLocked() bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (e *Executor) createLocked(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s-%s", e.prefix, uuid.New().String())
	sleepSeconds := int(e.timeout.Seconds())

	spec := runtimeclient.Spec{
		ID:          name,
		Image:       e.image,
		Command:     []string{"sleep", fmt.Sprintf("%d", sleepSeconds)},
		Privileged:  true,
		NetworkHost: true,
		Labels:      map[string]string{"blockade.role": "host-exec-helper"},
	}

	if _, err := e.client.CreateContainer(ctx, spec); err != nil {
		if err := e.client.PullImage(ctx, e.image); err != nil {
			return "", fmt.Errorf("failed to pull helper image: %w", err)
		}
		if _, err := e.client.CreateContainer(ctx, spec); err != nil {
			return "", fmt.Errorf("failed to create helper container: %w", err)
		}
	}
	if err := e.client.StartContainer(ctx, name); err != nil {
		return "", fmt.Errorf("failed to start helper container: %w", err)
	}

	e.containerID = name
	e.expireAt = time.Now().Add(e.expire)
	return name, nil
}

func (e *Executor) removeLocked(ctx context.Context) {
	_ = e.client.RemoveContainer(ctx, e.containerID)
	e.containerID = ""
	e.expireAt = time.Time{}
}

// discard removes the current helper (tolerating it already being gone)
// so the next assureContainer call creates a fresh one.
func (e *Executor) discard(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.containerID == "" {
		return
	}
	e.removeLocked(ctx)
}

// IsQdiscMissing reports whether err is the "no qdisc installed" case the
// Traffic Shaper treats as a successful restore: exit code 2 with stderr
// mentioning "No such file or directory".
func IsQdiscMissing(err error) bool {
	hee, ok := err.(*types.HostExecError)
	if !ok {
		return false
	}
	return hee.ExitCode == 2 && strings.Contains(hee.Output, "No such file or directory")
}
