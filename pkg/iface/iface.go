// Package iface resolves the host-side network interface peered with a
// running container's primary link. It is deliberately the smallest,
// most fragile component in the controller: see the Resolver doc
// comment for why.
package iface

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/blockade/pkg/hostexec"
	"github.com/cuemby/blockade/pkg/runtimeclient"
)

// FailureKind distinguishes the three ways resolution can fail, each
// carrying its own diagnostic context.
type FailureKind string

const (
	// FailureExec means the in-container or host exec itself failed.
	FailureExec FailureKind = "exec_failure"
	// FailureMalformed means the ifindex output could not be parsed as
	// an integer.
	FailureMalformed FailureKind = "malformed_output"
	// FailureNoMatch means no host-side `ip link` line matched the
	// expected index.
	FailureNoMatch FailureKind = "no_matching_link"
)

// ResolveError carries the failure kind plus diagnostic context: what we
// ran, what we got back, and (when known) the container and index
// involved.
type ResolveError struct {
	Kind        FailureKind
	ContainerID string
	Detail      string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve host interface for container %s: %s (%s)", e.ContainerID, e.Kind, e.Detail)
}

var hostLinkPattern = regexp.MustCompile(`^(\d+): ([^:@]+)[:@]`)

// Resolver discovers the host-side veth peer of a container's eth0.
//
// Rationale: for veth pairs created by the container runtime, the host
// side has been empirically observed at container-side-index + 1. This
// is not guaranteed by the runtime and is known to be fragile (see
// DESIGN.md) — it is kept because the source this controller is modeled
// on relies on exactly this heuristic and no better one is specified.
type Resolver struct {
	client *runtimeclient.Client
	exec   *hostexec.Executor
}

// New builds a Resolver. client is used to inspect the container's own
// network namespace; exec is used to list links on the host.
func New(client *runtimeclient.Client, exec *hostexec.Executor) *Resolver {
	return &Resolver{client: client, exec: exec}
}

// Resolve returns the host-side interface name for containerID's eth0.
func (r *Resolver) Resolve(ctx context.Context, containerID string) (string, error) {
	containerIndex, err := r.containerIndex(ctx, containerID)
	if err != nil {
		return "", err
	}

	hostIndex := containerIndex + 1
	out, err := r.exec.Run(ctx, []string{"ip", "link"})
	if err != nil {
		return "", &ResolveError{Kind: FailureExec, ContainerID: containerID, Detail: err.Error()}
	}

	want := strconv.Itoa(hostIndex)
	for _, line := range strings.Split(out, "\n") {
		m := hostLinkPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] == want {
			return m[2], nil
		}
	}
	return "", &ResolveError{
		Kind:        FailureNoMatch,
		ContainerID: containerID,
		Detail:      fmt.Sprintf("no host link with index %d in: %s", hostIndex, out),
	}
}

// containerIndex executes `cat /sys/class/net/eth0/ifindex` inside the
// container to obtain its own view of the link index.
func (r *Resolver) containerIndex(ctx context.Context, containerID string) (int, error) {
	execID := "ifindex-" + containerID
	out, code, err := r.client.Exec(ctx, containerID, execID, []string{"cat", "/sys/class/net/eth0/ifindex"})
	if err != nil || code != 0 {
		detail := err
		if detail == nil {
			detail = fmt.Errorf("exit code %d, output %q", code, out)
		}
		return 0, &ResolveError{Kind: FailureExec, ContainerID: containerID, Detail: detail.Error()}
	}
	n, parseErr := strconv.Atoi(strings.TrimSpace(out))
	if parseErr != nil {
		return 0, &ResolveError{Kind: FailureMalformed, ContainerID: containerID, Detail: out}
	}
	return n, nil
}
