// Package shaper installs and removes netem queueing disciplines on a
// host-side network interface, via the Host Executor. It never resolves
// container IDs to interfaces itself — that's pkg/iface's job.
package shaper

import (
	"context"
	"strings"

	"github.com/cuemby/blockade/pkg/hostexec"
	"github.com/cuemby/blockade/pkg/types"
)

// Shaper drives tc through a Host Executor.
type Shaper struct {
	exec *hostexec.Executor
}

// New builds a Shaper.
func New(exec *hostexec.Executor) *Shaper {
	return &Shaper{exec: exec}
}

// Netem replaces iface's root qdisc with netem and the given parameters
// (e.g. ["loss", "30%"] or ["delay", "75ms", "100ms", "distribution", "normal"]).
func (s *Shaper) Netem(ctx context.Context, iface string, params ...string) error {
	argv := append([]string{"tc", "qdisc", "replace", "dev", iface, "root", "netem"}, params...)
	_, err := s.exec.Run(ctx, argv)
	return err
}

// Flaky installs packet loss on iface. pct is a whitespace-tokenized
// percentage spec (e.g. "30%").
func (s *Shaper) Flaky(ctx context.Context, iface, pct string) error {
	return s.Netem(ctx, iface, append([]string{"loss"}, strings.Fields(pct)...)...)
}

// Slow installs latency on iface. spec is whitespace-tokenized
// (e.g. "75ms 100ms distribution normal").
func (s *Shaper) Slow(ctx context.Context, iface, spec string) error {
	return s.Netem(ctx, iface, append([]string{"delay"}, strings.Fields(spec)...)...)
}

// Duplicate installs packet duplication on iface.
func (s *Shaper) Duplicate(ctx context.Context, iface, pct string) error {
	return s.Netem(ctx, iface, append([]string{"duplicate"}, strings.Fields(pct)...)...)
}

// Restore removes iface's root qdisc, returning iface to NORMAL. A
// "no qdisc installed" failure (exit 2, "No such file or directory") is
// treated as success: the interface was already clean.
func (s *Shaper) Restore(ctx context.Context, iface string) error {
	_, err := s.exec.Run(ctx, []string{"tc", "qdisc", "del", "dev", iface, "root"})
	if err != nil && hostexec.IsQdiscMissing(err) {
		return nil
	}
	return err
}

// State inspects iface's current qdisc and classifies it.
func (s *Shaper) State(ctx context.Context, iface string) types.NetworkState {
	out, err := s.exec.Run(ctx, []string{"tc", "qdisc", "show", "dev", iface})
	if err != nil {
		return types.NetworkUnknown
	}
	switch {
	case strings.Contains(out, " delay "):
		return types.NetworkSlow
	case strings.Contains(out, " loss "):
		return types.NetworkFlaky
	case strings.Contains(out, " duplicate "):
		return types.NetworkDuplicate
	default:
		return types.NetworkNormal
	}
}

// Fast is Restore with the name used by the fault-injection vocabulary.
func (s *Shaper) Fast(ctx context.Context, iface string) error {
	return s.Restore(ctx, iface)
}
