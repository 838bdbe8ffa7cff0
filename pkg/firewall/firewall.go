// Package firewall creates, lists, and tears down the packet-filter
// chains and rules that express "container X belongs to partition P". It
// depends only on the Host Executor: every call shells out through it to
// iptables running inside the helper container.
package firewall

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/blockade/pkg/hostexec"
)

// ChainPrefix is the fixed literal prepended to a topology identifier to
// form its chain-name prefix.
const ChainPrefix = "blockade-"

// MaxChainPrefixLength is the maximum length of prefix+topology-id before
// the partition suffix ("-pN") is appended, respecting packet-filter
// chain-name limits.
const MaxChainPrefixLength = 25

// Controller drives iptables through a Host Executor.
type Controller struct {
	exec *hostexec.Executor
}

// New builds a firewall Controller.
func New(exec *hostexec.Executor) *Controller {
	return &Controller{exec: exec}
}

// ChainPrefixFor truncates ChainPrefix+topologyID to MaxChainPrefixLength,
// before any partition suffix is appended.
func ChainPrefixFor(topologyID string) string {
	full := ChainPrefix + topologyID
	if len(full) > MaxChainPrefixLength {
		return full[:MaxChainPrefixLength]
	}
	return full
}

// ChainName returns the chain name for partition index n (1-based) of a
// topology.
func ChainName(topologyID string, n int) string {
	return fmt.Sprintf("%s-p%d", ChainPrefixFor(topologyID), n)
}

// ParsePartitionIndex parses the partition index n out of a chain name
// produced by ChainName, returning an error if chain does not match the
// pattern "<prefix>-p<n>" for this topology (including when topologyID's
// prefix was itself truncated — only the truncated prefix is accepted).
func ParsePartitionIndex(topologyID, chain string) (int, error) {
	want := ChainPrefixFor(topologyID) + "-p"
	if !strings.HasPrefix(chain, want) {
		return 0, fmt.Errorf("chain %q does not match topology %q", chain, topologyID)
	}
	n, err := strconv.Atoi(chain[len(want):])
	if err != nil {
		return 0, fmt.Errorf("chain %q has a non-numeric partition suffix: %w", chain, err)
	}
	return n, nil
}

// CreateChain allocates a new, empty filter chain.
func (c *Controller) CreateChain(ctx context.Context, chain string) error {
	_, err := c.exec.Run(ctx, []string{"iptables", "-N", chain})
	return err
}

// InsertRule inserts a rule at the head of chain. At least one of src/dest
// must be non-empty.
func (c *Controller) InsertRule(ctx context.Context, chain, src, dest, target string) error {
	if src == "" && dest == "" {
		return fmt.Errorf("insert rule into %s: one of src or dest is required", chain)
	}
	if target == "" {
		return fmt.Errorf("insert rule into %s: target is required", chain)
	}
	argv := []string{"iptables", "-I", chain}
	if src != "" {
		argv = append(argv, "-s", src)
	}
	if dest != "" {
		argv = append(argv, "-d", dest)
	}
	argv = append(argv, "-j", target)
	_, err := c.exec.Run(ctx, argv)
	return err
}

// callOutput runs `iptables -n <args...>` and splits stdout into lines.
func (c *Controller) callOutput(ctx context.Context, args ...string) ([]string, error) {
	argv := append([]string{"iptables", "-n"}, args...)
	out, err := c.exec.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

func splitNonEmpty(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// chainRules returns the rule lines of chain, with the two header lines
// (chain banner + column header) stripped.
func (c *Controller) chainRules(ctx context.Context, chain string) ([]string, error) {
	lines, err := c.callOutput(ctx, "-L", chain)
	if err != nil {
		return nil, err
	}
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "Chain "+chain) || !strings.HasPrefix(lines[1], "target") {
		return nil, fmt.Errorf("unexpected -L output for chain %s", chain)
	}
	return lines[2:], nil
}

// GetSourceChains parses the FORWARD chain and returns, for every rule
// whose target matches this topology's chain-name pattern, a map from
// source IP to partition index.
func (c *Controller) GetSourceChains(ctx context.Context, topologyID string) (map[string]int, error) {
	rules, err := c.chainRules(ctx, "FORWARD")
	if err != nil {
		return nil, err
	}
	result := make(map[string]int)
	for _, line := range rules {
		parts := strings.Fields(line)
		if len(parts) < 4 {
			continue
		}
		target, source := parts[0], parts[3]
		idx, err := ParsePartitionIndex(topologyID, target)
		if err != nil {
			continue
		}
		result[source] = idx
	}
	return result, nil
}

// deleteRules walks chain's rules in reverse (1-based index), deleting any
// rule for which predicate returns true. Reversing the walk keeps earlier
// indices valid as later ones are deleted.
func (c *Controller) deleteRules(ctx context.Context, chain string, predicate func(fields []string) bool) error {
	rules, err := c.chainRules(ctx, chain)
	if err != nil {
		return err
	}
	for i := len(rules) - 1; i >= 0; i-- {
		fields := strings.Fields(rules[i])
		if !predicate(fields) {
			continue
		}
		if _, err := c.exec.Run(ctx, []string{"iptables", "-D", chain, strconv.Itoa(i + 1)}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) deleteTopologyRules(ctx context.Context, topologyID string) error {
	return c.deleteRules(ctx, "FORWARD", func(fields []string) bool {
		if len(fields) == 0 {
			return false
		}
		_, err := ParsePartitionIndex(topologyID, fields[0])
		return err == nil
	})
}

func (c *Controller) deleteTopologyChains(ctx context.Context, topologyID string) error {
	lines, err := c.callOutput(ctx, "-L")
	if err != nil {
		return err
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "Chain") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		if _, err := ParsePartitionIndex(topologyID, name); err != nil {
			continue
		}
		if _, err := c.exec.Run(ctx, []string{"iptables", "-F", name}); err != nil {
			return err
		}
		if _, err := c.exec.Run(ctx, []string{"iptables", "-X", name}); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every FORWARD rule and every chain belonging to topologyID.
// Rules are deleted before chains, because a non-empty chain cannot be
// deleted (-X fails) and because FORWARD rules reference the chains by
// name.
func (c *Controller) Clear(ctx context.Context, topologyID string) error {
	if err := c.deleteTopologyRules(ctx, topologyID); err != nil {
		return err
	}
	return c.deleteTopologyChains(ctx, topologyID)
}
