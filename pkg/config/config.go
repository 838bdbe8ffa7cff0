// Package config loads the YAML configuration file that declares a
// topology's containers and network defaults. This is the Go-native
// rendition of the configuration-file Non-goal's interface: the spec
// treats config loading as external, but a concrete YAML parser is
// ambient infrastructure every CLI in this corpus carries, so it lives
// here.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/blockade/pkg/types"
)

// rawContainer mirrors one entry of the YAML `containers` map.
type rawContainer struct {
	Image        string            `yaml:"image"`
	Command      interface{}       `yaml:"command"`
	Links        interface{}       `yaml:"links"`
	Volumes      interface{}       `yaml:"volumes"`
	PublishPorts interface{}       `yaml:"publish_ports"`
	ExposePorts  []int             `yaml:"expose_ports"`
	Environment  interface{}       `yaml:"environment"`
	StartDelay   int               `yaml:"start_delay"`
	Hostname     string            `yaml:"hostname"`
	DNS          []string          `yaml:"dns"`
	ContainerName string           `yaml:"container_name"`
	Capabilities []string          `yaml:"cap_add"`
	Count        int               `yaml:"count"`
	Neutral      bool              `yaml:"neutral"`
	Holy         bool              `yaml:"holy"`
}

// rawNetwork mirrors the YAML `network` map.
type rawNetwork struct {
	Driver    string `yaml:"driver"`
	Flaky     string `yaml:"flaky"`
	Slow      string `yaml:"slow"`
	Duplicate string `yaml:"duplicate"`
}

// rawFile is the top-level YAML document.
type rawFile struct {
	Containers map[string]rawContainer `yaml:"containers"`
	Network    rawNetwork              `yaml:"network"`
}

var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z][-_a-zA-Z0-9]*)\}`)

// substituteEnv replaces ${VAR} references with the process environment,
// falling back to the PWD/CWD builtins, and errors if a variable is
// undefined.
func substituteEnv(value string) (string, error) {
	var substErr error
	result := envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if name == "PWD" || name == "CWD" {
			if cwd, err := os.Getwd(); err == nil {
				return cwd
			}
		}
		substErr = types.NewConfigError("environment variable not found: %s", name)
		return match
	})
	if substErr != nil {
		return "", substErr
	}
	return result, nil
}

// Load reads and parses a blockade configuration file at path.
func Load(path string) (*types.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewConfigError("cannot read config file %s: %v", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a Topology. Its ID field is left
// empty; callers pass the topology's name separately.
func Parse(data []byte) (*types.Topology, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, types.NewConfigError("invalid YAML: %v", err)
	}

	containers := make(map[string]*types.ContainerConfig)
	for name, rc := range raw.Containers {
		expanded, err := expandContainer(name, rc)
		if err != nil {
			return nil, types.NewConfigError("container '%s' config problem: %v", name, err)
		}
		for _, cc := range expanded {
			containers[cc.Name] = cc
		}
	}

	network := types.DefaultNetworkConfig()
	if raw.Network.Driver != "" {
		network.Driver = types.NetworkDriver(raw.Network.Driver)
	}
	if raw.Network.Flaky != "" {
		network.Flaky = raw.Network.Flaky
	}
	if raw.Network.Slow != "" {
		network.Slow = raw.Network.Slow
	}
	if raw.Network.Duplicate != "" {
		network.Duplicate = raw.Network.Duplicate
	}

	sorted, err := DependencySort(containers)
	if err != nil {
		return nil, err
	}

	return &types.Topology{
		Containers:       containers,
		SortedContainers: sorted,
		Network:          network,
	}, nil
}

// expandContainer yields 1..N ContainerConfig instances per the `count`
// field: count==1 keeps the declared name, count>1 yields name_1..name_N.
func expandContainer(name string, rc rawContainer) ([]*types.ContainerConfig, error) {
	count := rc.Count
	if count <= 0 {
		count = 1
	}

	if rc.Neutral && rc.Holy {
		return nil, fmt.Errorf("neutral and holy are mutually exclusive")
	}
	if rc.StartDelay < 0 {
		return nil, fmt.Errorf("start_delay must be non-negative")
	}

	links, err := dictifyStrings(rc.Links)
	if err != nil {
		return nil, fmt.Errorf("invalid links: %w", err)
	}

	volumes, err := dictifyPaths(rc.Volumes)
	if err != nil {
		return nil, fmt.Errorf("invalid volumes: %w", err)
	}

	publish, err := dictifyPorts(rc.PublishPorts)
	if err != nil {
		return nil, fmt.Errorf("invalid publish_ports: %w", err)
	}

	env, err := dictifyEnv(rc.Environment)
	if err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	command, err := stringSlice(rc.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	exposeSet := make(map[int]bool)
	for _, p := range rc.ExposePorts {
		exposeSet[p] = true
	}
	for _, p := range publish {
		exposeSet[p] = true
	}
	var expose []int
	for p := range exposeSet {
		expose = append(expose, p)
	}
	sort.Ints(expose)

	out := make([]*types.ContainerConfig, 0, count)
	for i := 1; i <= count; i++ {
		instanceName := name
		if count > 1 {
			instanceName = fmt.Sprintf("%s_%d", name, i)
		}
		out = append(out, &types.ContainerConfig{
			Name:          instanceName,
			Image:         rc.Image,
			Command:       command,
			Environment:   env,
			Volumes:       volumes,
			PublishPorts:  publish,
			ExposePorts:   expose,
			Links:         links,
			StartDelay:    time.Duration(rc.StartDelay) * time.Second,
			Hostname:      rc.Hostname,
			DNS:           rc.DNS,
			ContainerName: rc.ContainerName,
			Capabilities:  rc.Capabilities,
			Neutral:       rc.Neutral,
			Holy:          rc.Holy,
		})
	}
	return out, nil
}

// dictifyStrings normalizes a YAML value that's either a list (identity
// map: value -> value) or a map into map[string]string.
func dictifyStrings(v interface{}) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []interface{}:
		out := make(map[string]string, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list entries")
			}
			out[s] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]string, len(t))
		for k, val := range t {
			s, ok := val.(string)
			if !ok {
				s = fmt.Sprintf("%v", val)
			}
			if s == "" {
				s = k
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("need list or map")
	}
}

// dictifyPaths is dictifyStrings followed by ${VAR} substitution on each
// value; keys are kept as given and no path is made absolute.
func dictifyPaths(v interface{}) (map[string]string, error) {
	m, err := dictifyStrings(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		expanded, err := substituteEnv(val)
		if err != nil {
			return nil, err
		}
		out[k] = expanded
	}
	return out, nil
}

func dictifyPorts(v interface{}) (map[int]int, error) {
	m, err := dictifyStrings(v)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(m))
	for k, val := range m {
		var hostPort, containerPort int
		if _, err := fmt.Sscanf(k, "%d", &hostPort); err != nil {
			return nil, fmt.Errorf("invalid host port %q", k)
		}
		if _, err := fmt.Sscanf(val, "%d", &containerPort); err != nil {
			return nil, fmt.Errorf("invalid container port %q", val)
		}
		out[hostPort] = containerPort
	}
	return out, nil
}

func dictifyEnv(v interface{}) (map[string]string, error) {
	m, err := dictifyStrings(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		ek, err := substituteEnv(k)
		if err != nil {
			return nil, err
		}
		ev, err := substituteEnv(val)
		if err != nil {
			return nil, err
		}
		out[ek] = ev
	}
	return out, nil
}

func stringSlice(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list")
	}
}

// DependencySort performs a Kahn-style topological sort of container
// names by their link targets: repeatedly extract names whose links are
// all already resolved. Unknown link targets and cycles are reported as
// ConfigErrors.
func DependencySort(containers map[string]*types.ContainerConfig) ([]string, error) {
	names := make([]string, 0, len(containers))
	for n := range containers {
		names = append(names, n)
	}
	sort.Strings(names)

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	remaining := make(map[string][]string, len(names))
	for _, n := range names {
		var links []string
		for target := range containers[n].Links {
			links = append(links, target)
		}
		sort.Strings(links)
		for _, t := range links {
			if !known[t] {
				return nil, types.NewConfigError("unknown container %q linked from %q", t, n)
			}
		}
		remaining[n] = links
	}

	resolved := make(map[string]bool, len(names))
	var result []string

	for len(result) < len(names) {
		progressed := false
		for _, n := range names {
			if resolved[n] {
				continue
			}
			ready := true
			for _, l := range remaining[n] {
				if !resolved[l] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			result = append(result, n)
			resolved[n] = true
			progressed = true
		}
		if !progressed {
			return nil, types.NewConfigError("containers have circular links!")
		}
	}
	return result, nil
}
