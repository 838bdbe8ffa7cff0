// Package statestore persists the mapping from a topology's container
// names to their runtime container IDs. Existence of the state file is
// the source of truth for "this topology exists".
package statestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/blockade/pkg/types"
)

// StateVersion is the persisted schema version.
const StateVersion = 1

// StateDirName is the directory blockade's per-topology state lives
// under, relative to the data directory.
const StateDirName = ".blockade"

// ContainerRecord is the persisted identity of one container. NetworkIP
// is set only for udn-mode topologies, where it is the container's
// address on the topology's own network, preferred over the container's
// top-level address.
type ContainerRecord struct {
	ID        string `yaml:"id"`
	NetworkIP string `yaml:"network_ip,omitempty"`
}

// State is the on-disk YAML schema, as named in the configuration
// reference: version, blockade_id, and the container-name -> id map.
type State struct {
	Version    int                        `yaml:"version"`
	BlockadeID string                     `yaml:"blockade_id"`
	Containers map[string]ContainerRecord `yaml:"containers"`
}

// Store reads and writes per-topology state files rooted at a data
// directory.
type Store struct {
	dataDir string
}

// New builds a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) topologyDir(id string) string {
	return filepath.Join(s.dataDir, StateDirName, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.topologyDir(id), "state.yml")
}

// Initialize creates the state file for id with exclusive-create
// semantics: if the file already exists, returns
// *types.StateError{Kind: AlreadyInitialized}.
func (s *Store) Initialize(id string, containers map[string]ContainerRecord) (*State, error) {
	if err := os.MkdirAll(s.topologyDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	st := &State{Version: StateVersion, BlockadeID: id, Containers: containers}
	data, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	f, err := os.OpenFile(s.statePath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, types.NewStateError(types.AlreadyInitialized, "topology %q is already initialized", id)
		}
		s.destroyBestEffort(id)
		return nil, fmt.Errorf("failed to create state file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		s.destroyBestEffort(id)
		return nil, fmt.Errorf("failed to write state file: %w", err)
	}
	return st, nil
}

// Update unconditionally overwrites the state file for id.
func (s *Store) Update(id string, containers map[string]ContainerRecord) (*State, error) {
	st := &State{Version: StateVersion, BlockadeID: id, Containers: containers}
	data, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(s.topologyDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(s.statePath(id), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write state file: %w", err)
	}
	return st, nil
}

// Load reads the state file for id. A missing file yields
// *types.StateError{Kind: NotInitialized}; any other read/parse failure
// yields *types.StateError{Kind: InconsistentState}.
func (s *Store) Load(id string) (*State, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewStateError(types.NotInitialized, "topology %q is not initialized", id)
		}
		return nil, types.NewStateError(types.InconsistentState, "failed to read state for %q: %v", id, err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, types.NewStateError(types.InconsistentState, "corrupt state file for %q: %v", id, err)
	}
	return &st, nil
}

// Exists reports whether a state file is present for id, without parsing it.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.statePath(id))
	return err == nil
}

// Destroy removes the state file and its directory for id.
func (s *Store) Destroy(id string) error {
	return s.destroy(id)
}

func (s *Store) destroy(id string) error {
	path := s.statePath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	if err := os.Remove(s.topologyDir(id)); err != nil && !os.IsNotExist(err) {
		// directory not empty or otherwise unremovable: not fatal, the
		// state file itself is already gone so the topology no longer exists
		return nil
	}
	return nil
}

func (s *Store) destroyBestEffort(id string) {
	_ = s.destroy(id)
}

// List returns the topology IDs with a persisted state file.
func (s *Store) List() ([]string, error) {
	root := filepath.Join(s.dataDir, StateDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list topologies: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "state.yml")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
