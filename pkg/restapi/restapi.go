// Package restapi exposes the Controller Facade over HTTP: one JSON
// route tree per topology, mirroring the CLI one for one. Route wiring
// and the classified-error-to-status mapping follow the gorilla/mux +
// promhttp pattern this corpus uses for its service daemons.
package restapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cuemby/blockade/pkg/controller"
	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/types"
)

// Server wires a Controller to an HTTP mux.
type Server struct {
	ctrl   *controller.Controller
	logger zerolog.Logger
	router *mux.Router
}

// New builds a Server with every route registered.
func New(ctrl *controller.Controller) *Server {
	s := &Server{ctrl: ctrl, logger: log.WithComponent("restapi")}
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/blockade", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/blockade/{id}", s.requireJSON(s.handleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/blockade/{id}", s.requireJSON(s.handleUpdate)).Methods(http.MethodPut)
	r.HandleFunc("/blockade/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/blockade/{id}", s.handleDestroy).Methods(http.MethodDelete)
	r.HandleFunc("/blockade/{id}/action", s.requireJSON(s.handleAction)).Methods(http.MethodPost)
	r.HandleFunc("/blockade/{id}/partitions", s.handlePartitions).Methods(http.MethodPost)
	r.HandleFunc("/blockade/{id}/partitions", s.handleJoin).Methods(http.MethodDelete)
	r.HandleFunc("/blockade/{id}/network_state", s.requireJSON(s.handleNetworkState)).Methods(http.MethodPost)
	r.HandleFunc("/blockade/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/blockade/{id}/chaos", s.requireJSON(s.handleChaosCreate)).Methods(http.MethodPost)
	r.HandleFunc("/blockade/{id}/chaos", s.requireJSON(s.handleChaosUpdate)).Methods(http.MethodPut)
	r.HandleFunc("/blockade/{id}/chaos", s.handleChaosStatus).Methods(http.MethodGet)
	r.HandleFunc("/blockade/{id}/chaos", s.handleChaosDelete).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)

	s.router = r
	return s
}

// Router returns the registered mux so a caller can wrap it in an
// http.Server of its own choosing.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// requireJSON enforces the Content-Type: application/json contract on
// bodies, per the 415 rule.
func (s *Server) requireJSON(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength == 0 {
			h(w, r)
			return
		}
		ct := r.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "application/json") {
			writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		h(w, r)
	}
}

// writeError renders a short, classified plain-text error body.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// classify maps the controller's typed error taxonomy onto the REST
// status codes spec.md §7 assigns it: 400 bad input/invalid name, 404
// missing topology/container, 500 everything else.
func classify(err error) (int, string) {
	switch e := err.(type) {
	case *types.NameError:
		return http.StatusBadRequest, e.Error()
	case *types.ConfigError:
		return http.StatusBadRequest, e.Error()
	case *types.UsageError:
		return http.StatusBadRequest, e.Error()
	case *types.InvalidTransitionError:
		return http.StatusBadRequest, e.Error()
	case *types.StateError:
		if e.Kind == types.NotInitialized {
			return http.StatusNotFound, e.Error()
		}
		return http.StatusBadRequest, e.Error()
	case *types.RuntimeContainerNotFound:
		return http.StatusNotFound, e.Error()
	case *types.ContainerConflict:
		return http.StatusBadRequest, e.Error()
	case *types.PermissionsError:
		return http.StatusInternalServerError, e.Error()
	case *types.HostExecError:
		return http.StatusInternalServerError, e.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeClassified(w http.ResponseWriter, err error) {
	status, msg := classify(err)
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func topoID(r *http.Request) string { return mux.Vars(r)["id"] }

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ctrl.List()
	if err != nil {
		writeClassified(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blockades": ids})
}

// createBody is the POST /blockade/<id> payload: a name -> ContainerConfig
// mapping plus the topology's network section.
type createBody struct {
	Containers map[string]containerBody `json:"containers"`
	Network    networkBody              `json:"network"`
}

type containerBody struct {
	Image         string            `json:"image"`
	Command       []string          `json:"command"`
	Environment   map[string]string `json:"environment"`
	Volumes       map[string]string `json:"volumes"`
	PublishPorts  map[string]int    `json:"publish_ports"`
	ExposePorts   []int             `json:"expose_ports"`
	Links         map[string]string `json:"links"`
	StartDelay    int               `json:"start_delay"`
	Hostname      string            `json:"hostname"`
	DNS           []string          `json:"dns"`
	ContainerName string            `json:"container_name"`
	Capabilities  []string          `json:"cap_add"`
	Neutral       bool              `json:"neutral"`
	Holy          bool              `json:"holy"`
}

type networkBody struct {
	Driver    string `json:"driver"`
	Flaky     string `json:"flaky"`
	Slow      string `json:"slow"`
	Duplicate string `json:"duplicate"`
}

func toTopology(body createBody) (*types.Topology, error) {
	containers := make(map[string]*types.ContainerConfig, len(body.Containers))
	for name, cb := range body.Containers {
		ports := make(map[int]int, len(cb.PublishPorts))
		for hostPort, containerPort := range cb.PublishPorts {
			p, err := strconv.Atoi(hostPort)
			if err != nil {
				return nil, types.NewConfigError("invalid publish_ports host key %q", hostPort)
			}
			ports[p] = containerPort
		}
		containers[name] = &types.ContainerConfig{
			Name:          name,
			Image:         cb.Image,
			Command:       cb.Command,
			Environment:   cb.Environment,
			Volumes:       cb.Volumes,
			PublishPorts:  ports,
			ExposePorts:   cb.ExposePorts,
			Links:         cb.Links,
			StartDelay:    time.Duration(cb.StartDelay) * time.Second,
			Hostname:      cb.Hostname,
			DNS:           cb.DNS,
			ContainerName: cb.ContainerName,
			Capabilities:  cb.Capabilities,
			Neutral:       cb.Neutral,
			Holy:          cb.Holy,
		}
	}

	network := types.DefaultNetworkConfig()
	if body.Network.Driver != "" {
		network.Driver = types.NetworkDriver(body.Network.Driver)
	}
	if body.Network.Flaky != "" {
		network.Flaky = body.Network.Flaky
	}
	if body.Network.Slow != "" {
		network.Slow = body.Network.Slow
	}
	if body.Network.Duplicate != "" {
		network.Duplicate = body.Network.Duplicate
	}

	names := make(map[string]*types.ContainerConfig, len(containers))
	for n, c := range containers {
		names[n] = c
	}
	sorted, err := sortedNames(names)
	if err != nil {
		return nil, err
	}

	return &types.Topology{Containers: containers, SortedContainers: sorted, Network: network}, nil
}

// sortedNames performs the same Kahn-style dependency sort the
// configuration loader does, so topologies created over REST are
// brought up in dependency order exactly like ones loaded from YAML.
func sortedNames(containers map[string]*types.ContainerConfig) ([]string, error) {
	known := make(map[string]bool, len(containers))
	for n := range containers {
		known[n] = true
	}
	names := make([]string, 0, len(containers))
	for n := range containers {
		names = append(names, n)
	}
	sort.Strings(names)

	remaining := make(map[string][]string, len(names))
	for _, n := range names {
		var links []string
		for target := range containers[n].Links {
			if !known[target] {
				return nil, types.NewConfigError("unknown container %q linked from %q", target, n)
			}
			links = append(links, target)
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

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body createBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	cfg, err := toTopology(body)
	if err != nil {
		writeClassified(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.ctrl.Up(r.Context(), id, cfg, force); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateBody struct {
	Containers []string `json:"containers"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body updateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	for _, name := range body.Containers {
		if err := s.ctrl.AddContainer(r.Context(), id, name, ""); err != nil {
			writeClassified(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	live, err := s.ctrl.Status(r.Context(), id)
	if err != nil {
		writeClassified(w, err)
		return
	}
	out := make(map[string]*types.LiveContainer, len(live))
	for _, c := range live {
		out[c.Name] = c
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": out})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Destroy(r.Context(), topoID(r)); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionBody struct {
	Command        string   `json:"command"`
	ContainerNames []string `json:"container_names"`
	Signal         string   `json:"signal"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body actionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	ctx := r.Context()
	var err error
	switch body.Command {
	case "start":
		err = s.ctrl.Start(ctx, id, body.ContainerNames)
	case "stop":
		err = s.ctrl.Stop(ctx, id, body.ContainerNames)
	case "restart":
		err = s.ctrl.Restart(ctx, id, body.ContainerNames)
	case "kill":
		err = s.ctrl.Kill(ctx, id, body.ContainerNames, signalFor(body.Signal))
	default:
		writeError(w, http.StatusBadRequest, "unknown command: "+body.Command)
		return
	}
	if err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func signalFor(name string) syscall.Signal {
	switch name {
	case "", "SIGKILL":
		return syscall.SIGKILL
	case "SIGTERM":
		return syscall.SIGTERM
	case "SIGSTOP":
		return syscall.SIGSTOP
	case "SIGCONT":
		return syscall.SIGCONT
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGKILL
	}
}

type partitionsBody struct {
	Partitions types.PartitionSet `json:"partitions"`
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	ctx := r.Context()
	if r.URL.Query().Get("random") != "" {
		if err := s.ctrl.RandomPartition(ctx, id); err != nil {
			writeClassified(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body partitionsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.ctrl.Partition(ctx, id, body.Partitions); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Join(r.Context(), topoID(r)); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type networkStateBody struct {
	NetworkState   string   `json:"network_state"`
	ContainerNames []string `json:"container_names"`
}

func (s *Server) handleNetworkState(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body networkStateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	ctx := r.Context()
	var err error
	switch body.NetworkState {
	case "flaky":
		err = s.ctrl.Flaky(ctx, id, body.ContainerNames)
	case "slow":
		err = s.ctrl.Slow(ctx, id, body.ContainerNames)
	case "duplicate":
		err = s.ctrl.Duplicate(ctx, id, body.ContainerNames)
	case "fast":
		err = s.ctrl.Fast(ctx, id, body.ContainerNames)
	default:
		writeError(w, http.StatusBadRequest, "unknown network_state: "+body.NetworkState)
		return
	}
	if err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ctrl.Events(topoID(r))
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type chaosBody struct {
	MinStartDelay       int      `json:"min_start_delay"`
	MaxStartDelay       int      `json:"max_start_delay"`
	MinRunTime          int      `json:"min_run_time"`
	MaxRunTime          int      `json:"max_run_time"`
	MinContainersAtOnce int      `json:"min_containers_at_once"`
	MaxContainersAtOnce int      `json:"max_containers_at_once"`
	MinEventsAtOnce     int      `json:"min_events_at_once"`
	MaxEventsAtOnce     int      `json:"max_events_at_once"`
	Events              []string `json:"events"`
}

func toBounds(body chaosBody) types.ChaosBounds {
	bounds := types.DefaultChaosBounds()
	if body.MinStartDelay > 0 {
		bounds.MinStartDelayMs = body.MinStartDelay
	}
	if body.MaxStartDelay > 0 {
		bounds.MaxStartDelayMs = body.MaxStartDelay
	}
	if body.MinRunTime > 0 {
		bounds.MinRunTimeMs = body.MinRunTime
	}
	if body.MaxRunTime > 0 {
		bounds.MaxRunTimeMs = body.MaxRunTime
	}
	if body.MinContainersAtOnce > 0 {
		bounds.MinContainersAtOnce = body.MinContainersAtOnce
	}
	if body.MaxContainersAtOnce > 0 {
		bounds.MaxContainersAtOnce = body.MaxContainersAtOnce
	}
	if body.MinEventsAtOnce > 0 {
		bounds.MinEventsAtOnce = body.MinEventsAtOnce
	}
	if body.MaxEventsAtOnce > 0 {
		bounds.MaxEventsAtOnce = body.MaxEventsAtOnce
	}
	if len(body.Events) > 0 {
		kinds := make([]types.ChaosEventKind, 0, len(body.Events))
		for _, e := range body.Events {
			kinds = append(kinds, types.ChaosEventKind(e))
		}
		bounds.Events = kinds
	}
	return bounds
}

func (s *Server) handleChaosCreate(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body chaosBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.ctrl.NewChaosSession(id, toBounds(body)); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleChaosUpdate(w http.ResponseWriter, r *http.Request) {
	id := topoID(r)
	var body struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	var err error
	switch body.Command {
	case "stop":
		err = s.ctrl.StopChaos(id)
	case "start", "":
		err = s.ctrl.StartChaos(id)
	default:
		writeError(w, http.StatusBadRequest, "unknown chaos command: "+body.Command)
		return
	}
	if err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChaosStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.ctrl.ChaosStatus(topoID(r))
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

func (s *Server) handleChaosDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteChaos(topoID(r)); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
