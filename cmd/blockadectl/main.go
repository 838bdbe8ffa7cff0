// Command blockadectl is the CLI front-end for the Controller Facade. It
// re-parses its configuration file on every invocation (this process is
// short-lived; the daemon subcommand is the only long-running mode) and
// renders errors the way the lineage it is modeled on always has:
// colored text on stderr and a classified exit code.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cuemby/blockade/pkg/audit"
	"github.com/cuemby/blockade/pkg/config"
	"github.com/cuemby/blockade/pkg/controller"
	"github.com/cuemby/blockade/pkg/hostexec"
	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/restapi"
	"github.com/cuemby/blockade/pkg/runtimeclient"
	"github.com/cuemby/blockade/pkg/types"
)

// version is stamped at build time in a production release; left as a
// literal here since this tree carries no build pipeline.
const version = "dev"

var (
	configPath string
	dataDir    string
	name       string
	verbose    bool
	debug      bool

	selectAll    bool
	selectRandom bool
)

func main() {
	root := &cobra.Command{
		Use:           "blockadectl",
		Short:         "inject and remove network faults among a set of containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cwd, _ := os.Getwd()
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "blockade.yaml", "blockade configuration file")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding topology state and audit logs")
	root.PersistentFlags().StringVarP(&name, "name", "n", filepath.Base(cwd), "topology name (default: basename of working directory)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "debug logging")

	root.AddCommand(
		newUpCmd(),
		newDestroyCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newKillCmd(),
		newLogsCmd(),
		newFlakyCmd(),
		newSlowCmd(),
		newFastCmd(),
		newDuplicateCmd(),
		newPartitionCmd(),
		newJoinCmd(),
		newDaemonCmd(),
		newAddCmd(),
		newChaosCmd(),
		newEventsCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		rc := classifyExitCode(err)
		printError(err)
		os.Exit(rc)
	}
}

func defaultDataDir() string {
	if d := os.Getenv("BLOCKADE_DATA_DIR"); d != "" {
		return d
	}
	return "/var/lib/blockade"
}

func setupLogging() {
	level := log.WarnLevel
	if verbose {
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
}

func printError(err error) {
	switch err.(type) {
	case *types.PermissionsError:
		fmt.Fprintln(os.Stderr, color.RedString("\nInsufficient permissions error:\n")+err.Error())
	default:
		if isUnexpected(err) {
			fmt.Fprintln(os.Stderr, color.RedString("\nUnexpected error! This may be a blockadectl bug.\n")+err.Error())
		} else {
			fmt.Fprintln(os.Stderr, color.RedString("\nError:\n")+err.Error())
		}
	}
}

// isUnexpected distinguishes the typed, user-facing error taxonomy from
// anything else (driver/runtime plumbing failures we didn't classify).
func isUnexpected(err error) bool {
	switch err.(type) {
	case *types.ConfigError, *types.NameError, *types.StateError,
		*types.RuntimeContainerNotFound, *types.ContainerConflict,
		*types.PermissionsError, *types.HostExecError,
		*types.InvalidTransitionError, *types.UsageError:
		return false
	default:
		return true
	}
}

func classifyExitCode(err error) int {
	if isUnexpected(err) {
		return 2
	}
	return 1
}

// buildController wires the Controller Facade's shared dependencies:
// one runtime client, one Host Executor, shared across every topology
// this process touches.
func buildController() (*controller.Controller, error) {
	setupLogging()
	client, err := runtimeclient.New(os.Getenv("CONTAINERD_ADDRESS"))
	if err != nil {
		return nil, err
	}
	exec := hostexec.New(client)
	return controller.New(dataDir, client, exec), nil
}

// loadAndAttach parses the configuration file and attaches it to ctrl
// under name, so the Manager exists for this invocation's duration
// regardless of which subcommand is running. When forCreate is set it
// only checks that the configuration parses and attaches nothing.
func loadAndAttach(ctrl *controller.Controller, forCreate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if forCreate {
		return nil
	}
	_, err = ctrl.Attach(name, cfg)
	return err
}

func loadConfig() (*types.Topology, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return config.Load(configPath)
		} else if configPath != "blockade.yaml" {
			return nil, types.NewConfigError("cannot read config file %s: %v", configPath, err)
		}
	}
	for _, candidate := range []string{"blockade.yaml", "blockade.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return &types.Topology{
		Containers: map[string]*types.ContainerConfig{},
		Network:    types.DefaultNetworkConfig(),
	}, nil
}

// selection resolves the mutually-exclusive container-selection flags
// against positional args. status/all container names come from the
// topology's current state via statusNames.
func selection(args []string, statusNames func() ([]string, error)) ([]string, error) {
	set := 0
	if selectAll {
		set++
	}
	if selectRandom {
		set++
	}
	if len(args) > 0 {
		set++
	}
	if set > 1 {
		return nil, types.NewUsageError("--all, --random, and explicit container names are mutually exclusive")
	}
	if set == 0 {
		return nil, types.NewUsageError("specify container names, --all, or --random")
	}

	if len(args) > 0 {
		return args, nil
	}

	all, err := statusNames()
	if err != nil {
		return nil, err
	}
	if selectAll {
		return all, nil
	}
	if len(all) == 0 {
		return nil, types.NewUsageError("no containers to select from")
	}
	return []string{all[time.Now().Nanosecond()%len(all)]}, nil
}

func withSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&selectAll, "all", false, "select every container")
	cmd.Flags().BoolVar(&selectRandom, "random", false, "select one random container")
}

func upContainerStatusNames(ctrl *controller.Controller) func() ([]string, error) {
	return func() ([]string, error) {
		live, err := ctrl.Status(context.Background(), name)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(live))
		for _, c := range live {
			if c.Status == types.StatusUp {
				names = append(names, c.Name)
			}
		}
		return names, nil
	}
}

func newUpCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "start every container in the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return ctrl.Up(context.Background(), name, cfg, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove and recreate conflicting containers")
	return cmd
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "stop and remove every container in the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			return ctrl.Destroy(context.Background(), name)
		},
	}
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the status of every container in the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			live, err := ctrl.Status(context.Background(), name)
			if err != nil {
				return err
			}
			printStatus(live, asJSON)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

func printStatus(live []*types.LiveContainer, asJSON bool) {
	if asJSON {
		fmt.Println("{")
		for i, c := range live {
			comma := ","
			if i == len(live)-1 {
				comma = ""
			}
			fmt.Printf("  %q: {\"status\": %q, \"ip_address\": %q}%s\n", c.Name, c.Status, c.IPAddress, comma)
		}
		fmt.Println("}")
		return
	}
	fmt.Printf("%-20s %-10s %-16s %-10s\n", "NAME", "STATUS", "IP ADDRESS", "NETWORK")
	for _, c := range live {
		fmt.Printf("%-20s %-10s %-16s %-10s\n", c.Name, c.Status, c.IPAddress, c.NetworkState)
	}
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [container...]",
		Short: "start stopped containers",
		RunE:  actionCmd((*controller.Controller).Start),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [container...]",
		Short: "stop running containers",
		RunE:  actionCmd((*controller.Controller).Stop),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart [container...]",
		Short: "restart containers",
		RunE:  actionCmd((*controller.Controller).Restart),
	}
	withSelectionFlags(cmd)
	return cmd
}

func actionCmd(fn func(*controller.Controller, context.Context, string, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctrl, err := buildController()
		if err != nil {
			return err
		}
		if err := loadAndAttach(ctrl, false); err != nil {
			return err
		}
		names, err := selection(args, upContainerStatusNames(ctrl))
		if err != nil {
			return err
		}
		return fn(ctrl, context.Background(), name, names)
	}
}

func newKillCmd() *cobra.Command {
	var sigName string
	cmd := &cobra.Command{
		Use:   "kill [container...]",
		Short: "send a signal to containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			names, err := selection(args, upContainerStatusNames(ctrl))
			if err != nil {
				return err
			}
			return ctrl.Kill(context.Background(), name, names, parseSignal(sigName))
		},
	}
	withSelectionFlags(cmd)
	cmd.Flags().StringVar(&sigName, "signal", "SIGKILL", "signal to send")
	return cmd
}

func parseSignal(s string) syscall.Signal {
	switch strings.ToUpper(s) {
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

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <container>",
		Short: "print a container's captured log output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			rc, err := ctrl.Logs(context.Background(), name, args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}

func newFlakyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flaky [container...]",
		Short: "introduce random packet loss",
		RunE:  actionCmd((*controller.Controller).Flaky),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newSlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slow [container...]",
		Short: "introduce latency",
		RunE:  actionCmd((*controller.Controller).Slow),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newFastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fast [container...]",
		Short: "restore normal network conditions",
		RunE:  actionCmd((*controller.Controller).Fast),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newDuplicateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicate [container...]",
		Short: "introduce random packet duplication",
		RunE:  actionCmd((*controller.Controller).Duplicate),
	}
	withSelectionFlags(cmd)
	return cmd
}

func newPartitionCmd() *cobra.Command {
	var random bool
	cmd := &cobra.Command{
		Use:   "partition [group ...]",
		Short: "partition containers into isolated groups (comma-separated per group)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			if random {
				return ctrl.RandomPartition(context.Background(), name)
			}
			sets := make(types.PartitionSet, 0, len(args))
			for _, group := range args {
				sets = append(sets, strings.Split(group, ","))
			}
			return ctrl.Partition(context.Background(), name, sets)
		},
	}
	cmd.Flags().BoolVar(&random, "random", false, "partition randomly")
	return cmd
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "remove all network partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			return ctrl.Join(context.Background(), name)
		},
	}
}

func newDaemonCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()
			srv := restapi.New(ctrl)
			addr := ":" + strconv.Itoa(port)
			fmt.Printf("blockadectl daemon listening on %s\n", addr)
			return http.ListenAndServe(addr, srv.Router())
		},
	}
	cmd.Flags().IntVar(&port, "port", 5000, "listen port")
	return cmd
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <container> <runtime-id>",
		Short: "register an externally-created container with the topology",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			return ctrl.AddContainer(context.Background(), name, args[0], args[1])
		},
	}
}

func newChaosCmd() *cobra.Command {
	var (
		stop                bool
		minStartDelay       int
		maxStartDelay       int
		minRunTime          int
		maxRunTime          int
		minContainersAtOnce int
		maxContainersAtOnce int
		minEventsAtOnce     int
		maxEventsAtOnce     int
		events              []string
	)
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "run a chaos session against the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			if stop {
				return ctrl.StopChaos(name)
			}
			bounds := types.DefaultChaosBounds()
			if minStartDelay > 0 {
				bounds.MinStartDelayMs = minStartDelay
			}
			if maxStartDelay > 0 {
				bounds.MaxStartDelayMs = maxStartDelay
			}
			if minRunTime > 0 {
				bounds.MinRunTimeMs = minRunTime
			}
			if maxRunTime > 0 {
				bounds.MaxRunTimeMs = maxRunTime
			}
			if minContainersAtOnce > 0 {
				bounds.MinContainersAtOnce = minContainersAtOnce
			}
			if maxContainersAtOnce > 0 {
				bounds.MaxContainersAtOnce = maxContainersAtOnce
			}
			if minEventsAtOnce > 0 {
				bounds.MinEventsAtOnce = minEventsAtOnce
			}
			if maxEventsAtOnce > 0 {
				bounds.MaxEventsAtOnce = maxEventsAtOnce
			}
			if len(events) > 0 {
				kinds := make([]types.ChaosEventKind, 0, len(events))
				for _, e := range events {
					kinds = append(kinds, types.ChaosEventKind(e))
				}
				bounds.Events = kinds
			}
			return ctrl.NewChaosSession(name, bounds)
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "stop the chaos session instead of starting one")
	cmd.Flags().IntVar(&minStartDelay, "min-start-delay", 0, "minimum milliseconds between events")
	cmd.Flags().IntVar(&maxStartDelay, "max-start-delay", 0, "maximum milliseconds between events")
	cmd.Flags().IntVar(&minRunTime, "min-run-time", 0, "minimum milliseconds an event runs")
	cmd.Flags().IntVar(&maxRunTime, "max-run-time", 0, "maximum milliseconds an event runs")
	cmd.Flags().IntVar(&minContainersAtOnce, "min-containers-at-once", 0, "minimum containers affected per event")
	cmd.Flags().IntVar(&maxContainersAtOnce, "max-containers-at-once", 0, "maximum containers affected per event")
	cmd.Flags().IntVar(&minEventsAtOnce, "min-events-at-once", 0, "minimum simultaneous event kinds")
	cmd.Flags().IntVar(&maxEventsAtOnce, "max-events-at-once", 0, "maximum simultaneous event kinds")
	cmd.Flags().StringSliceVar(&events, "event", nil, "restrict chaos to these event kinds")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "print the topology's audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := buildController()
			if err != nil {
				return err
			}
			if err := loadAndAttach(ctrl, false); err != nil {
				return err
			}
			events, err := ctrl.Events(name)
			if err != nil {
				return err
			}
			printEvents(events)
			return nil
		},
	}
}

func printEvents(events []audit.Event) {
	for _, e := range events {
		fmt.Printf("%s %-10s %-10s %s\n", e.Timestamp.Format(time.RFC3339), e.Status, e.Event, e.Message)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the blockadectl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("blockadectl " + version)
			return nil
		},
	}
}
