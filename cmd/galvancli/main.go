// Command galvancli drives a Galvan-managed cluster from the command
// line: load a cluster config, spawn a Control facade, and run a single
// operation non-interactively. It exists mainly as a smoke-test harness
// for the packages under pkg/, mirroring the shape of the source
// system's own CLI client.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/galvan/pkg/control"
	"github.com/core-tools/galvan/pkg/identity"
	"github.com/core-tools/galvan/pkg/interlock"
	"github.com/core-tools/galvan/pkg/logging"
	"github.com/core-tools/galvan/pkg/sink"
	"github.com/core-tools/galvan/pkg/supervisor"
)

type flagOptions struct {
	Config    string        `long:"config" description:"path to cluster YAML config" required:"true"`
	Command   string        `long:"command" description:"path to the server startup script, invoked with no args in each server's working directory" required:"true"`
	Op        string        `long:"op" description:"operation to run" choice:"start-all" choice:"start-one" choice:"terminate-active" choice:"terminate-passive" choice:"terminate-all" choice:"wait-active" choice:"wait-ready" default:"start-all"`
	Timeout   time.Duration `long:"timeout" description:"operation timeout" default:"60s"`
	AwaitFail bool          `long:"await-verdict" description:"after the operation, block until the sink records a verdict"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s, ", module)
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewDevelopmentZapLogger(logPrefix("galvancli"))
	if err != nil {
		fmt.Printf("Failed to construct logger: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("opts: %+v", opts)

	config, err := identity.LoadClusterConfig(opts.Config)
	if err != nil {
		logger.Errorf("Failed to load cluster config: %v", err)
		os.Exit(1)
	}

	startupCommands := make(map[string]identity.StartupCommandSupplier, len(config.Servers))
	for _, server := range config.Servers {
		command := opts.Command
		startupCommands[server.Name] = func(ctx context.Context) ([]string, error) {
			return []string{command}, nil
		}
	}

	clusterInfo, err := config.ToClusterInfo(startupCommands)
	if err != nil {
		logger.Errorf("Failed to build cluster info: %v", err)
		os.Exit(1)
	}

	testSink := sink.New(logging.NewLogger(logPrefix("sink"), zapFuncs(logger)))
	il := interlock.New(logging.NewLogger(logPrefix("interlock"), zapFuncs(logger)), testSink)

	supervisors := make([]*supervisor.Supervisor, 0, len(clusterInfo.Servers))
	for _, id := range clusterInfo.Servers {
		sup := supervisor.New(id, logging.NewLogger(logPrefix("supervisor."+id.Name), zapFuncs(logger)), il)
		supervisors = append(supervisors, sup)
	}

	ctl := control.New(logging.NewLogger(logPrefix("control"), zapFuncs(logger)), il, supervisors)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := runOp(ctx, ctl, opts.Op); err != nil {
		logger.Errorf("Operation %s failed: %v", opts.Op, err)
		os.Exit(1)
	}

	logger.Infof("Operation %s completed", opts.Op)

	if opts.AwaitFail {
		verdict, err := testSink.AwaitVerdict(ctx)
		if err != nil {
			logger.Errorf("Failed waiting for verdict: %v", err)
			os.Exit(1)
		}
		logger.Infof("Verdict: %+v", verdict)
		if !verdict.Passed {
			os.Exit(1)
		}
	}
}

func runOp(ctx context.Context, ctl *control.Control, op string) error {
	switch op {
	case "start-all":
		return ctl.StartAllServers(ctx)
	case "start-one":
		return ctl.StartOneServer(ctx)
	case "terminate-active":
		return ctl.TerminateActive(ctx)
	case "terminate-passive":
		return ctl.TerminateOnePassive(ctx)
	case "terminate-all":
		return ctl.TerminateAllServers(ctx)
	case "wait-active":
		return ctl.WaitForActive(ctx)
	case "wait-ready":
		return ctl.WaitForRunningPassivesInStandby(ctx)
	default:
		return fmt.Errorf("unknown operation: %s", op)
	}
}

// zapFuncs adapts the sugared zap-backed Logger back into raw LogFuncs so
// sub-loggers can be built with their own prefixes without re-opening a
// zap core per component.
func zapFuncs(logger logging.Logger) logging.LogFuncs {
	return logging.LogFuncs{
		Debugf: logger.Debugf,
		Infof:  logger.Infof,
		Warnf:  logger.Warnf,
		Errorf: logger.Errorf,
	}
}
