// Command ranged runs one node of a range cluster: it serves Graph API
// reads and writes over Paxos-replicated consensus against its peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	logging "github.com/op/go-logging"
	"github.com/spf13/cobra"

	"github.com/jbeverly/rangexx/internal/daemon"
	"github.com/jbeverly/rangexx/internal/kv"
	"github.com/jbeverly/rangexx/internal/rangecfg"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

const daemonizeMarkerEnv = "RANGED_DAEMONIZED"

var log = rangelog.For("cmd.ranged")

var (
	configPath string
	daemonize  bool
	verboseN   int
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "ranged",
		Short:         "range daemon: a replicated, versioned configuration graph store",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the daemon's YAML configuration file")
	root.Flags().BoolVar(&daemonize, "daemonize", false, "fork into the background after startup")
	root.Flags().CountVarP(&verboseN, "verbose", "v", "increase log verbosity (repeatable)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	applyLogLevel()

	cfg, err := rangecfg.Load(configPath)
	if err != nil {
		return err
	}

	if daemonize && os.Getenv(daemonizeMarkerEnv) == "" {
		return reexecDetached()
	}

	backend, err := kv.Open(cfg.DBHome)
	if err != nil {
		return fmt.Errorf("opening backend at %s: %w", cfg.DBHome, err)
	}
	defer backend.Close()

	members := append([]string{}, cfg.InitialPeers...)
	scfg := daemon.Config{
		NodeID:               cfg.NodeID,
		ListenAddr:           fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		EnvName:              cfg.EnvName,
		ProposersClusterName: cfg.ProposersClusterName,
		Proposers:            members,
		Accepters:            members,
		Learners:             members,
		Peers:                cfg.InitialPeers,
		RequestTimeout:       cfg.StoredRequestTimeoutDuration(),
		HeartbeatTimeout:     cfg.HeartbeatTimeoutDuration(),
		StoredTimeout:        cfg.ReaderAckTimeoutDuration(),
	}

	sup, err := daemon.NewSupervisor(scfg, backend)
	if err != nil {
		return fmt.Errorf("wiring daemon: %w", err)
	}

	ctx := context.Background()
	if err := sup.Replay(ctx); err != nil {
		log.Warningf("replay skipped: %v", err)
	}

	sup.Start(ctx)
	sup.Wait()
	return nil
}

func applyLogLevel() {
	level := logging.NOTICE
	switch {
	case debug:
		level = logging.DEBUG
	case verboseN >= 1:
		level = logging.INFO
	}
	rangelog.SetLevel(level)
}

// reexecDetached execs a fresh copy of the running binary with the
// daemonize marker set, standing in for a real double-fork: the OS
// process shell beyond a single marker env var is an external concern.
func reexecDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonizeMarkerEnv+"=1")
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return err
	}
	return child.Process.Release()
}
