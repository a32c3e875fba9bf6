// meshsync keeps directory trees identical across the nodes of a cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/meshsync/internal/config"
	"github.com/tunnelmesh/meshsync/internal/coord/lock"
	"github.com/tunnelmesh/meshsync/internal/coord/transport"
	"github.com/tunnelmesh/meshsync/internal/node"
	"github.com/tunnelmesh/meshsync/internal/trigger"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	localPeers int
	nodeAddr   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshsync",
		Short: "meshsync - replicate directory trees across a cluster",
		Long: `meshsync keeps directories identical on every node of a cluster. A change
is written to every live member under a cluster-wide path lock before it
counts as replicated.

QUICK START:

  # Single host, three nodes in one process:
  meshsync run --config meshsync.yaml --local-peers 3

  # One node per host (gossip membership, S3 lock bucket):
  meshsync run --config /etc/meshsync/meshsync.yaml

For more help on any command, use: meshsync <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a meshsync node",
		RunE:  runNode,
	}
	runCmd.Flags().StringVarP(&cfgFile, "config", "c", "meshsync.yaml", "config file path")
	runCmd.Flags().IntVar(&localPeers, "local-peers", 0, "run this many extra in-process nodes (requires an empty cluster.bind)")
	rootCmd.AddCommand(runCmd)

	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "List the members seen by a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printMembers(cmd.OutOrStdout(), nodeAddr)
		},
	}
	membersCmd.Flags().StringVar(&nodeAddr, "addr", "127.0.0.1:8480", "HTTP address of the node")
	rootCmd.AddCommand(membersCmd)

	checksumCmd := &cobra.Command{
		Use:   "checksum <file>...",
		Short: "Print the checksum meshsync uses for files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, file := range args {
				sum, err := trigger.FileChecksum(file)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, file)
			}
			return nil
		},
	}
	rootCmd.AddCommand(checksumCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "meshsync %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if localPeers > 0 && cfg.Cluster.Bind != "" {
		return errors.New("--local-peers requires an empty cluster.bind")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	configs := append([]*config.Config{cfg}, peerConfigs(cfg, localPeers)...)
	hub := transport.NewHub()
	mutexes := lock.NewMemoryBackend()

	var nodes []*node.Node
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := len(nodes) - 1; i >= 0; i-- {
			if err := nodes[i].Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Str("node", nodes[i].Name()).Msg("shutdown failed")
			}
		}
	}()

	for _, c := range configs {
		n, err := node.New(ctx, node.Options{
			Config:  c,
			Logger:  log.Logger,
			Hub:     hub,
			Mutexes: mutexes,
		})
		if err != nil {
			return fmt.Errorf("create node %s: %w", c.Node.Name, err)
		}
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if err := n.Start(); err != nil {
			return fmt.Errorf("start node %s: %w", n.Name(), err)
		}
	}

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down...")
	case <-ctx.Done():
	}
	return nil
}

// peerConfigs derives the configs of in-process peers from the main one.
// Each peer gets its own data dir, and local dirs next to the configured ones
// so that no watcher sees another node's files.
func peerConfigs(cfg *config.Config, count int) []*config.Config {
	peers := make([]*config.Config, 0, count)
	for i := 1; i <= count; i++ {
		peer := *cfg
		name := fmt.Sprintf("%s-%d", cfg.Node.Name, i)
		peer.Node.Name = name
		peer.Node.DataDir = filepath.Join(cfg.Node.DataDir, "peers", name)
		peer.Journal.Path = filepath.Join(peer.Node.DataDir, filepath.Base(cfg.Journal.Path))
		peer.Transport.Listen = "127.0.0.1:0"
		peer.Metrics.Enabled = false
		peer.Sync.Dirs = make([]config.SyncDir, len(cfg.Sync.Dirs))
		for j, d := range cfg.Sync.Dirs {
			peer.Sync.Dirs[j] = config.SyncDir{
				Cluster: d.Cluster,
				Local:   d.Local + "." + name,
			}
		}
		peers = append(peers, &peer)
	}
	return peers
}

func printMembers(out io.Writer, addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/members")
	if err != nil {
		return fmt.Errorf("query node: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query node: unexpected status %d", resp.StatusCode)
	}
	var members node.MembersResponse
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	for _, m := range members.Members {
		marker := " "
		if m == members.Local {
			marker = "*"
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", marker, m)
	}
	return nil
}
