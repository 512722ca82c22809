package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cpopescu/whisperlib/raft"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve this node's share of the replicated log",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.Int32("node-id", 0, "index of this node within --peers")
	flags.StringSlice("peers", nil, "address of every node in the cluster, this node's own address included, in node-id order")
	flags.String("listen", "", "address to listen on (defaults to peers[node-id])")
	flags.String("log-dir", "./data", "directory holding this node's log files and state")
	flags.String("file-base", "whisperlog", "base name for log files within --log-dir")
	flags.Duration("election-timeout", 2*time.Second, "base election timeout")
	flags.Int("block-size", 0, "log block size in bytes (0: library default)")
	flags.Int("blocks-per-file", 0, "blocks per log file (0: library default)")
	flags.Bool("deflate", false, "compress log records with deflate")

	for _, name := range []string{"node-id", "peers", "listen", "log-dir", "file-base", "election-timeout", "block-size", "blocks-per-file", "deflate"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	peers := viper.GetStringSlice("peers")
	nodeID := viper.GetInt32("node-id")
	if len(peers) == 0 {
		return fmt.Errorf("--peers must list at least one address")
	}
	if nodeID < 0 || int(nodeID) >= len(peers) {
		return fmt.Errorf("--node-id %d out of range for %d peers", nodeID, len(peers))
	}

	cfg := raft.Config{
		NodeID:          nodeID,
		PeerAddrs:       peers,
		LogDir:          viper.GetString("log-dir"),
		FileBase:        viper.GetString("file-base"),
		BlockSize:       viper.GetInt("block-size"),
		BlocksPerFile:   viper.GetInt("blocks-per-file"),
		Deflate:         viper.GetBool("deflate"),
		ElectionTimeout: viper.GetDuration("election-timeout"),
		Logger:          logger,
	}
	server, err := raft.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("whisperd: initializing node: %w", err)
	}

	listen := viper.GetString("listen")
	if listen == "" {
		listen = peers[nodeID]
	}
	if err := server.Serve(listen); err != nil {
		return fmt.Errorf("whisperd: serving on %s: %w", listen, err)
	}
	logger.Info().Str("listen", listen).Int32("node_id", nodeID).Msg("whisperd node serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("whisperd node shutting down")
	server.Stop()
	return nil
}
