package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cpopescu/whisperlib/raft"
)

var saveCmd = &cobra.Command{
	Use:   "save [data]",
	Short: "Write one record to the log via a running cluster, for manual testing",
	Args:  cobra.ExactArgs(1),
	RunE:  runSave,
}

func init() {
	flags := saveCmd.Flags()
	flags.StringSlice("peers", nil, "address of every node in the cluster")
	flags.Bool("wait", false, "block until the record is committed")
	flags.Duration("timeout", 10*time.Second, "overall request timeout")

	for _, name := range []string{"peers", "wait", "timeout"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runSave(cmd *cobra.Command, args []string) error {
	// serve binds the same "peers" key to its own flag; rebind it to ours.
	viper.BindPFlag("peers", cmd.Flags().Lookup("peers"))
	peers := viper.GetStringSlice("peers")
	if len(peers) == 0 {
		return fmt.Errorf("--peers must list at least one address")
	}

	client, err := raft.NewClient(raft.ClientConfig{Replicas: peers})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	committed, err := client.SendData(ctx, []byte(args[0]), viper.GetBool("wait"))
	if err != nil {
		return fmt.Errorf("whisperd: save: %w", err)
	}
	if viper.GetBool("wait") {
		fmt.Printf("committed=%v\n", committed)
	} else {
		fmt.Println("accepted")
	}
	return nil
}
