package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"teleclaude/internal/config"
)

var peerAddCmd = &cobra.Command{
	Use:   "peer:add <name> <address>",
	Short: "Add a peer daemon to the config",
	Long: `Add or update a peer entry in the config file.

The daemon seeds every configured peer into the computers directory at
startup, so remote sessions become visible after the next restart.

Examples:
  teleclaude peer:add workstation 192.168.1.20:7600
  teleclaude peer:add laptop laptop.local:7600`,
	Args: cobra.ExactArgs(2),
	RunE: runPeerAdd,
}

func init() {
	rootCmd.AddCommand(peerAddCmd)
}

func runPeerAdd(_ *cobra.Command, args []string) error {
	name, address := args[0], args[1]
	path := configFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}

	peers := cfg.Peer.Peers
	updated := false
	for i, p := range peers {
		if p.Name == name {
			peers[i].Address = address
			updated = true
			break
		}
	}
	if !updated {
		peers = append(peers, config.PeerEntry{Name: name, Address: address})
	}

	if err := config.SavePeers(path, peers); err != nil {
		return err
	}
	fmt.Printf("Saved peer %s (%s) to %s\n", name, address, path)
	return nil
}
