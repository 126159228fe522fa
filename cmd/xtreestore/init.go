package main

import (
	"fmt"

	"github.com/cuemby/xtreestore/pkg/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Initialize an empty store",
	Long: `Creates the store layout at the given directory: manifest,
superblock, and the first delta log. Safe to run on an existing store;
it simply recovers and closes it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := loadPolicy(cmd)
		if err != nil {
			return err
		}
		shards, _ := cmd.Flags().GetInt("shards")

		s, err := store.Open(args[0], store.Options{
			Policy:        &policy,
			Shards:        shards,
			NoCoordinator: true,
		})
		if err != nil {
			return err
		}
		if err := s.Close(); err != nil {
			return err
		}
		fmt.Printf("Initialized store at %s (durability: %s)\n", args[0], policy.DurabilityMode)
		return nil
	},
}

func init() {
	initCmd.Flags().Int("shards", 0, "Number of object table shards (0 = unsharded)")
}
