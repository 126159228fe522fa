package main

import (
	"fmt"
	"sort"

	"github.com/cuemby/xtreestore/pkg/store"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <dir>",
	Short: "Write a checkpoint and prune subsumed delta logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := loadPolicy(cmd)
		if err != nil {
			return err
		}
		s, err := store.Open(args[0], store.Options{Policy: &policy, NoCoordinator: true})
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.WriteCheckpoint()
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint at epoch %d: %d entries, %d WAL bytes subsumed\n",
			res.Epoch, res.EntryCount, res.ReplayBytes)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <dir>",
	Short: "Reclaim retired handles and report fragmented segments",
	Long: `Runs one reclaim pass to return retired handles and their segment
bytes, then reports every size class whose dead/total ratio exceeds
the threshold as a compaction candidate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := loadPolicy(cmd)
		if err != nil {
			return err
		}
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		s, err := store.Open(args[0], store.Options{Policy: &policy, NoCoordinator: true})
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.ReclaimOnce()
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d handles, %d bytes (safe epoch %d)\n",
			stats.HandlesReclaimed, stats.BytesFreed, stats.SafeEpoch)

		segStats := s.SegmentStats()
		classes := make([]int, 0, len(segStats))
		for c := range segStats {
			classes = append(classes, int(c))
		}
		sort.Ints(classes)
		for _, c := range classes {
			cs := segStats[uint8(c)]
			total := cs.LiveBytes + cs.DeadBytes
			ratio := 0.0
			if total > 0 {
				ratio = float64(cs.DeadBytes) / float64(total)
			}
			marker := ""
			if ratio > threshold && total > 0 {
				marker = "  <- compaction candidate"
			}
			fmt.Printf("class %-3d segments %-4d live %-12d dead %-12d frag %.2f%s\n",
				c, cs.SegmentCount, cs.LiveBytes, cs.DeadBytes, ratio, marker)
		}
		return nil
	},
}

func init() {
	compactCmd.Flags().Float64("threshold", 0.5, "Dead/total ratio above which a class is flagged")
}
