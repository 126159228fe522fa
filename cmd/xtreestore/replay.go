package main

import (
	"fmt"

	"github.com/cuemby/xtreestore/pkg/deltalog"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <wal-file>",
	Short: "Replay and print a delta log",
	Long: `Reads every well-formed frame from a delta log, printing each
record. A torn tail is reported with the offset of the last good
frame; --truncate discards the tail so the log replays cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		res, err := deltalog.Replay(path)
		if err != nil {
			return err
		}

		for _, f := range res.Frames {
			rec := f.Record
			retire := "live"
			if rec.RetireEpoch != otentry.RetireEpochNone {
				retire = fmt.Sprintf("retired@%d", rec.RetireEpoch)
			}
			payload := ""
			if f.Payload != nil {
				payload = fmt.Sprintf(" payload=%dB", len(f.Payload))
			}
			fmt.Printf("%08d  handle %-8d tag %-5d %-11s class %-3d birth %-8d %s seg %d+%d len %d%s\n",
				f.Offset, rec.HandleIdx, rec.Tag, nodeid.Kind(rec.Kind), rec.ClassID,
				rec.BirthEpoch, retire, rec.SegmentID, rec.Offset, rec.Length, payload)
		}
		fmt.Printf("%d frames, last good offset %d\n", len(res.Frames), res.LastGoodOffset)

		if res.TornTail {
			fmt.Println("torn tail detected")
			if truncate, _ := cmd.Flags().GetBool("truncate"); truncate {
				if err := deltalog.TruncateToLastGood(path, res.LastGoodOffset); err != nil {
					return err
				}
				fmt.Printf("truncated to %d\n", res.LastGoodOffset)
			}
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().Bool("truncate", false, "Truncate a torn tail to the last good offset")
}
