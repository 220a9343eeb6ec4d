package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gigavox/internal/catalog"
)

var inspectOutput string

var inspectCmd = &cobra.Command{
	Use:   "inspect <manifest.brk.json>",
	Short: "Summarize a dataset manifest",
	Long: `Validate a manifest and print one line per pyramid level.

Examples:
  brickctl inspect /data/head.brk.json
  brickctl inspect /data/head.brk.json -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "table", "output format (table, json)")
}

// LevelSummary is one row of inspect output.
type LevelSummary struct {
	Level  int    `json:"level"`
	Dims   [3]int `json:"dims"`
	Bricks int    `json:"bricks"`
	Stored int64  `json:"stored_bytes"`
	Raw    int64  `json:"raw_bytes"`
}

// Summarize computes per-level totals for m.
func Summarize(m *catalog.Manifest) []LevelSummary {
	out := make([]LevelSummary, 0, len(m.Levels))
	for _, lvl := range m.Levels {
		s := LevelSummary{Level: lvl.Level, Dims: lvl.Dims, Bricks: len(lvl.Bricks)}
		for _, b := range lvl.Bricks {
			s.Stored += b.Length
			s.Raw += int64(b.Dims[0]*b.Dims[1]*b.Dims[2]) * int64(m.BytesPerVoxel)
		}
		out = append(out, s)
	}
	return out
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := catalog.LoadManifest(args[0])
	if err != nil {
		return err
	}
	levels := Summarize(m)
	w := cmd.OutOrStdout()

	switch inspectOutput {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"id":              m.ID,
			"name":            m.Name,
			"dims":            m.Dims,
			"bytes_per_voxel": m.BytesPerVoxel,
			"encoding":        m.Encoding,
			"levels":          levels,
		})
	case "table":
		fmt.Fprintf(w, "%s (%s) %dx%dx%d, %d bytes/voxel, %s\n",
			m.Name, m.ID, m.Dims[0], m.Dims[1], m.Dims[2], m.BytesPerVoxel, m.Encoding)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LEVEL\tDIMS\tBRICKS\tSTORED\tRAW")
		for _, l := range levels {
			fmt.Fprintf(tw, "%d\t%dx%dx%d\t%d\t%d\t%d\n", l.Level, l.Dims[0], l.Dims[1], l.Dims[2], l.Bricks, l.Stored, l.Raw)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", inspectOutput)
	}
}
