package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"gigavox/internal/codec"
	"gigavox/internal/pack"
)

var (
	packDims      string
	packBPV       int
	packBrickSize int
	packEncoding  string
	packLevels    int
	packWorkers   int
	packOut       string
	packName      string
)

var packCmd = &cobra.Command{
	Use:   "pack <volume.raw>",
	Short: "Cut a raw volume into a brick pyramid",
	Long: `Cut a raw x-fastest volume into bricks, build coarser levels by 2x
downsampling and write one data file per level plus a manifest.

Examples:
  # 8-bit volume, zstd bricks
  brickctl pack head.raw --dims 512,512,256 --out /data

  # 16-bit volume with an explicit level count
  brickctl pack ct.raw --dims 1024,1024,900 --bpv 2 --levels 3 --encoding lz4 --out /data`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringVar(&packDims, "dims", "", "volume dimensions x,y,z (required)")
	packCmd.Flags().IntVar(&packBPV, "bpv", 1, "bytes per voxel")
	packCmd.Flags().IntVar(&packBrickSize, "brick-size", 256, "brick edge length in voxels")
	packCmd.Flags().StringVar(&packEncoding, "encoding", "zstd", "brick encoding (raw, zlib, gzip, zstd, lz4, jpeg)")
	packCmd.Flags().IntVar(&packLevels, "levels", 0, "pyramid levels (0 = until one brick covers the volume)")
	packCmd.Flags().IntVar(&packWorkers, "workers", 0, "parallel encoders (0 = CPU count)")
	packCmd.Flags().StringVar(&packOut, "out", ".", "output directory")
	packCmd.Flags().StringVar(&packName, "name", "", "dataset name (default: input file name)")
	_ = packCmd.MarkFlagRequired("dims")
}

func runPack(cmd *cobra.Command, args []string) error {
	dims, err := parseDims(packDims)
	if err != nil {
		return err
	}
	enc, err := codec.ParseEncoding(packEncoding)
	if err != nil {
		return err
	}

	volume, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read volume: %w", err)
	}

	name := packName
	if name == "" {
		base := filepath.Base(args[0])
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	m, err := pack.Pack(cmd.Context(), volume, packOut, pack.Options{
		Name:          name,
		Dims:          dims,
		BytesPerVoxel: packBPV,
		BrickSize:     packBrickSize,
		Encoding:      enc,
		Levels:        packLevels,
		Workers:       packWorkers,
	}, log)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Packed %s (%s) into %d levels\n", m.Name, m.ID, len(m.Levels))
	return nil
}

func parseDims(s string) ([3]int, error) {
	var dims [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return dims, fmt.Errorf("--dims needs three values, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return dims, fmt.Errorf("invalid dimension %q", p)
		}
		dims[i] = v
	}
	return dims, nil
}
