package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/offgridmaps/tilecore/api"
)

var tileOut string

var tileCmd = &cobra.Command{
	Use:   "tile [source] [z] [x] [y]",
	Short: "Fetch one tile (merged across databases) and write it to a file",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		z, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("zoom: %w", err)
		}
		x, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("x: %w", err)
		}
		y, err := strconv.ParseUint(args[3], 10, 32)
		if err != nil {
			return fmt.Errorf("y: %w", err)
		}

		coord := api.TileCoordinate{Source: args[0], Z: uint8(z), X: uint32(x), Y: uint32(y)}
		if !coord.Valid() {
			return fmt.Errorf("coordinate out of range: %s", coord.Key())
		}

		eng, _, _, err := setup()
		if err != nil {
			return err
		}
		defer eng.Close()

		data, err := eng.GetTile(coord)
		if err != nil {
			return err
		}
		if data == nil {
			fmt.Fprintf(os.Stderr, "no data for %s\n", coord.Key())
			return nil
		}

		if tileOut == "" {
			tileOut = fmt.Sprintf("%s_%d_%d_%d.mvt", coord.Source, coord.Z, coord.X, coord.Y)
		}
		if err := os.WriteFile(tileOut, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", tileOut, err)
		}
		fmt.Printf("%s (%d bytes)\n", tileOut, len(data))
		return nil
	},
}

func init() {
	tileCmd.Flags().StringVarP(&tileOut, "out", "o", "", "output file (default <source>_<z>_<x>_<y>.mvt)")
	rootCmd.AddCommand(tileCmd)
}
