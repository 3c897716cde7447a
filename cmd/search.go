package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/offgridmaps/tilecore/api"
)

var (
	searchLimit int
	searchLang  string
	searchLat   float64
	searchLng   float64
	searchNear  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search feature names across the POI databases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, _, err := setup()
		if err != nil {
			return err
		}
		defer eng.Close()

		opts := api.SearchOptions{Language: searchLang}
		if searchNear {
			opts.UserLocation = &api.LatLng{Lat: searchLat, Lng: searchLng}
		}

		results, status, err := eng.Search(args[0], searchLimit, opts, nil)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d results (%s)\n", len(results), status)
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum results")
	searchCmd.Flags().StringVarP(&searchLang, "lang", "l", "", "preferred name language tag")
	searchCmd.Flags().Float64Var(&searchLat, "lat", 0, "user latitude (with --near)")
	searchCmd.Flags().Float64Var(&searchLng, "lng", 0, "user longitude (with --near)")
	searchCmd.Flags().BoolVar(&searchNear, "near", false, "prioritize databases near --lat/--lng")
	rootCmd.AddCommand(searchCmd)
}
