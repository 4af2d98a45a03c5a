package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/planetatlas/atlas-cli/internal/reference"
)

var featuresShapefile string

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List the reference feature catalog",
	Long:  "Fetches the named-feature catalog (or reads a local shapefile) and prints each feature with its resolved marker color.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := initCtx(cmd.Context())
		defer cancel()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var features []reference.Feature
		if featuresShapefile != "" {
			features, err = reference.LoadShapefile(featuresShapefile)
		} else {
			features, err = e.Features.Load(ctx)
		}
		if err != nil {
			return err
		}

		formatFeatures(cmd.OutOrStdout(), features, e.Palette)
		return nil
	},
}

func formatFeatures(out io.Writer, features []reference.Feature, palette *reference.Palette) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCATEGORY\tLAT\tLON\tDIAMETER_KM\tCOLOR")
	_, _ = fmt.Fprintln(w, "----\t--------\t---\t---\t-----------\t-----")

	for _, f := range features {
		name := f.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%.1f\t%s\n",
			name,
			f.Category,
			f.Point.Lat,
			f.Point.Lng,
			f.Diameter,
			palette.ColorFor(f.Category),
		)
	}
	_ = w.Flush()
}

func init() {
	featuresCmd.Flags().StringVar(&featuresShapefile, "shapefile", "", "read features from a local shapefile instead of the remote catalog")
	rootCmd.AddCommand(featuresCmd)
}
