package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/planetatlas/atlas-cli/internal/store"
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the top explorers by verification points",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := initCtx(cmd.Context())
		defer cancel()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ranks, err := e.Access.Leaderboard(ctx)
		if err != nil {
			return err
		}

		formatLeaderboard(cmd.OutOrStdout(), ranks)
		return nil
	},
}

// formatLeaderboard writes a tabular ranking to out.
func formatLeaderboard(out io.Writer, ranks []store.Rank) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tEXPLORER\tPOINTS")
	_, _ = fmt.Fprintln(w, "----\t--------\t------")

	for i, r := range ranks {
		name := r.Passport
		if name == "" {
			name = r.UserID
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, name, p.Sprintf("%d", r.Points))
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(leaderboardCmd)
}
