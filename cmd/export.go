package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/store"
	atlassync "github.com/planetatlas/atlas-cli/internal/sync"
)

var (
	exportContext string
	exportUser    string
	exportOut     string
	exportFormat  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export annotations for a context as CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := initCtx(cmd.Context())
		defer cancel()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.Access.ResolveSession(ctx, exportUser)
		if err != nil {
			return err
		}

		items, err := e.Store.ListAnnotations(ctx, exportContext, store.Viewer{
			UserID:   sess.UserID,
			Reviewer: sess.Reviewer,
		})
		if err != nil {
			return err
		}

		format := strings.ToLower(exportFormat)
		out := exportOut
		if out == "" {
			out = atlassync.ExportFilename(exportContext+"-annotations", format, time.Now())
		}

		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "create export file")
		}
		defer func() { _ = f.Close() }()

		switch format {
		case "csv":
			err = atlassync.ExportCSV(f, items)
		case "xlsx":
			err = atlassync.ExportXLSX(f, items)
		default:
			return eris.Errorf("unsupported export format: %s", exportFormat)
		}
		if err != nil {
			_ = os.Remove(out)
			return err
		}

		zap.L().Info("export written",
			zap.String("path", filepath.Clean(out)),
			zap.Int("count", len(items)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportContext, "context", "", "exploration context to export (required)")
	exportCmd.Flags().StringVar(&exportUser, "user", "", "user id for visibility (empty = anonymous, verified only)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default: <context>-annotations-<date>.<ext>)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "export format: csv or xlsx")
	_ = exportCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(exportCmd)
}
