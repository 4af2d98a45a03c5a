package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/drawing"
	"github.com/planetatlas/atlas-cli/internal/resilience"
	atlassync "github.com/planetatlas/atlas-cli/internal/sync"
)

var (
	annotateContext  string
	annotateUser     string
	annotateCategory string
	annotateNotes    string
	annotateLabel    string
	annotateLat      float64
	annotateLng      float64
	annotateBox      []float64
)

// flagPrompter answers the box label prompt from command-line flags.
type flagPrompter struct {
	category, label string
}

func (p flagPrompter) Solicit() (string, string, error) {
	return p.category, p.label, nil
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Create a point tag or a labeled region",
	Long:  "Drops a point tag at --lat/--lng, or draws a labeled region from --box south,west,north,east. Anonymous annotations are parked locally and saved on the next signed-in run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := initCtx(cmd.Context())
		defer cancel()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		queue, err := atlassync.OpenPendingQueue(cfg.Pending.Path)
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()

		local := annotation.NewStore()
		engine := atlassync.NewEngine(e.Store, local, queue, resilience.DefaultRetryConfig())

		sess, err := e.Access.ResolveSession(ctx, annotateUser)
		if err != nil {
			return err
		}

		// A signed-in run is an auth event: saved-up anonymous work goes
		// out first.
		if sess.Authenticated() {
			n, err := engine.FlushPending(ctx, annotateContext, sess)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("flushed pending annotations", zap.Int("count", n))
			}
		}

		var drawn *annotation.Annotation
		machine := drawing.NewMachine(drawing.Config{
			Context:  annotateContext,
			Prompter: flagPrompter{category: annotateCategory, label: annotateLabel},
			Callbacks: drawing.Callbacks{
				Created: func(a annotation.Annotation) {
					drawn = &a
				},
			},
		}, local)

		if len(annotateBox) > 0 {
			if len(annotateBox) != 4 {
				return eris.New("--box needs exactly four values: south,west,north,east")
			}
			machine.ToggleDrawing()
			machine.OnClick(drawing.Point{X: annotateBox[1], Y: annotateBox[0]})
			machine.OnClick(drawing.Point{X: annotateBox[3], Y: annotateBox[2]})
		} else {
			machine.SetCategory(annotateCategory)
			machine.SetNotes(annotateNotes)
			machine.OnClick(drawing.Point{X: annotateLng, Y: annotateLat})
		}

		if drawn == nil {
			return eris.New("annotation aborted: category (and a non-empty label for regions) is required")
		}

		// Replace the machine's local record with the synced one.
		local.Remove(drawn.ID)
		saved, err := engine.Create(ctx, *drawn, sess)
		if err != nil {
			return err
		}

		if sess.Authenticated() {
			zap.L().Info("annotation saved",
				zap.String("id", saved.ID),
				zap.String("category", saved.Category))
		} else {
			zap.L().Info("annotation parked locally; sign in to save",
				zap.String("id", saved.ID),
				zap.String("context", saved.Context))
		}
		return nil
	},
}

// verifyCmd lets a reviewer verify an annotation by id, awarding points
// to its owner.
var (
	verifyUser string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <annotation-id>",
	Short: "Verify an annotation (reviewers only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := initCtx(cmd.Context())
		defer cancel()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.Access.ResolveSession(ctx, verifyUser)
		if err != nil {
			return err
		}

		a, err := e.Store.GetAnnotation(ctx, args[0])
		if err != nil {
			return err
		}
		if err := e.Access.Verify(ctx, a, sess); err != nil {
			return err
		}

		zap.L().Info("annotation verified",
			zap.String("id", a.ID),
			zap.String("category", a.Category))
		return nil
	},
}

func init() {
	annotateCmd.Flags().StringVar(&annotateContext, "context", "", "exploration context (required)")
	annotateCmd.Flags().StringVar(&annotateUser, "user", "", "user id (empty = anonymous)")
	annotateCmd.Flags().StringVar(&annotateCategory, "category", "", "annotation category, e.g. crater")
	annotateCmd.Flags().StringVar(&annotateNotes, "notes", "", "free-text notes for a point tag")
	annotateCmd.Flags().StringVar(&annotateLabel, "label", "", "label for a region")
	annotateCmd.Flags().Float64Var(&annotateLat, "lat", 0, "point latitude")
	annotateCmd.Flags().Float64Var(&annotateLng, "lng", 0, "point longitude")
	annotateCmd.Flags().Float64SliceVar(&annotateBox, "box", nil, "region corners: south,west,north,east")
	_ = annotateCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(annotateCmd)

	verifyCmd.Flags().StringVar(&verifyUser, "user", "", "reviewer user id (required)")
	_ = verifyCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(verifyCmd)
}
