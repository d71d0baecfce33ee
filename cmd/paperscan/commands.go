package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	appI18n "github.com/pavelanni/paperscan/internal/i18n"
	"github.com/pavelanni/paperscan/internal/model"
	"github.com/pavelanni/paperscan/internal/scan"
	"github.com/pavelanni/paperscan/internal/specification"
	"github.com/pavelanni/paperscan/internal/versionmap"
)

func prepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Store the assessment specification and create the paper database",
		Args:  cobra.NoArgs,
		RunE:  runPrepare,
	}
	f := cmd.Flags()
	f.StringP("spec", "s", "", "Assessment specification YAML file (required)")
	f.String("version-map", "", "Use this version map CSV instead of building one")
	f.Uint64("seed", 0, "Seed for shuffled question versions (0 = random)")
	f.String("export-map", "", "Write the version map as CSV to this file")
	f.Bool("reset", false, "Remove existing papers first (fails once pages are committed)")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func runPrepare(cmd *cobra.Command, _ []string) error {
	ctx, a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := specification.Load(a.v.GetString("spec"))
	if err != nil {
		return fmt.Errorf("load specification: %w", err)
	}

	var vmap model.VersionMap
	if path := a.v.GetString("version-map"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open version map: %w", err)
		}
		vmap, err = versionmap.ReadCSV(f)
		f.Close()
		if err != nil {
			return err
		}
	} else {
		seed := a.v.GetUint64("seed")
		if seed == 0 {
			seed = rand.Uint64()
		}
		if vmap, err = versionmap.Build(spec, seed); err != nil {
			return err
		}
		slog.Info("built version map", "seed", seed)
	}

	if a.v.GetBool("reset") {
		if err := a.svc.ClearAll(ctx); err != nil {
			return err
		}
	}
	if err := a.svc.CreatePapers(ctx, spec, vmap); err != nil {
		return err
	}

	if path := a.v.GetString("export-map"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create version map file: %w", err)
		}
		defer f.Close()
		if err := versionmap.WriteCSV(f, vmap, spec.NumberOfQuestions()); err != nil {
			return fmt.Errorf("write version map: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %d papers of %d pages, public code %s\n",
		spec.NumberToProduce, spec.NumberOfPages, spec.PublicCode)
	return nil
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest PATH...",
		Short: "Stage and classify scanned bundles (directories, zips or images)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, path := range args {
				res, err := a.svc.Ingest(ctx, path)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				verb := "staged"
				if res.Restaged {
					verb = "restaged"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s as bundle %s: %d pages, %d classified\n",
					verb, path, res.Bundle.ID, res.Bundle.NumberOfPages, res.Extracted)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [BUNDLE]",
		Short: "List bundles, or show the pages of one bundle that need attention",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				bundles, err := a.svc.Bundles(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "ID\tNAME\tPAGES\tPUSHED\tLOCKED\tCREATED BY")
				for _, b := range bundles {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%s\n",
						b.ID, b.Name, b.NumberOfPages, b.Pushed, b.Locked, b.CreatedBy)
				}
				return nil
			}

			sum, err := a.svc.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			for _, c := range model.Classifications {
				fmt.Fprintf(tw, "%s\t%d\n", appI18n.Classification(ctx, c), sum.Counts[c])
			}
			fmt.Fprintf(tw, "committed\t%d\n\n", sum.Consumed)

			pending, err := a.svc.Pending(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, appI18n.Tp(ctx, "PagesPending", len(pending)))
			if len(pending) == 0 {
				return nil
			}
			fmt.Fprintln(tw, "STAGING\tORDER\tCLASS\tPAPER\tPAGE\tREASON")
			for _, p := range pending {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%s\n", p.ID, p.BundleOrder,
					appI18n.Classification(ctx, p.Classification), p.Paper, p.Page, appI18n.Reason(ctx, p.Reason))
			}
			return nil
		},
	}
}

func printResults(w io.Writer, results []model.PushResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "STAGING\tORDER\tIMAGE\tRESULT")
	for _, r := range results {
		result := "committed"
		switch {
		case r.Error != "":
			result = r.Error
		case r.Duplicate:
			result = "duplicate of committed image"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", r.StagingID, r.BundleOrder, r.ImageID, result)
	}
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [BUNDLE]",
		Short: "Commit the known pages of a bundle, or one staging image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if id := a.v.GetInt64("staging"); id != 0 {
				res, err := a.svc.Push(ctx, id)
				if res != nil {
					printResults(cmd.OutOrStdout(), []model.PushResult{*res})
				}
				return err
			}
			if len(args) == 0 {
				return fmt.Errorf("push needs a bundle or --staging")
			}
			results, err := a.svc.PushAll(ctx, args[0])
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().Int64("staging", 0, "Push only this staging image")
	return cmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func parseInt(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return n, nil
}

func discardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard ID",
		Short: "Move a staging image, committed image or extra page to the discard ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseID(args[0], "id")
			if err != nil {
				return err
			}
			reason, force := a.v.GetString("reason"), a.v.GetBool("force")
			switch {
			case a.v.GetBool("image"):
				return a.svc.DiscardImage(ctx, id, reason, force)
			case a.v.GetBool("extra"):
				return a.svc.DiscardExtra(ctx, id, reason, force)
			}
			return a.svc.Discard(ctx, id, reason)
		},
	}
	f := cmd.Flags()
	f.String("reason", "", "Reason recorded in the ledger")
	f.Bool("image", false, "ID is a committed image")
	f.Bool("extra", false, "ID is a committed extra page")
	f.Bool("force", false, "Allow discarding material of a locked bundle")
	cmd.MarkFlagsMutuallyExclusive("image", "extra")
	return cmd
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate STAGING DEGREES",
		Short: "Rotate a staging image counter-clockwise by a multiple of 90 degrees",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseID(args[0], "staging id")
			if err != nil {
				return err
			}
			deg, err := parseInt(args[1], "rotation")
			if err != nil {
				return err
			}
			rot, err := a.svc.Rotate(ctx, id, deg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staging image %d rotation is now %d\n", id, rot)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve STAGING keep|replace",
		Short: "Settle a collision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseID(args[0], "staging id")
			if err != nil {
				return err
			}
			decision, err := scan.ParseDecision(args[1])
			if err != nil {
				return err
			}
			res, err := a.svc.ResolveCollision(ctx, id, decision, a.v.GetBool("force"))
			if err != nil {
				return err
			}
			if decision == scan.ReplaceExisting {
				printResults(cmd.OutOrStdout(), []model.PushResult{*res})
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Replace images of a locked bundle")
	return cmd
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign STAGING PAPER PAGE",
		Short: "Point an unknown or error page at a slot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseID(args[0], "staging id")
			if err != nil {
				return err
			}
			paper, err := parseInt(args[1], "paper")
			if err != nil {
				return err
			}
			page, err := parseInt(args[2], "page")
			if err != nil {
				return err
			}
			class, err := a.svc.Assign(ctx, id, paper, page)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staging image %d is now %s\n", id, appI18n.Classification(ctx, class))
			return nil
		},
	}
}

func parseQuestions(s string) ([]int, error) {
	var qs []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		q, err := parseInt(part, "question")
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	slices.Sort(qs)
	return slices.Compact(qs), nil
}

func extraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extra STAGING [PAPER]",
		Short: "Tag a page as an extra page of a paper, untag it or commit it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseID(args[0], "staging id")
			if err != nil {
				return err
			}
			switch {
			case a.v.GetBool("untag"):
				return a.svc.UntagExtra(ctx, id)
			case a.v.GetBool("push") && len(args) == 1:
				extraID, err := a.svc.PushExtra(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "committed extra page %d\n", extraID)
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("extra needs a paper number to tag")
			}
			paper, err := parseInt(args[1], "paper")
			if err != nil {
				return err
			}
			questions, err := parseQuestions(a.v.GetString("questions"))
			if err != nil {
				return err
			}
			if err := a.svc.TagExtra(ctx, id, paper, questions); err != nil {
				return err
			}
			if a.v.GetBool("push") {
				extraID, err := a.svc.PushExtra(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "committed extra page %d\n", extraID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("questions", "", "Comma separated question numbers the page answers")
	f.Bool("untag", false, "Return the page to unknown")
	f.Bool("push", false, "Commit the extra page")
	cmd.MarkFlagsMutuallyExclusive("untag", "push")
	return cmd
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock BUNDLE",
		Short: "Mark a bundle as finalized downstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.svc.LockBundle(ctx, args[0])
		},
	}
}

func reclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify BUNDLE",
		Short: "Classify the pending pages of a bundle again against the current papers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.svc.Reclassify(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclassified %d pages\n", n)
			return nil
		},
	}
}

func reassembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reassemble [PAPER...]",
		Short: "Export the committed pages of papers as JSON",
		RunE:  runReassemble,
	}
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func runReassemble(cmd *cobra.Command, args []string) error {
	ctx, a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var papers []int
	for _, arg := range args {
		p, err := parseInt(arg, "paper")
		if err != nil {
			return err
		}
		papers = append(papers, p)
	}
	if len(papers) == 0 {
		if papers, err = a.svc.Papers(ctx); err != nil {
			return err
		}
	}

	views := make([]*model.PaperView, 0, len(papers))
	for _, p := range papers {
		view, err := a.svc.Paper(ctx, p)
		if err != nil {
			return fmt.Errorf("paper %d: %w", p, err)
		}
		views = append(views, view)
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := a.v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}
