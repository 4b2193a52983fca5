// Package main provides an offline CLI over the review engine: classify
// notes, render markup onto an image and render whole batches of reviews.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/config"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/report"
	"github.com/dental-scribe-server/internal/service"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	width    int
	height   int
	logLevel string
}

func (o *options) renderer() *Renderer {
	logger := config.NewLogger(domain.LoggingConfig{Level: o.logLevel, Format: "text", Output: "stderr"})
	palette := domain.SeverityPalette()
	return &Renderer{
		Width:      o.width,
		Height:     o.height,
		Palette:    palette,
		Classifier: service.NewFindingsClassifier(domain.DefaultConditionTable()),
		Composer:   report.NewComposer(domain.ReportConfig{Compress: true}, palette, logger),
		Now:        func() time.Time { return time.Now().UTC() },
		Logger:     logger,
	}
}

func rootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "annotate",
		Short:        "Offline dental review tools",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&opts.width, "width", annotation.DefaultWidth, "Canvas width in pixels")
	root.PersistentFlags().IntVar(&opts.height, "height", annotation.DefaultHeight, "Canvas height in pixels")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	root.AddCommand(findingsCommand(), renderCommand(opts), batchCommand(opts))
	return root
}

func findingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "findings [notes-file]",
		Short: "Classify clinician notes into findings and recommendations",
		Long:  "Reads notes from the file, or from stdin when no file or \"-\" is given, and prints the findings as JSON.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				notes []byte
				err   error
			)
			if len(args) == 0 || args[0] == "-" {
				notes, err = io.ReadAll(cmd.InOrStdin())
			} else {
				notes, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			findings := service.NewFindingsClassifier(domain.DefaultConditionTable()).Classify(string(notes))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(findings)
		},
	}
}

func renderCommand(opts *options) *cobra.Command {
	var shapesPath, notesPath, out string

	cmd := &cobra.Command{
		Use:   "render <image>",
		Short: "Flatten shapes onto an image and write the annotated PNG and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := decodeImageFile(args[0])
			if err != nil {
				return err
			}
			job := &Job{Name: filepath.Base(args[0]), Image: img}
			if shapesPath != "" {
				if err := readJSONIfExists(shapesPath, &job.Shapes); err != nil {
					return err
				}
			}
			if notesPath != "" {
				notes, err := os.ReadFile(notesPath)
				if err != nil {
					return err
				}
				job.Notes = string(notes)
			}

			findings, err := opts.renderer().Render(job, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s, %s and %s to %s (%d recommendation(s))\n",
				annotatedFile, reportFile, findingsFile, out, len(findings.Recommendations))
			return nil
		},
	}
	cmd.Flags().StringVar(&shapesPath, "shapes", "", "JSON file with the shapes to draw")
	cmd.Flags().StringVar(&notesPath, "notes", "", "Clinician notes file")
	cmd.Flags().StringVarP(&out, "out", "o", ".", "Output directory")
	return cmd
}

func batchCommand(opts *options) *cobra.Command {
	var out string
	var workers int

	cmd := &cobra.Command{
		Use:   "batch <jobs-dir>",
		Short: "Render every job directory under jobs-dir in parallel",
		Long: "Each job directory holds image.<ext> and optionally shapes.json, notes.txt and patient.json.\n" +
			"Outputs are written into the job directory unless --out is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := FindJobs(args[0])
			if err != nil {
				return err
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no job directories in %s", args[0])
			}

			r := opts.renderer()
			results := r.BatchRender(cmd.Context(), dirs, out, workers)

			failed := 0
			w := cmd.OutOrStdout()
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(w, "FAIL %s: %v\n", res.Name, res.Err)
					continue
				}
				fmt.Fprintf(w, "ok   %s (%d recommendation(s), %d general)\n",
					res.Name, len(res.Findings.Recommendations), len(res.Findings.General))
			}
			r.Logger.WithFields(logrus.Fields{"jobs": len(results), "failed": failed}).Info("Batch finished")
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output root (default: write into each job directory)")
	cmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Jobs rendered at once")
	return cmd
}
