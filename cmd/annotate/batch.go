package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/report"
	"github.com/dental-scribe-server/internal/service"
)

// Job file names inside a job directory.
const (
	shapesFile    = "shapes.json"
	notesFile     = "notes.txt"
	patientFile   = "patient.json"
	annotatedFile = "annotated.png"
	reportFile    = "report.pdf"
	findingsFile  = "findings.json"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".gif"}

// Job is one offline review: an image, the markup drawn on it and the
// clinician's notes.
type Job struct {
	Name    string
	Dir     string
	Image   image.Image
	Shapes  []annotation.Shape
	Notes   string
	Patient domain.Patient
}

// JobResult is what rendering a job produced.
type JobResult struct {
	Name     string
	Findings domain.Findings
	Err      error
}

// Renderer turns jobs into annotated rasters and reports.
type Renderer struct {
	Width      int
	Height     int
	Palette    domain.Palette
	Classifier *service.FindingsClassifier
	Composer   *report.Composer
	Now        func() time.Time
	Logger     *logrus.Logger
}

// LoadJob reads a job directory. The image is the first file named image.*
// with a known extension; shapes, notes and patient are optional.
func LoadJob(dir string) (*Job, error) {
	job := &Job{Name: filepath.Base(dir), Dir: dir}

	var imagePath string
	for _, ext := range imageExtensions {
		candidate := filepath.Join(dir, "image"+ext)
		if _, err := os.Stat(candidate); err == nil {
			imagePath = candidate
			break
		}
	}
	if imagePath == "" {
		return nil, fmt.Errorf("job %s: no image file", job.Name)
	}
	img, err := decodeImageFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	job.Image = img

	if err := readJSONIfExists(filepath.Join(dir, shapesFile), &job.Shapes); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	if err := readJSONIfExists(filepath.Join(dir, patientFile), &job.Patient); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	notes, err := os.ReadFile(filepath.Join(dir, notesFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	job.Notes = string(notes)
	return job, nil
}

// FindJobs returns the job directories directly under root, sorted by name.
func FindJobs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// RenderImage validates the shapes and flattens them over the job image.
func (r *Renderer) RenderImage(job *Job) (*image.RGBA, error) {
	for _, s := range job.Shapes {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if !r.Palette.Contains(s.Style.Stroke) {
			return nil, fmt.Errorf("%w: shape %s uses %s", domain.ErrColourNotInPalette, s.ID, s.Style.Stroke)
		}
	}
	return annotation.Render(r.Width, r.Height, job.Image, job.Shapes), nil
}

// Render writes annotated.png, report.pdf and findings.json for one job
// into outDir.
func (r *Renderer) Render(job *Job, outDir string) (domain.Findings, error) {
	raster, err := r.RenderImage(job)
	if err != nil {
		return domain.Findings{}, err
	}
	findings := r.Classifier.Classify(job.Notes)

	rep, err := r.Composer.Compose(report.Input{
		Patient:   job.Patient,
		Findings:  findings,
		Original:  job.Image,
		Annotated: raster,
		Date:      r.Now(),
	})
	if err != nil {
		return findings, fmt.Errorf("composing report: %w", err)
	}
	png, err := annotation.EncodePNG(raster)
	if err != nil {
		return findings, fmt.Errorf("encoding annotated image: %w", err)
	}
	findingsJSON, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return findings, err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return findings, err
	}
	outputs := map[string][]byte{
		annotatedFile: png,
		reportFile:    rep.PDF,
		findingsFile:  findingsJSON,
	}
	for name, data := range outputs {
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0644); err != nil {
			return findings, err
		}
	}
	return findings, nil
}

// BatchRender renders every job directory with at most workers running at
// once. A failed job does not stop the others; results keep dirs order.
// Output goes to outRoot/<job name>, or into the job directory when outRoot
// is empty.
func (r *Renderer) BatchRender(ctx context.Context, dirs []string, outRoot string, workers int) []JobResult {
	if workers <= 0 {
		workers = 1
	}
	results := make([]JobResult, len(dirs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, dir := range dirs {
		results[i].Name = filepath.Base(dir)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			job, err := LoadJob(dir)
			if err != nil {
				results[i].Err = err
				return nil
			}
			outDir := dir
			if outRoot != "" {
				outDir = filepath.Join(outRoot, job.Name)
			}
			findings, err := r.Render(job, outDir)
			results[i].Findings = findings
			results[i].Err = err

			entry := r.Logger.WithField("job", job.Name)
			if err != nil {
				entry.WithError(err).Warn("Job failed")
			} else {
				entry.WithField("recommendations", len(findings.Recommendations)).Info("Job rendered")
			}
			return nil
		})
	}
	// Workers never return errors; failures are reported per job.
	_ = g.Wait()
	return results
}

func decodeImageFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func readJSONIfExists(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
