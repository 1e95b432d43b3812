package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"astrosorter/internal/config"
	"astrosorter/internal/fsutil"
	"astrosorter/internal/storage"
	"astrosorter/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	converter rawConverter
	tagger    gpsTagger
	siril     sirilRunner
}

type rawConverter interface {
	ConvertAll(ctx context.Context, srcDir, dstDir string) ([]tasks.RawConvertResult, error)
}

type gpsTagger interface {
	TagAll(ctx context.Context, paths []string, lat, lon float64) ([]tasks.TagResult, error)
	Read(ctx context.Context, path string) tasks.Metadata
}

type sirilRunner interface {
	Run(ctx context.Context, script string) (int, error)
	RunWorkflow(ctx context.Context, workDir, mode string) error
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		converter: tasks.NewRawConverterManager(cfg.Tools, logger),
		tagger:    tasks.NewTagger(cfg.Tools.ExifTool),
		siril:     tasks.NewSirilRunner(cfg.Tools, cfg.WorkflowTable()),
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobRename:
		return r.handleRename(ctx, job)
	case JobOrganize:
		return r.handleOrganize(ctx, job)
	case JobConvert:
		return r.handleConvert(ctx, job)
	case JobGPS:
		return r.handleGPS(ctx, job)
	case JobSequator:
		return r.handleSequator(ctx, job)
	case JobDSS:
		return r.handleDSS(ctx, job)
	case JobSiril:
		return r.handleSiril(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	files, err := tasks.ScanRaw(job.InputPath)
	meta := map[string]any{"frames": len(files), "files": files}
	if err != nil || !getBoolOption(job.Options, "exif") {
		return Result{Job: job, Error: err, Meta: meta}
	}

	var recorded int
	for _, f := range files {
		m := r.tagger.Read(ctx, f)
		if r.store == nil || m.CameraModel == "" {
			continue
		}
		if err := r.store.RecordFrameMetadata(storage.FrameMetadata{
			FilePath:     m.FilePath,
			CameraMake:   m.CameraMake,
			CameraModel:  m.CameraModel,
			FocalLength:  m.FocalLength,
			ISO:          m.ISO,
			ExposureTime: m.ExposureTime,
			GPSLat:       m.GPSLat,
			GPSLon:       m.GPSLon,
			Timestamp:    m.Timestamp,
			Width:        m.Width,
			Height:       m.Height,
		}); err == nil {
			recorded++
		}
	}
	meta["metadata_recorded"] = recorded
	return Result{Job: job, Meta: meta}
}

func (r *router) handleRename(ctx context.Context, job Job) Result {
	files, err := tasks.ScanRaw(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	plan := tasks.PlanRename(files, getStringOption(job.Options, "session", ""))
	meta := map[string]any{"plan": plan}
	if getBoolOption(job.Options, "dry_run") {
		meta["renamed"] = 0
		return Result{Job: job, Meta: meta}
	}

	var renamed int
	var errs []error
	for _, res := range tasks.ApplyRename(plan) {
		if res.Err != nil {
			r.log.Warn("rename failed", "from", res.From, "to", res.To, "error", res.Err)
			errs = append(errs, res.Err)
			continue
		}
		renamed++
	}
	meta["renamed"] = renamed
	meta["failed"] = len(errs)
	return Result{Job: job, Error: errors.Join(errs...), Meta: meta}
}

func (r *router) handleOrganize(ctx context.Context, job Job) Result {
	files, err := tasks.ScanRaw(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	placed, err := tasks.Organize(files, job.Output)
	methods := map[string]int{}
	for _, p := range placed {
		if p.Err == nil {
			methods[string(p.Method)]++
		}
	}
	return Result{Job: job, Error: err, Meta: map[string]any{"frames": len(files), "placed": methods}}
}

// handleConvert converts <output>/lights/NEF (or the job input) into
// <output>/lights/{JPEG,TIFF} and tags the outputs when lat/lon are given.
func (r *router) handleConvert(ctx context.Context, job Job) Result {
	src := job.InputPath
	if src == "" {
		src = tasks.TreeDir(job.Output, tasks.RoleLights, tasks.FormatRAW)
	}
	lightsDir := filepath.Join(job.Output, string(tasks.RoleLights))
	converted, convErr := r.converter.ConvertAll(ctx, src, lightsDir)

	tools := map[string]int{}
	var jpeg, tiff int
	var outputs []string
	for _, c := range converted {
		if c.ToolUsed != "" {
			tools[c.ToolUsed]++
		}
		if c.JPEGCreated {
			jpeg++
		}
		if c.TIFFCreated {
			tiff++
		}
		outputs = append(outputs, c.JPEGFile, c.TIFFFile, c.InputFile)
	}
	meta := map[string]any{"frames": len(converted), "jpeg_created": jpeg, "tiff_created": tiff, "tools": tools}

	lat, lon, ok := coordinates(job.Options)
	if !ok {
		return Result{Job: job, Error: convErr, Meta: meta}
	}
	tagged, tagErr := r.tagger.TagAll(ctx, outputs, lat, lon)
	meta["gps_tagged"] = len(tagged)
	return Result{Job: job, Error: errors.Join(convErr, tagErr), Meta: meta}
}

func (r *router) handleGPS(ctx context.Context, job Job) Result {
	lat, lon, ok := coordinates(job.Options)
	if !ok {
		return Result{Job: job, Error: errors.New("gps job requires lat and lon options")}
	}
	files, err := fsutil.ListImages(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	tagged, err := r.tagger.TagAll(ctx, files, lat, lon)
	methods := map[string]int{}
	for _, t := range tagged {
		if t.Err == nil {
			methods[string(t.Method)]++
		}
	}
	if err == nil && r.store != nil {
		added, addErr := r.store.AddPositionIfNew(storage.Position{
			Name: getStringOption(job.Options, "name", ""),
			Lat:  lat,
			Lon:  lon,
		}, storage.ListRecents)
		if addErr != nil {
			r.log.Warn("remember position", "error", addErr)
		}
		if added {
			r.log.Debug("position added to recents", "lat", lat, "lon", lon)
		}
	}
	return Result{Job: job, Error: err, Meta: map[string]any{"files": len(files), "tagged": methods}}
}

func (r *router) handleSequator(ctx context.Context, job Job) Result {
	p, err := tasks.Discover(job.Output, getStringOption(job.Options, "session", ""))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	files, err := tasks.WriteSequatorProjects(p, tasks.SequatorOptions{
		AllowEmptyLights: getBoolOption(job.Options, "allow_empty"),
	})
	meta := map[string]any{"lights": p.Lights.Len(), "stack": files.Stack, "trail": files.Trail}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleDSS(ctx context.Context, job Job) Result {
	session := tasks.SessionName(getStringOption(job.Options, "session", ""))
	p, err := tasks.Discover(job.Output, session)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	list := getStringOption(job.Options, "list", filepath.Join(job.Output, session+"_dss.txt"))
	written, err := tasks.WriteDSSProject(list, p)
	return Result{Job: job, Error: err, Meta: map[string]any{"list": written, "lights": p.Lights.Len()}}
}

// handleSiril writes <output>/siril_script.ssf and optionally runs it, or
// runs a named workflow against the output tree.
func (r *router) handleSiril(ctx context.Context, job Job) Result {
	if workflow := getStringOption(job.Options, "workflow", ""); workflow != "" {
		err := r.siril.RunWorkflow(ctx, job.Output, workflow)
		return Result{Job: job, Error: err, Meta: map[string]any{"workflow": workflow}}
	}

	session := tasks.SessionName(getStringOption(job.Options, "session", ""))
	opts := tasks.SirilScriptOptions{
		LightsDir:  tasks.TreeDir(job.Output, tasks.RoleLights, tasks.FormatTIFF),
		ResultName: session + "_stack",
		Method:     getStringOption(job.Options, "method", ""),
		RejParams:  getStringOption(job.Options, "rej_params", ""),
	}
	for role, dir := range map[tasks.FrameRole]*string{
		tasks.RoleDarks:  &opts.DarksDir,
		tasks.RoleFlats:  &opts.FlatsDir,
		tasks.RoleBiases: &opts.BiasesDir,
	} {
		if d := tasks.TreeDir(job.Output, role, tasks.FormatTIFF); isDir(d) {
			*dir = d
		}
	}

	script, err := tasks.GenerateSirilScript(filepath.Join(job.Output, "siril_script.ssf"), opts)
	meta := map[string]any{"script": script}
	if err != nil || !getBoolOption(job.Options, "run") {
		return Result{Job: job, Error: err, Meta: meta}
	}
	code, err := r.siril.Run(ctx, script)
	meta["exit_code"] = code
	if err == nil && code != 0 {
		err = fmt.Errorf("siril exited with code %d", code)
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func coordinates(options map[string]any) (float64, float64, bool) {
	lat, okLat := getFloat64Option(options, "lat")
	lon, okLon := getFloat64Option(options, "lon")
	return lat, lon, okLat && okLon
}

// Helper functions to safely extract typed options from job.Options map.
// JSON-decoded jobs carry numbers as float64 and flags as bools or strings.
func getBoolOption(options map[string]any, key string) bool {
	switch v := options[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func getFloat64Option(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func getStringOption(options map[string]any, key, defaultValue string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}
