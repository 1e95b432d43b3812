package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"astrosorter/internal/config"
	"astrosorter/internal/pipeline"
	"astrosorter/internal/rpcserver"
	"astrosorter/internal/storage"
	"astrosorter/internal/tasks"
	"astrosorter/internal/watch"
)

// Version is overridden at build time with -ldflags.
var Version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astrosorter",
		Short: "Organize astrophotography sessions and generate stacking projects",
		Long: `astrosorter sorts a night of RAW frames into a session tree, converts them,
tags GPS positions and writes project files for Sequator, DeepSkyStacker
and Siril.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newRenameCmd(root))
	rootCmd.AddCommand(newOrganizeCmd(root))
	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newGPSCmd(root))
	rootCmd.AddCommand(newSequatorCmd(root))
	rootCmd.AddCommand(newDSSCmd(root))
	rootCmd.AddCommand(newSirilCmd(root))
	rootCmd.AddCommand(newProjectCmd(root))
	rootCmd.AddCommand(newPositionsCmd(root))
	rootCmd.AddCommand(newSettingsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func (r *Root) defaultOutput(output string) string {
	if output != "" {
		return output
	}
	return r.cfg.Paths.DefaultOutput
}

func (r *Root) defaultSession(session string) string {
	if session != "" {
		return session
	}
	return r.cfg.Session.DefaultName
}

func newScanCmd(root *Root) *cobra.Command {
	var exif bool
	cmd := &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "List the RAW frames of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"exif": exif, "source": "cli"},
			})
		},
	}
	cmd.Flags().BoolVar(&exif, "exif", false, "read and store EXIF metadata for every frame")
	return cmd
}

func newRenameCmd(root *Root) *cobra.Command {
	var (
		session string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "rename <input_directory>",
		Short: "Rename RAW frames to <session>_NNN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobRename,
				InputPath: args[0],
				Options:   map[string]any{"session": root.defaultSession(session), "dry_run": dryRun, "source": "cli"},
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session name used as file prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without renaming")
	return cmd
}

func newOrganizeCmd(root *Root) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "organize <input_directory>",
		Short: "Build the session tree and place RAW frames into lights/NEF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobOrganize,
				InputPath: args[0],
				Output:    root.defaultOutput(output),
				Options:   map[string]any{"source": "cli"},
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "session tree root")
	return cmd
}

// coordinateFlags holds --lat/--lon; both or neither must be given.
type coordinateFlags struct {
	lat, lon float64
}

func (c *coordinateFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&c.lat, "lat", 0, "latitude in decimal degrees")
	cmd.Flags().Float64Var(&c.lon, "lon", 0, "longitude in decimal degrees")
}

func (c *coordinateFlags) apply(cmd *cobra.Command, options map[string]any) error {
	latSet, lonSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lon")
	if latSet != lonSet {
		return errors.New("--lat and --lon must be given together")
	}
	if !latSet {
		return nil
	}
	if err := tasks.ValidateCoordinates(c.lat, c.lon); err != nil {
		return err
	}
	options["lat"] = c.lat
	options["lon"] = c.lon
	return nil
}

func newConvertCmd(root *Root) *cobra.Command {
	var (
		input  string
		output string
		coords coordinateFlags
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert lights/NEF into lights/JPEG and lights/TIFF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{"source": "cli"}
			if err := coords.apply(cmd, options); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobConvert,
				InputPath: input,
				Output:    root.defaultOutput(output),
				Options:   options,
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "RAW directory (default <output>/lights/NEF)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "session tree root")
	coords.register(cmd)
	return cmd
}

func newGPSCmd(root *Root) *cobra.Command {
	var (
		name   string
		coords coordinateFlags
	)
	cmd := &cobra.Command{
		Use:   "gps <directory>",
		Short: "Write GPS coordinates into every image of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{"name": name, "source": "cli"}
			if err := coords.apply(cmd, options); err != nil {
				return err
			}
			if _, ok := options["lat"]; !ok {
				return errors.New("--lat and --lon are required")
			}
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobGPS,
				InputPath: args[0],
				Options:   options,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "site name remembered with the position")
	coords.register(cmd)
	return cmd
}

func newSequatorCmd(root *Root) *cobra.Command {
	var (
		output     string
		session    string
		allowEmpty bool
	)
	cmd := &cobra.Command{
		Use:   "sequator",
		Short: "Write Stack and Trail Sequator projects for a session tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:   pipeline.JobSequator,
				Output: root.defaultOutput(output),
				Options: map[string]any{
					"session":     root.defaultSession(session),
					"allow_empty": allowEmpty,
					"source":      "cli",
				},
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "session tree root")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session name")
	cmd.Flags().BoolVar(&allowEmpty, "allow-empty", false, "write projects even without light frames")
	return cmd
}

func newDSSCmd(root *Root) *cobra.Command {
	var (
		output  string
		session string
		list    string
	)
	cmd := &cobra.Command{
		Use:   "dss",
		Short: "Write a DeepSkyStacker file list for a session tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{"session": root.defaultSession(session), "source": "cli"}
			if list != "" {
				options["list"] = list
			}
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:    pipeline.JobDSS,
				Output:  root.defaultOutput(output),
				Options: options,
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "session tree root")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session name")
	cmd.Flags().StringVar(&list, "list", "", "file list path (default <output>/<session>_dss.txt)")
	return cmd
}

func newSirilCmd(root *Root) *cobra.Command {
	var (
		output    string
		session   string
		workflow  string
		method    string
		rejParams string
		run       bool
	)
	cmd := &cobra.Command{
		Use:   "siril",
		Short: "Generate a Siril script for a session tree, or run a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				Type:   pipeline.JobSiril,
				Output: root.defaultOutput(output),
				Options: map[string]any{
					"session":    root.defaultSession(session),
					"workflow":   workflow,
					"method":     method,
					"rej_params": rejParams,
					"run":        run,
					"source":     "cli",
				},
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "session tree root")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session name")
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "run a configured workflow instead of generating a script")
	cmd.Flags().StringVar(&method, "method", "", "stacking method (default rej)")
	cmd.Flags().StringVar(&rejParams, "rej-params", "", "rejection parameters (default \"3 3\")")
	cmd.Flags().BoolVar(&run, "run", false, "run the generated script")
	return cmd
}

// newProjectCmd writes project files from explicit frame lists, locally or
// through a remote gRPC server.
func newProjectCmd(root *Root) *cobra.Command {
	var (
		req    tasks.ProjectRequest
		remote string
	)
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Write project files from explicit frame lists",
	}
	cmd.PersistentFlags().StringVar(&req.Root, "root", "", "project directory")
	cmd.PersistentFlags().StringVarP(&req.Name, "project-name", "n", "", "project name")
	cmd.PersistentFlags().StringSliceVar(&req.Lights, "lights", nil, "light frames")
	cmd.PersistentFlags().StringSliceVar(&req.Darks, "darks", nil, "dark frames")
	cmd.PersistentFlags().StringSliceVar(&req.Flats, "flats", nil, "flat frames")
	cmd.PersistentFlags().StringSliceVar(&req.Biases, "biases", nil, "bias frames")
	cmd.PersistentFlags().StringVar(&remote, "remote", "", "gRPC server address; write locally when empty")

	generate := func(cmd *cobra.Command, remoteCall func(*rpcserver.Client, context.Context, tasks.ProjectRequest) (tasks.ProjectResponse, error), local func(tasks.ProjectRequest) (tasks.ProjectResponse, error)) error {
		if err := absolutize(&req); err != nil {
			return err
		}
		var (
			res tasks.ProjectResponse
			err error
		)
		if remote != "" {
			res, err = root.callRemote(cmd.Context(), remote, req, remoteCall)
		} else {
			res, err = local(req)
		}
		if err != nil {
			return err
		}
		root.printProject(res)
		return nil
	}

	sequator := &cobra.Command{
		Use:   "sequator",
		Short: "Write <name>-Stack.sep and <name>-Trail.sep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(cmd, (*rpcserver.Client).GenerateSequator, tasks.ProjectRequest.GenerateSequator)
		},
	}
	sequator.Flags().BoolVar(&req.AllowEmpty, "allow-empty", false, "write projects even without light frames")

	dss := &cobra.Command{
		Use:   "dss",
		Short: "Write a DeepSkyStacker file list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(cmd, (*rpcserver.Client).GenerateDSS, tasks.ProjectRequest.GenerateDSS)
		},
	}
	dss.Flags().StringVarP(&req.Output, "output", "o", "", "file list path (default <root>/<name>.txt)")

	cmd.AddCommand(sequator, dss)
	return cmd
}

func absolutize(req *tasks.ProjectRequest) error {
	var err error
	abs := func(p string) string {
		if p == "" || err != nil {
			return p
		}
		var a string
		a, err = filepath.Abs(p)
		return a
	}
	req.Root = abs(req.Root)
	req.Output = abs(req.Output)
	for _, list := range [][]string{req.Lights, req.Darks, req.Flats, req.Biases} {
		for i := range list {
			list[i] = abs(list[i])
		}
	}
	return err
}

func (r *Root) callRemote(ctx context.Context, addr string, req tasks.ProjectRequest, call func(*rpcserver.Client, context.Context, tasks.ProjectRequest) (tasks.ProjectResponse, error)) (tasks.ProjectResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return tasks.ProjectResponse{}, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	return call(rpcserver.NewClient(conn), ctx, req)
}

func (r *Root) printProject(res tasks.ProjectResponse) {
	var rows [][]string
	for _, f := range []struct{ kind, path string }{{"stack", res.Stack}, {"trail", res.Trail}, {"list", res.List}} {
		if f.path != "" {
			rows = append(rows, []string{f.kind, f.path})
		}
	}
	r.writeTable([]string{"File", "Path"}, rows, nil)
}

func newPositionsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Manage remembered observing sites",
	}

	list := &cobra.Command{
		Use:       "list [recents|favorites]",
		Short:     "List a position list",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{storage.ListRecents, storage.ListFavorites},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := storage.ListRecents
			if len(args) == 1 {
				name = args[0]
			}
			positions, err := root.store.LoadPositions(name)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(positions))
			for _, p := range positions {
				rows = append(rows, []string{p.Name, formatCoord(p.Lat), formatCoord(p.Lon)})
			}
			root.writeTable([]string{"Name", "Lat", "Lon"}, rows, []columnAlignment{alignLeft, alignRight, alignRight})
			return nil
		},
	}

	var (
		siteName string
		coords   coordinateFlags
	)
	add := &cobra.Command{
		Use:   "add <recents|favorites>",
		Short: "Remember a position unless the list already holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
				return errors.New("--lat and --lon are required")
			}
			added, err := root.store.AddPositionIfNew(storage.Position{Name: siteName, Lat: coords.lat, Lon: coords.lon}, args[0])
			if err != nil {
				return err
			}
			if added {
				fmt.Fprintf(root.out, "added to %s\n", args[0])
			} else {
				fmt.Fprintf(root.out, "already in %s\n", args[0])
			}
			return nil
		},
	}
	add.Flags().StringVar(&siteName, "name", "", "site name")
	coords.register(add)

	cmd.AddCommand(list, add)
	return cmd
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func newSettingsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write persisted settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := root.store.Settings()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(all))
			for _, k := range sortedKeys(all) {
				rows = append(rows, []string{k, all[k]})
			}
			root.writeTable([]string{"Key", "Value"}, rows, nil)
			return nil
		},
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := root.store.GetValue(args[0], "")
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, v)
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.store.SetValue(args[0], args[1])
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{j.ID, j.JobType, j.Status, j.CreatedAt.Local().Format("2006-01-02 15:04:05"), j.Error})
			}
			root.writeTable([]string{"ID", "Type", "Status", "Created", "Error"}, rows, nil)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of jobs to show")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <import_directory> <session_root>",
		Short: "Place new RAW frames into <session_root>/lights/NEF as they arrive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ing, err := watch.New(args[0], args[1], root.log)
			if err != nil {
				return err
			}
			defer ing.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for p := range ing.Events {
					if p.Err != nil {
						fmt.Fprintf(root.out, "failed %s: %v\n", filepath.Base(p.Source), p.Err)
						continue
					}
					fmt.Fprintf(root.out, "%s %s\n", p.Method, p.Target)
				}
			}()
			err = ing.Run(cmd.Context())
			<-done
			return err
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC project service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpAddr == "" {
				httpAddr = root.cfg.Server.HTTPAddr
			}
			if grpcAddr == "" {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			return root.serveFn(cmd.Context(), httpAddr, grpcAddr, root.store, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show which external tools are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := root.toolFactory(root.cfg.Tools).Status(cmd.Context(), root.log)
			rows := make([][]string, 0, len(statuses))
			for _, st := range statuses {
				avail := "no"
				if st.Available {
					avail = "yes"
				}
				rows = append(rows, []string{st.Name, avail, st.Version, st.Path})
			}
			root.writeTable([]string{"Tool", "Available", "Version", "Path"}, rows, nil)
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "astrosorter %s\n", Version)
		},
	}
}
