package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"astrosorter/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(root.out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			return root.configShow()
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the full configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	c := r.cfg
	fmt.Fprintf(r.out, "Config file: %s\n\n", config.Path())
	rows := [][]string{
		{"processing.parallel_jobs", fmt.Sprint(c.Processing.ParallelJobs)},
		{"logging.level", c.Logging.Level},
		{"logging.format", c.Logging.Format},
		{"paths.default_output", c.Paths.DefaultOutput},
		{"paths.database_path", c.Paths.DatabasePath},
		{"session.default_name", c.Session.DefaultName},
		{"tools.conversion.preferred", c.Tools.Conversion.Preferred},
		{"tools.conversion.fallbacks", fmt.Sprint(c.Tools.Conversion.Fallbacks)},
		{"tools.conversion.jpeg_quality", fmt.Sprint(c.Tools.Conversion.JPEGQuality)},
		{"tools.dcraw", c.Tools.DCraw},
		{"tools.exiftool", c.Tools.ExifTool},
		{"tools.siril", c.Tools.Siril},
		{"tools.siril_cli", c.Tools.SirilCLI},
		{"server.http_addr", c.Server.HTTPAddr},
		{"server.grpc_addr", c.Server.GRPCAddr},
	}
	for _, name := range sortedKeys(c.Workflows) {
		rows = append(rows, []string{"workflows." + name, c.Workflows[name]})
	}
	r.writeTable([]string{"Setting", "Value"}, rows, nil)
	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
