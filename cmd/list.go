package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/template"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [apps-dir]",
		Short: "List discovered apps and their detected templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			baseDir := cfg.Generation.OutputDir
			if len(args) > 0 {
				baseDir = args[0]
			}
			appsDir := result.ResolveAppsDir(baseDir)
			apps, err := result.ListApps(appsDir)
			if err != nil {
				return err
			}
			if len(apps) == 0 {
				fmt.Printf("No apps found in %s\n", appsDir)
				return nil
			}
			fmt.Printf("Apps in %s:\n", appsDir)
			for _, app := range apps {
				tag := template.Detect(filepath.Join(appsDir, app))
				fmt.Printf("  - %s [%s]\n", app, tag)
			}
			return nil
		},
	}
}
