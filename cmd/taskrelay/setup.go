package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/config"
)

var setupFlags struct {
	project bool
	force   bool
	listID  string
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create taskrelay configuration file",
	Long: `Create a taskrelay configuration file with sensible defaults.

By default, creates a global config at ~/.config/taskrelay/taskrelay.yml.
Use --project to create a project-local config in the current directory.

The ClickUp token is never written to disk; set CLICKUP_API_TOKEN instead.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVarP(&setupFlags.project, "project", "p", false, "Create config in current directory instead of global location")
	setupCmd.Flags().BoolVarP(&setupFlags.force, "force", "f", false, "Overwrite existing config file")
	setupCmd.Flags().StringVar(&setupFlags.listID, "list-id", "", "ClickUp list to poll")
}

func runSetup(cmd *cobra.Command, args []string) error {
	targetPath := config.GlobalPath()
	if setupFlags.project {
		targetPath = config.ProjectPath()
	}

	if !setupFlags.force && fileExists(targetPath) {
		return fmt.Errorf("config file already exists at %s\n\nUse --force to overwrite", targetPath)
	}

	cfg := config.Default()
	cfg.ClickUp.ListID = setupFlags.listID
	if flag := cmd.Flags().Lookup("base-branch"); flag != nil && flag.Changed {
		cfg.BaseBranch = flag.Value.String()
	}

	var err error
	if setupFlags.project {
		err = config.WriteProject(cfg)
	} else {
		err = config.WriteGlobal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Config written to: %s\n\n", targetPath)
	if cfg.ClickUp.ListID == "" {
		fmt.Println("Set clickup.list_id in the file, then export CLICKUP_API_TOKEN.")
	}
	fmt.Println("Run 'taskrelay doctor' to check the environment, then 'taskrelay run'.")
	return nil
}

// fileExists checks if a file exists (helper for setup command).
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
