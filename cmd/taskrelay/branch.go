package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/branch"
)

var branchCmd = &cobra.Command{
	Use:   "branch <id> <title...>",
	Short: "Print the branch name taskrelay uses for a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		namer := branch.NewNamer(cfg.BranchPrefix, cfg.BranchTag)
		fmt.Println(namer.Name(args[0], strings.Join(args[1:], " ")))
		return nil
	},
}
