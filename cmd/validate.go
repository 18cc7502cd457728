package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ext_config "github.com/bundlesdev/bundles/config"
	"github.com/bundlesdev/bundles/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config...]",
		Short: "Check config files against the configuration schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{""}
			}

			failed := false
			for _, ref := range args {
				path, err := config.Find(cwd, ref)
				if err != nil {
					return err
				}
				if err := validateFile(path); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed = true
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
}

func validateFile(path string) error {
	root, err := config.ParseFile(path)
	if err != nil {
		return err
	}
	for i, b := range root.Bundles {
		for j, spec := range b.Bundlers {
			if !spec.IsValid() {
				return fmt.Errorf("bundle %d: bundler %d is neither a module reference nor an object with a run key: %v", i, j, spec)
			}
		}
	}
	return nil
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(ext_config.Schema())
			return err
		},
	}
}
