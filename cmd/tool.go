package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ngld/buildsys/pkg/shell"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Cross-platform implementations of common POSIX commands",
	Long: `Task commands always use these implementations. They are exposed here for scripts
that run outside of the task runner.`,
}

func coreutilCmd(name, short string, util func(dir string, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                name,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}

			return util(wd, args)
		},
	}
}

func init() {
	toolCmd.AddCommand(
		coreutilCmd("mv", "Cross-platform implementation of the POSIX mv command", shell.Mv),
		coreutilCmd("rm", "A cross-platform implementation of the POSIX rm command (supports -r and -f)", shell.Rm),
		coreutilCmd("mkdir", "A cross-platform implementation of the POSIX mkdir command (supports -p)", shell.Mkdir),
	)

	rootCmd.AddCommand(toolCmd)
}
