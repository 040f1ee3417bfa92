// crux run [path] [args...]
package cmd

import (
	"github.com/cruxbuild/crux/internal/builder"
	"github.com/cruxbuild/crux/internal/msg"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
		args = args[1:] // other arguments will be passed to the program
	}
	b, err := builder.NewBuilderInDirectory(target, flagJobs)
	if err != nil {
		msg.Fatal("%v", err)
	}
	if err := b.BuildAndRun(args, flagProfile, flagGenerator.Value()); err != nil {
		msg.Fatal("%v", err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [target path] [args...]",
	Short: "Build and run the package",
	Long:  `Build and run the package. If no target path is given, uses "."`,
	Args:  cobra.ArbitraryArgs,
	Run:   doRun,
}

func init() {
	// crux run subcommand
	rootCmd.AddCommand(runCmd)
	addBuildFlags(runCmd)
}
