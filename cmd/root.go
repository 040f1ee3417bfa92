// crux [path], crux build [path]
package cmd

import (
	"fmt"
	"os"

	"github.com/cruxbuild/crux/internal/builder"
	"github.com/cruxbuild/crux/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile   string
	flagJobs      int
	flagGenerator = NewEnumValue("crux", map[string]string{
		"crux":  "Build with crux's incremental engine (default)",
		"ninja": "Generate a build.ninja file and run ninja",
	})
)

// newBuilder loads the project named by the first positional argument,
// defaulting to the current directory.
func newBuilder(args []string) *builder.Builder {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	b, err := builder.NewBuilderInDirectory(target, flagJobs)
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b
}

func doBuild(cmd *cobra.Command, args []string) {
	b := newBuilder(args)
	if err := b.Build(flagProfile, flagGenerator.Value()); err != nil {
		msg.Fatal("%v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crux [target path]",
	Short: "An incremental build orchestrator for C and C++",
	Long:  `An incremental build orchestrator for C and C++`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [target path]",
	Short: "Build the package",
	Long:  `Build the package. If no target path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	addBuildFlags(rootCmd)

	// crux build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel compile jobs (0 = one per CPU)")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
