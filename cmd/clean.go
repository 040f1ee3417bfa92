// crux clean [path]
package cmd

import (
	"github.com/cruxbuild/crux/internal/msg"
	"github.com/spf13/cobra"
)

func doClean(cmd *cobra.Command, args []string) {
	b := newBuilder(args)
	if err := b.Clean(); err != nil {
		msg.Fatal("%v", err)
	}
	msg.Done("Cleaned", "build directory and target")
}

var cleanCmd = &cobra.Command{
	Use:   "clean [target path]",
	Short: "Remove the build directory and the target binary",
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// crux clean subcommand
	rootCmd.AddCommand(cleanCmd)
}
