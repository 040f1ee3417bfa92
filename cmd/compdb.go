// crux compdb [path]
package cmd

import (
	"github.com/cruxbuild/crux/internal/msg"
	"github.com/spf13/cobra"
)

func doCompdb(cmd *cobra.Command, args []string) {
	b := newBuilder(args)
	path, err := b.WriteCompileCommands(flagProfile)
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Done("Generated", path)
}

var compdbCmd = &cobra.Command{
	Use:   "compdb [target path]",
	Short: "Generate a clang compile_commands.json for the package",
	Args:  cobra.MaximumNArgs(1),
	Run:   doCompdb,
}

func init() {
	// crux compdb subcommand
	rootCmd.AddCommand(compdbCmd)
	compdbCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Resolve with the given profile")
}
