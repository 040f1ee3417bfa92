// crux print [path]
package cmd

import (
	"fmt"

	"github.com/cruxbuild/crux/internal/msg"
	"github.com/spf13/cobra"
)

func doPrint(cmd *cobra.Command, args []string) {
	b := newBuilder(args)
	objects, err := b.Objects(flagProfile)
	if err != nil {
		msg.Fatal("%v", err)
	}
	for _, obj := range objects {
		fmt.Println(obj)
	}
}

var printCmd = &cobra.Command{
	Use:   "print [target path]",
	Short: "Print the resolved object file list without building",
	Args:  cobra.MaximumNArgs(1),
	Run:   doPrint,
}

func init() {
	// crux print subcommand
	rootCmd.AddCommand(printCmd)
	printCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Resolve with the given profile")
}
