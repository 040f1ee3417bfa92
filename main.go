package main

import "github.com/cruxbuild/crux/cmd"

func main() {
	cmd.Execute()
}
