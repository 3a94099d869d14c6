// Command api is shorthand for "precompute api".
package main

import (
	"fmt"
	"os"

	"recset-precompute/internal/cli"
)

func main() {
	cmd := cli.BuildCLI()
	cmd.SetArgs(append([]string{"api"}, os.Args[1:]...))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}
