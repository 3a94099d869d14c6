// Command worker is shorthand for "precompute worker".
package main

import (
	"fmt"
	"os"

	"recset-precompute/internal/cli"
)

func main() {
	cmd := cli.BuildCLI()
	cmd.SetArgs(append([]string{"worker"}, os.Args[1:]...))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}
