// Command previewd supervises dev servers and terminal sessions for
// project previews.
package main

import (
	"fmt"
	"os"

	"github.com/uxfreak/previewd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
