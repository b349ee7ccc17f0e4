// Command compactctl drives stream-set object compaction runs.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/streamsetcompact/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
