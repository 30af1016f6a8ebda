// Command codecollab runs the collaborative editing room server.
package main

import (
	"fmt"
	"os"

	"github.com/choonkeat/codecollab/internal/config"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
