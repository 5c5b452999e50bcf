// keybench drives load against a remote private-key ("keyless") backend
// and reports latency and error statistics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keybench: %s\n", err)
		os.Exit(1)
	}
}
