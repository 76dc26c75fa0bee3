// Command diverctl loads and drives a divervm program image: inspect its
// descriptor tables without executing it, or run its cyclic loop for a
// fixed number of iterations against a headless host.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
