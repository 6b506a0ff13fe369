// Command kcore boots the kernel core on the host clock and runs
// demonstration workloads against its syscall surface, printing a summary of
// the kernel counters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %s\n", err)
		os.Exit(1)
	}
}
