// Command jobscout runs the job-offer scrape worker and controller.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobscout: %v\n", err)
		os.Exit(1)
	}
}
