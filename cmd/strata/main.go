// strata is a partitioned-log message broker.
//
// Usage:
//
//	strata serve --config strata.yaml
//	strata config validate --config strata.yaml
//	strata ping --address 127.0.0.1:8090
package main

import (
	"fmt"
	"os"

	"strata/cmd/strata/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
