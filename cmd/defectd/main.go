// Command defectd runs the defect detection station: trigger controllers,
// scheduled captures and pipeline definitions synchronised with the device
// shadow.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
