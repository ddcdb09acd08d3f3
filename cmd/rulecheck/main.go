package main

import (
	"os"

	"inbox_worker/cmd/rulecheck/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
