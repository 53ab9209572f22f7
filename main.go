package main

import (
	"os"

	"github.com/islet-project/warden/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
