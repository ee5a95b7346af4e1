package main

import (
	"os"

	"github.com/Eleven-am/pondSocket-sub002/cmd/pondserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
