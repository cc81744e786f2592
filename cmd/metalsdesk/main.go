package main

import (
	"fmt"
	"os"

	"metalsdesk/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "metalsdesk: %v\n", err)
		os.Exit(1)
	}
}
