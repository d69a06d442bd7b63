package main

import (
	"fmt"
	"os"

	coordinator "github.com/zkceremony/coordinator/internal/coordinator-cli"
)

func main() {
	app := coordinator.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
