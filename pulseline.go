package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pulseline/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:     "pulseline",
		Usage:    "Paginated lists and live push streams for the pulseline social health backend",
		Version:  version,
		Flags:    cmd.GlobalFlags(),
		Commands: cmd.Commands(),
		After:    cmd.After,
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
