package main

import (
	"context"
	"os"

	"github.com/sensorgateway/gateway/internal/commands"
)

func main() {
	root := commands.Root()

	cmd, err := root.ExecuteContextC(context.Background())
	if err != nil {
		root.PrintErrln(cmd.UsageString())
		root.PrintErrln(root.ErrPrefix(), err.Error())
		os.Exit(1)
	}
}
