package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/keyrelay/cmd/keyrelay/internal/serve"
	"github.com/tinyland-inc/keyrelay/cmd/keyrelay/internal/version"
)

func NewKeyrelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyrelay",
		Short:   "keyrelay - key-exchange handshake and push wake-up service",
		Example: "keyrelay serve --config keyrelay.json",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewKeyrelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
