package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentia/evidentia/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:           "evidentia",
		Short:         "ESG audit retrieval and guardrail service",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
