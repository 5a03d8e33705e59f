package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "digitserver",
		Short: "Handwritten-digit recognition service",
		Long: "digitserver loads ONNX digit classifiers, preprocesses arbitrary " +
			"raster images into 28x28 tensors and serves predictions over HTTP.",
	}

	rootCmd.AddCommand(serveCommand(), recognizeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
