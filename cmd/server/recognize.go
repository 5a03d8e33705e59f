package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ihdrs/digitserver/internal/conf"
	"github.com/ihdrs/digitserver/internal/logging"
	"github.com/ihdrs/digitserver/internal/preprocess"
	"github.com/ihdrs/digitserver/internal/registry"
)

func recognizeCommand() *cobra.Command {
	var modelID int

	cmd := &cobra.Command{
		Use:   "recognize [image file]",
		Short: "Recognize a single digit from an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecognize(args[0], modelID)
		},
	}
	cmd.Flags().IntVar(&modelID, "model-id", 0, "Model id to use (0 = active model)")
	return cmd
}

func runRecognize(path string, modelID int) error {
	settings, err := conf.Load()
	if err != nil {
		return err
	}
	logging.Init("warn")

	imageBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if !preprocess.Validate(imageBytes, settings.Image.MaxSize) {
		return fmt.Errorf("%s is not a usable image (size or dimension limits)", path)
	}

	reg := registry.New(registry.Options{
		ModelDir:         settings.Paths.Models,
		DefaultModelName: settings.Model.DefaultName,
		ONNXLibraryPath:  settings.Model.ONNXLibrary,
		Logger:           logging.ForService("registry"),
	})
	defer reg.Close()

	if !reg.LoadDefault() {
		return fmt.Errorf("no default model at %s", reg.DefaultModelPath())
	}

	t, err := preprocess.Preprocess(imageBytes)
	if err != nil {
		return err
	}
	result, err := reg.Predict(t, modelID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if float64(result.Confidence) < settings.Recognition.ConfidenceThreshold {
		fmt.Fprintf(os.Stderr, "warning: confidence %.4f below threshold %.2f\n",
			result.Confidence, settings.Recognition.ConfidenceThreshold)
	}
	return nil
}
