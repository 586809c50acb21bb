package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"asrworker/internal/config"
	"asrworker/internal/device"
	"asrworker/internal/dispatch"
	"asrworker/internal/logging"
	"asrworker/internal/protocol"
	"asrworker/internal/worker"
)

func main() {
	var (
		inputFile  = flag.String("i", "", "Input audio file (further files may follow as arguments)")
		outputFile = flag.String("o", "", "Output file (default: stdout)")
		format     = flag.String("format", "text", "Output format: text, json")
		configFile = flag.String("config", "", "YAML configuration file")
		envFile    = flag.String("env", ".env", "dotenv file read before the environment")
		modelDir   = flag.String("model-dir", "", "Model root directory")
		backend    = flag.String("backend", "", "Recognizer family")
		deviceFlag = flag.String("device", "", "Inference device: auto, cpu, cuda, coreml")
		noPunc     = flag.Bool("no-punc", false, "Skip punctuation restoration")
		verbose    = flag.Bool("v", false, "Verbose output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [files...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Transcribes audio files once with the same components as asr-worker.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i audio.wav\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format json -o result.json a.wav b.mp3\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -backend paraformer -device cpu -i audio.wav\n", os.Args[0])
	}

	flag.Parse()

	inputs := flag.Args()
	if *inputFile != "" {
		inputs = append([]string{*inputFile}, inputs...)
	}
	if len(inputs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: Input file is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Error: Invalid format '%s'. Must be: text or json\n", *format)
		os.Exit(1)
	}

	cfg, err := config.Loader{DotEnvPath: *envFile, FilePath: *configFile}.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *modelDir != "" {
		cfg.ModelDir = *modelDir
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *deviceFlag != "" {
		cfg.Device = *deviceFlag
	}
	if *noPunc {
		off := false
		for i := range cfg.Components {
			if cfg.Components[i].Name == "punc" {
				cfg.Components[i].Enabled = &off
			}
		}
	}
	// One-shot runs never keep a journal or serve status.
	cfg.JournalPath = ""
	cfg.StatusAddr = ""
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, _, _ := logging.New(logging.Options{Level: level})

	ctx := context.Background()
	w, err := worker.New(ctx, cfg, device.NvidiaSMI{}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if outcome, ok := w.Dispatcher.Initialize(ctx).(dispatch.InitResponse); ok && !outcome.Success {
		fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", outcome.Error, outcome.Type)
		os.Exit(1)
	} else if *verbose {
		fmt.Fprintf(os.Stderr, "%s\n", outcome.Message)
	}

	var results []dispatch.TranscribeResult
	failed := false
	for _, path := range inputs {
		resp, _ := w.Dispatcher.Handle(ctx, protocol.Request{Action: protocol.ActionTranscribe, AudioPath: path})
		switch r := resp.(type) {
		case dispatch.TranscribeResult:
			results = append(results, r)
			if *verbose {
				fmt.Fprintf(os.Stderr, "%s: %.2f seconds of audio\n", path, r.Duration)
			}
		case protocol.ErrorResponse:
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", path, r.Error)
			failed = true
		}
	}

	out := io.Writer(os.Stdout)
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to write output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	if err := writeResults(out, *format, results); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if failed {
		w.Close()
		os.Exit(1)
	}
}

func writeResults(out io.Writer, format string, results []dispatch.TranscribeResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	var b strings.Builder
	for _, r := range results {
		b.WriteString(r.Text)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(out, b.String())
	return err
}
