package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"asrworker/internal/config"
	"asrworker/internal/device"
	"asrworker/internal/logging"
	"asrworker/internal/protocol"
	"asrworker/internal/statusserver"
	"asrworker/internal/worker"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile  = flag.String("config", "", "YAML configuration file")
		envFile     = flag.String("env", ".env", "dotenv file read before the environment")
		modelDir    = flag.String("model-dir", "", "Model root directory (ASR_MODEL_DIR)")
		backend     = flag.String("backend", "", "Recognizer family: sense_voice, paraformer, transducer, whisper, fire_red_asr (ASR_BACKEND)")
		deviceFlag  = flag.String("device", "", "Inference device: auto, cpu, cuda, coreml (ASR_DEVICE)")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (ASR_LOG_LEVEL)")
		timeout     = flag.Duration("timeout", 0, "Initialization timeout (ASR_INIT_TIMEOUT)")
		policy      = flag.String("policy", "", "Initialization policy: parallel or sequential (ASR_INIT_POLICY)")
		journalPath = flag.String("journal", "", "SQLite journal path, empty disables (ASR_JOURNAL_PATH)")
		statusAddr  = flag.String("status-addr", "", "Listen address of the HTTP status endpoint (ASR_STATUS_ADDR)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Reads JSON commands on stdin, one per line, and answers on stdout.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -model-dir ~/.cache/asr-worker/models\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  echo '{\"action\":\"status\"}' | %s -backend paraformer -device cpu\n", os.Args[0])
	}
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stderr, version)
		return 0
	}

	cfg, err := config.Loader{DotEnvPath: *envFile, FilePath: *configFile}.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	applyFlag(modelDir, &cfg.ModelDir)
	applyFlag(backend, &cfg.Backend)
	applyFlag(deviceFlag, &cfg.Device)
	applyFlag(logLevel, &cfg.LogLevel)
	applyFlag(policy, &cfg.InitPolicy)
	applyFlag(journalPath, &cfg.JournalPath)
	applyFlag(statusAddr, &cfg.StatusAddr)
	if *timeout > 0 {
		cfg.InitTimeout = *timeout
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logger, logFile, err := logging.New(logging.Options{
		Dir:      cfg.LogDir,
		FileName: config.DefaultLogFile,
		Level:    cfg.LogLevel,
	})
	defer logFile.Close()
	if err != nil {
		logger.Warn("log file unavailable, logging to stderr only", "error", err)
	}
	slog.SetDefault(logger)

	logger.Info("asr worker starting",
		"version", version,
		"pid", os.Getpid(),
		"backend", cfg.Backend,
		"model_dir", cfg.ModelDir,
		"log_file", logging.Path(cfg.LogDir, config.DefaultLogFile),
	)

	ctx := context.Background()
	w, err := worker.New(ctx, cfg, device.NvidiaSMI{}, logger)
	if err != nil {
		logger.Error("invalid worker configuration", "error", err)
		return 2
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Warn("releasing worker resources failed", "error", err)
		}
	}()

	if cfg.StatusAddr != "" {
		var history statusserver.Journal
		if w.Journal != nil {
			history = w.Journal
		}
		srv := statusserver.New(cfg.StatusAddr, w.Dispatcher, history, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	loop := protocol.NewLoop(os.Stdin, os.Stdout, w.Dispatcher, logger)
	stopSignals := loop.WatchSignals(func(sig os.Signal) {
		logger.Warn("second signal received, exiting immediately", "signal", sig.String())
		os.Exit(130)
	}, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := loop.Run(ctx); err != nil {
		logger.Error("protocol loop failed", "error", err)
		return 1
	}
	logger.Info("asr worker stopped")
	return 0
}

func applyFlag(value *string, target *string) {
	if value != nil && *value != "" {
		*target = *value
	}
}
