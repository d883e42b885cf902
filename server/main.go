package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/crash-severity/server/config"
	"github.com/san-kum/crash-severity/server/ml"
	"github.com/san-kum/crash-severity/server/models"
	"github.com/san-kum/crash-severity/server/observability"
	"github.com/san-kum/crash-severity/server/pipeline"
)

const (
	shutdownTimeout = 30 * time.Second

	formatJSON = "json"
	formatYAML = "yaml"

	formatFlagName = "format"
)

var (
	version = "v0.0.1-default"

	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML config file",
		Sources: cli.EnvVars("CONFIG_FILE"),
	}

	bundleFlag = &cli.StringFlag{
		Name:    "bundle",
		Aliases: []string{"b"},
		Usage:   "Path to the model bundle (overrides MODEL_BUNDLE_PATH)",
	}

	inputFlag = &cli.StringFlag{
		Name:    "input",
		Aliases: []string{"i"},
		Usage:   "JSON crash record to score, - for stdin",
		Value:   "-",
	}
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "crash-severity",
		Version: version,
		Usage:   "Crash injury severity scoring service",
		Flags: []cli.Flag{
			configFlag,
			bundleFlag,
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP server",
				Action: serveAction,
			},
			{
				Name:   "score",
				Usage:  "Score one crash record and print the result",
				Flags:  []cli.Flag{inputFlag, newFormatFlag()},
				Action: scoreAction,
			},
			{
				Name:   "inspect",
				Usage:  "Validate the model bundle and print its layout",
				Flags:  []cli.Flag{newFormatFlag()},
				Action: inspectAction,
			},
		},
	}
}

func newFormatFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  formatFlagName,
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
}

// setup loads configuration and builds the logger. Flag values win over the
// config file and the environment.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	if path := cmd.String(configFlag.Name); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, nil, errors.Wrap(err, "failed to set config path")
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if path := cmd.String(bundleFlag.Name); path != "" {
		cfg.Model.BundlePath = path
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize logger")
	}

	return cfg, logger, nil
}

func loadBundle(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ml.Bundle, error) {
	bundle, err := ml.LoadBundle(ctx, cfg.Model.BundlePath,
		ml.WithONNXLibrary(cfg.Model.ONNXLibrary),
		ml.WithLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load model bundle")
	}
	return bundle, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// The listener never opens without a usable bundle.
	bundle, err := loadBundle(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to load model bundle", zap.Error(err))
		return err
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Error("Failed to close model bundle", zap.Error(err))
		}
	}()

	server, err := NewServer(cfg, bundle, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}
	defer server.Shutdown()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("bundle", cfg.Model.BundlePath))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to start server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}

func scoreAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	request, err := readRequest(cmd.String(inputFlag.Name))
	if err != nil {
		return err
	}

	bundle, err := loadBundle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bundle.Close()

	result, err := score(ctx, pipeline.NewPredictor(bundle, logger), request)
	if err != nil {
		return err
	}
	return encode(os.Stdout, cmd.String(formatFlagName), result)
}

func score(ctx context.Context, predictor *pipeline.Predictor, request *models.PredictRequest) (*models.PredictionResult, error) {
	record, err := pipeline.RecordFromRequest(request)
	if err != nil {
		return nil, err
	}
	return predictor.Predict(ctx, record)
}

func readRequest(path string) (*models.PredictRequest, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		defer f.Close()
		r = f
	}

	var request models.PredictRequest
	if err := json.NewDecoder(r).Decode(&request); err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: malformed JSON record: %v", pipeline.ErrInvalidInput, err))
	}
	return &request, nil
}

func inspectAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	bundle, err := loadBundle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bundle.Close()

	return encode(os.Stdout, cmd.String(formatFlagName), bundle.Info())
}

func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatYAML, "yml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return errors.Wrap(enc.Encode(v), "failed to encode yaml")
	case formatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "failed to encode json")
	default:
		return errors.Errorf("unsupported output format %q", format)
	}
}
