package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gitar "tangled.org/rknarc.net/gitar"
	"tangled.org/rknarc.net/gitar/internal/types"
)

// zapLogger adapts a sugared zap logger to the service logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
func (l zapLogger) Println(v ...interface{})               { l.s.Infoln(v...) }

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
func (nopLogger) Println(v ...interface{})               {}

func newLogger(cmd *cobra.Command) (types.Logger, error) {
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	if quiet {
		return nopLogger{}, nil
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return zapLogger{l.Sugar()}, nil
}

func dataDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Root().PersistentFlags().GetString("dir")
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid directory path: %w", err)
	}
	return abs, nil
}

func loadConfig(cmd *cobra.Command) (*gitar.Config, string, error) {
	dir, err := dataDir(cmd)
	if err != nil {
		return nil, "", err
	}
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		candidate := filepath.Join(dir, "gitar.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		return gitar.DefaultConfig(dir), dir, nil
	}
	config, err := gitar.LoadConfig(path, dir)
	if err != nil {
		return nil, "", err
	}
	return config, dir, nil
}

// openGitar loads config and assembles the service.  With autoInit the
// repository and ledger are created when missing; otherwise a missing
// repository is an error.
func openGitar(ctx context.Context, cmd *cobra.Command, autoInit bool) (*gitar.Gitar, *gitar.Config, error) {
	config, dir, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !autoInit {
		if _, err := os.Stat(config.GitDir); err != nil {
			return nil, nil, fmt.Errorf("no archive in %s (run 'gitar init' first)", dir)
		}
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	logger, err := newLogger(cmd)
	if err != nil {
		return nil, nil, err
	}

	g, err := gitar.Open(ctx, config, gitar.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return g, config, nil
}
