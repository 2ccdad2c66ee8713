// Package commands implements the kbase CLI subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/config"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// siteFlags are the flags every command that touches the store accepts.
type siteFlags struct {
	dir        string
	configPath string
	remote     string
	apiKey     string
}

// parse consumes a site flag at args[i] and returns the index of the last
// argument it used, or -1 when args[i] is not a site flag.
func (f *siteFlags) parse(args []string, i int) int {
	next := func(dst *string) int {
		if i+1 < len(args) {
			*dst = args[i+1]
			return i + 1
		}
		return i
	}
	switch args[i] {
	case "--dir", "-d":
		return next(&f.dir)
	case "--config", "-c":
		return next(&f.configPath)
	case "--remote", "-r":
		return next(&f.remote)
	case "--api-key":
		return next(&f.apiKey)
	}
	return -1
}

// loadConfig reads the configuration of the site directory. --config wins
// over the directory's kbase.yaml; --remote switches to the HTTP store.
func (f *siteFlags) loadConfig() (*config.Config, error) {
	dir := f.dir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cfg *config.Config
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadFromDir(absDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f.remote != "" {
		cfg.Storage.Driver = "remote"
		cfg.Storage.DSN = f.remote
	}
	if f.apiKey != "" {
		cfg.Storage.APIKey = f.apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section: JSON output
// uses zap's production encoder, console output the development one.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// diagramConfig applies the site's diagram overrides to the defaults.
func diagramConfig(cfg *config.Config) diagram.Config {
	dcfg := diagram.DefaultConfig()
	if cfg.Diagram.Theme != "" {
		dcfg.Theme = cfg.Diagram.Theme
	}
	return dcfg
}

// openStore opens the configured store. Callers close it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	return st, nil
}

// describeError renders err for the terminal. Validation failures keep
// their hints; an import failure lists every offending block.
func describeError(err error) string {
	var verr *kbase.ValidationError
	var imp *kbase.ImportError
	switch {
	case errors.As(err, &verr):
		return strings.TrimRight(verr.Format(), "\n")
	case errors.As(err, &imp):
		var b strings.Builder
		b.WriteString(imp.Error())
		for _, issue := range imp.Issues {
			b.WriteString("\n  ")
			b.WriteString(strings.ReplaceAll(strings.TrimRight(issue.Format(), "\n"), "\n", "\n  "))
		}
		return b.String()
	}
	return err.Error()
}
