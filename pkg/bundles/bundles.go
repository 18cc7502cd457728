package bundles

import (
	"io"

	"github.com/bundlesdev/bundles/internal/bundle"
	"github.com/bundlesdev/bundles/internal/bundler"
	internal "github.com/bundlesdev/bundles/internal/bundles"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	"github.com/bundlesdev/bundles/internal/logging"
)

type (
	Registry = internal.Registry
	Hooks    = internal.Hooks
	Result   = internal.Result

	Bundle      = bundle.Bundle
	Spec        = bundle.Spec
	BundleHooks = bundle.Hooks
	SourceType  = bundle.SourceType

	MutateOption = bundle.MutateOption

	Bundler     = bundler.Bundler
	BundlerSpec = bundler.Spec
	State       = bundler.State
	Transform   = bundler.Transform
	Status      = bundler.Status

	File     = file.File
	Files    = file.Files
	DataFunc = file.DataFunc

	Options = config.Options
	Input   = config.Input

	Logger   = logging.Logger
	LogLevel = logging.Level
)

const (
	StatusNotRun  = bundler.StatusNotRun
	StatusSuccess = bundler.StatusSuccess
	StatusFailed  = bundler.StatusFailed
	StatusSkipped = bundler.StatusSkipped
)

const (
	SourceInput      = bundle.SourceInput
	SourceDependency = bundle.SourceDependency
	SourceBundler    = bundle.SourceBundler
)

const (
	LogTrace  = logging.LevelTrace
	LogDebug  = logging.LevelDebug
	LogInfo   = logging.LevelInfo
	LogWarn   = logging.LevelWarn
	LogError  = logging.LevelError
	LogSilent = logging.LevelSilent
)

// New returns an empty registry with the built-in bundler plugins.
func New() *Registry {
	return internal.New()
}

// Callable wraps a Go transform. cfg is available to it through the
// Bundler argument.
func Callable(t Transform, cfg map[string]any) BundlerSpec {
	return bundler.Callable(t, cfg)
}

// Module references a registered plugin or a Rego file.
func Module(ref string, cfg map[string]any) BundlerSpec {
	return bundler.Module(ref, cfg)
}

// NoRebundle makes Bundle.Update, Add and Remove skip the rerun, so several
// mutations can be applied before one Run.
func NoRebundle() MutateOption {
	return bundle.NoRebundle()
}

// WithType applies a Bundle mutation to paths of the given source group.
func WithType(t SourceType) MutateOption {
	return bundle.WithType(t)
}

// Inputs converts paths, globs and remote descriptors into bundle inputs.
func Inputs(paths ...string) config.Inputs {
	out := make(config.Inputs, 0, len(paths))
	for _, p := range paths {
		out = append(out, config.PathInput(p))
	}
	return out
}

// Inline returns an input for content that does not exist on disk.
func Inline(path, content string) Input {
	return config.InlineInput(path, content)
}

// NewLogger returns a console logger writing to stderr.
func NewLogger(level LogLevel) *Logger {
	return logging.NewLogger(logging.Config{Level: level})
}

// NewJSONLogger returns a logger writing JSON lines to w.
func NewJSONLogger(level LogLevel, w io.Writer) *Logger {
	return logging.NewLogger(logging.Config{Level: level, Output: w, JSON: true})
}
