package cmd

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/logging"
)

type logLevel enumflag.Flag

const (
	levelTrace logLevel = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelSilent
)

var logLevelIDs = map[logLevel][]string{
	levelTrace:  {string(logging.LevelTrace)},
	levelDebug:  {string(logging.LevelDebug)},
	levelInfo:   {string(logging.LevelInfo)},
	levelWarn:   {string(logging.LevelWarn), "warning"},
	levelError:  {string(logging.LevelError)},
	levelSilent: {string(logging.LevelSilent), "quiet"},
}

func (l logLevel) level() logging.Level {
	return logging.Level(logLevelIDs[l][0])
}

func addLogLevelFlag(fs *pflag.FlagSet, l *logLevel) {
	*l = levelInfo
	fs.VarP(enumflag.New(l, "level", logLevelIDs, enumflag.EnumCaseInsensitive),
		"loglevel", "l", "log level: trace, debug, info, warn, error or silent")
}

// objectFlag decodes a JSON (or YAML) object into a freshly allocated T.
type objectFlag[T any] struct {
	target **T
	raw    string
}

func newObjectFlag[T any](target **T) *objectFlag[T] {
	return &objectFlag[T]{target: target}
}

func (f *objectFlag[T]) String() string {
	return f.raw
}

func (f *objectFlag[T]) Set(s string) error {
	v := new(T)
	if err := yaml.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("invalid object %q: %w", s, err)
	}
	*f.target, f.raw = v, s
	return nil
}

func (*objectFlag[T]) Type() string {
	return "json"
}

// parseData decodes the --data flag: an inline object, or the path of a
// YAML or JSON file.
func parseData(s string) (*config.Data, error) {
	if s == "" {
		return nil, nil
	}
	var d config.Data
	if err := yaml.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("invalid data %q: %w", s, err)
	}
	return &d, nil
}

// parseBundlers decodes --bundlers values: a module reference, or an object
// with a run key and the bundler config.
func parseBundlers(values []string) (config.BundlerSpecs, error) {
	specs := make(config.BundlerSpecs, 0, len(values))
	for _, v := range values {
		var spec config.BundlerSpec
		if err := yaml.Unmarshal([]byte(v), &spec); err != nil {
			return nil, fmt.Errorf("invalid bundler %q: %w", v, err)
		}
		if !spec.IsValid() {
			return nil, fmt.Errorf("invalid bundler %q", v)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
