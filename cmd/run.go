package cmd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bundlesdev/bundles/internal/bundle"
	"github.com/bundlesdev/bundles/internal/bundles"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/logging"
)

type runParams struct {
	configs     []string
	run         string
	watch       string
	level       logLevel
	json        bool
	bundlers    []string
	data        string
	glob        *config.GlobOptions
	frontMatter *config.FrontMatterOptions
	watcher     *config.WatcherOptions
	metricsAddr string
	noProgress  bool
}

func newRunCommand() *cobra.Command {
	var p runParams

	run := &cobra.Command{
		Use:   "run [inputs...]",
		Short: "Run the configured bundles",
		Long: `Run the bundles of the configuration files, or a single bundle made of
the given inputs and --bundlers. With --watch, bundles are rebuilt when
their files change until the command is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return p.execute(cmd, args)
		},
	}

	fs := run.Flags()
	fs.StringArrayVarP(&p.configs, "config", "c", nil, "config file; may be repeated, later files win (path[:id,...])")
	fs.StringVarP(&p.run, "run", "r", "", "ids of the bundles to run (true, false or a comma separated list)")
	fs.StringVarP(&p.watch, "watch", "w", "", "ids of the bundles to watch (true, false or a comma separated list)")
	fs.Lookup("watch").NoOptDefVal = "true"
	addLogLevelFlag(fs, &p.level)
	fs.BoolVar(&p.json, "log-json", false, "log JSON lines")
	fs.StringArrayVarP(&p.bundlers, "bundlers", "b", nil, "bundler for the inputs given as arguments; may be repeated")
	fs.StringVarP(&p.data, "data", "d", "", "global data: an object or the path of a YAML or JSON file")
	fs.VarP(newObjectFlag(&p.glob), "glob", "g", "glob options object")
	fs.VarP(newObjectFlag(&p.frontMatter), "front-matter", "m", "front matter options object")
	fs.Var(newObjectFlag(&p.watcher), "watcher", "watcher options object")
	fs.Var(newObjectFlag(&p.watcher), "chokidar", "alias of --watcher")
	fs.StringVar(&p.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&p.noProgress, "no-progress", false, "do not show a progress bar")
	_ = fs.MarkHidden("chokidar")

	return run
}

func (p *runParams) options(cmd *cobra.Command) (*config.Options, error) {
	o := &config.Options{Glob: p.glob, FrontMatter: p.frontMatter, Watcher: p.watcher}
	if cmd.Flags().Changed("run") {
		sel, err := config.ParseSelector(p.run)
		if err != nil {
			return nil, err
		}
		o.Run = sel
	}
	if cmd.Flags().Changed("watch") {
		sel, err := config.ParseSelector(p.watch)
		if err != nil {
			return nil, err
		}
		o.Watch = sel
	}
	if cmd.Flags().Changed("loglevel") {
		o.LogLevel = string(p.level.level())
	}
	return o, nil
}

func (p *runParams) execute(cmd *cobra.Command, inputs []string) error {
	ctx := cmd.Context()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	opts, err := p.options(cmd)
	if err != nil {
		return err
	}
	data, err := parseData(p.data)
	if err != nil {
		return err
	}
	specs, err := parseBundlers(p.bundlers)
	if err != nil {
		return err
	}

	log := logging.NewLogger(logging.Config{Level: p.level.level(), Output: cmd.ErrOrStderr(), JSON: p.json})

	if p.metricsAddr != "" {
		l, err := net.Listen("tcp", p.metricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", p.metricsAddr, err)
		}
		srv := serveMetrics(l, log)
		defer srv.Close()
	}

	var bar atomic.Pointer[progressbar.ProgressBar]
	var started atomic.Bool
	out := cmd.OutOrStdout()

	r := bundles.New().
		WithLogger(log).
		WithOptions(opts).
		WithHooks(bundles.Hooks{
			AfterRun: func(*bundle.Bundle) {
				if b := bar.Load(); b != nil {
					_ = b.Add(1)
				}
			},
			AfterBundle: func(r *bundles.Registry) {
				if started.Load() {
					report(out, log, r.Result())
				}
			},
		})
	defer r.Close()

	if len(inputs) > 0 {
		root := &config.Root{
			Bundles: config.Bundles{{Input: config.Inputs{}, Bundlers: specs}},
			Options: &config.Options{Cwd: cwd},
			Data:    data,
		}
		for _, in := range inputs {
			root.Bundles[0].Input = append(root.Bundles[0].Input, config.PathInput(in))
		}
		if _, err := r.Create(ctx, root); err != nil {
			return err
		}
	} else {
		if len(specs) > 0 {
			return errors.New("--bundlers requires inputs")
		}
		values, _, err := data.Load(cwd)
		if err != nil {
			return err
		}
		if _, err := r.WithData(values).Load(ctx, cwd, p.configs...); err != nil {
			return err
		}
	}

	if !p.noProgress {
		bar.Store(progressbar.NewOptions(len(r.Bundles()),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("bundling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		))
	}

	res := r.Run(ctx)
	if b := bar.Swap(nil); b != nil {
		_ = b.Finish()
	}
	report(out, log, res)
	started.Store(true)

	if watching(r) {
		log.Infof("Watching for changes, press Ctrl+C to stop")
		<-ctx.Done()
		return nil
	}

	if !res.Success {
		return errFailed
	}
	return nil
}

func watching(r *bundles.Registry) bool {
	for _, b := range r.Bundles() {
		if b.Watching() {
			return true
		}
	}
	return false
}

func report(w io.Writer, log *logging.Logger, res *bundles.Result) {
	if err := printResult(w, res); err != nil {
		log.Errorf("Cannot print result: %v", err)
	}
	res.Report(log)
}

func serveMetrics(l net.Listener, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server stopped: %v", err)
		}
	}()
	log.Infof("Serving metrics on http://%s/metrics", l.Addr())
	return srv
}
