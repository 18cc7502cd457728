// Package bundles runs groups of files through ordered chains of transforms
// ("bundlers") and keeps the results up to date while the sources change.
//
// A bundle resolves its inputs (paths, globs, inline content or remote git
// sources) into files, parses their front matter and passes them through its
// bundlers in order. Each bundler receives the state produced by the previous
// one. A bundler that fails is recorded and skipped; the others still run.
//
// # Basic Usage
//
// Load a configuration file and run every bundle:
//
//	import "github.com/bundlesdev/bundles/pkg/bundles"
//
//	r := bundles.New().WithLogger(bundles.NewLogger(bundles.LogInfo))
//	defer r.Close()
//
//	if _, err := r.Load(ctx, ".", ".bundlesrc.yaml"); err != nil {
//	    log.Fatal(err) // missing config file or data file
//	}
//
//	res := r.Run(ctx)
//	res.Report(logger)
//	if !res.Success {
//	    os.Exit(1)
//	}
//
// # Bundles Defined in Go
//
// Transforms written in Go are added as callables:
//
//	upper := bundles.Callable(func(ctx context.Context, s *bundles.State, b *bundles.Bundler) (*bundles.State, error) {
//	    for _, f := range s.Output.All() {
//	        f.SetText(strings.ToUpper(f.Text()))
//	    }
//	    return s, nil
//	}, nil)
//
//	r.Add(ctx, bundles.Spec{
//	    ID:       "docs",
//	    Input:    bundles.Inputs("docs/**/*.md"),
//	    Bundlers: []bundles.BundlerSpec{upper, bundles.Module("output", map[string]any{"dir": "dist"})},
//	})
//
// # Module Bundlers
//
// A module reference names a registered plugin ("append", "prop", "filter",
// "patch", "fetch", "output") or a path to a Rego file. Rego modules are
// evaluated with the bundle state as input and may return replacement files
// and data:
//
//	package bundler
//
//	transform := {"data": {"count": count(input.files)}}
//
// Rego modules and the data files they include are reloaded when they change
// while the bundle is watched.
//
// # Watching
//
// Bundles selected by the watch option are rebuilt when their inputs,
// watched dependencies or bundler modules change. Rebuilds of one bundle never
// overlap; events arriving during a rebuild are applied by the next one.
//
// # Thread Safety
//
// Registry and Bundle are safe for concurrent use.
package bundles
