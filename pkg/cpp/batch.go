package cpp

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Source is one translation unit for ProcessAll.
type Source struct {
	Name    string
	Content string
}

// ProcessAll preprocesses sources in parallel, at most jobs at a time
// (unlimited when jobs <= 0). Every source gets its own Preprocessor built
// from opts, so all of them start from the same macro table. Results are
// in input order; when ctx is cancelled, sources not yet started are left
// nil and the context error is returned.
func ProcessAll(ctx context.Context, sources []Source, opts PreprocessorOptions, jobs int) ([]*Result, error) {
	results := make([]*Result, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = NewPreprocessor(opts).Process(src.Content, src.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}
