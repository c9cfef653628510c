// Package batch groups a finite slice of items into fixed-size chunks
// for the Dispatcher's publish pass: due messages are queried from
// Mongo in one shot, then walked 50 at a time so a slow or failing
// item never blocks the whole run and logging stays chunk-scoped.
//
// Unlike a channel-fed stream processor, there is no timeout-based
// flush here — the Dispatcher's input is always a finite list from one
// cron tick, so BatchSize is the only boundary that matters.
package batch

// Options configures batch processing.
type Options struct {
	// BatchSize is the chunk size items are grouped into. Default: 50.
	BatchSize int
	// OnError is called once per chunk that contains at least one
	// failed item, with the chunk's own results.
	OnError func(results []Result[any])
}

// DefaultOptions returns BatchSize=50 and a no-op OnError.
func DefaultOptions() *Options {
	return &Options{
		BatchSize: 50,
		OnError:   func(results []Result[any]) {},
	}
}

// Option modifies Options.
type Option func(*Options)

// WithBatchSize overrides the chunk size. Values <= 0 are ignored.
func WithBatchSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.BatchSize = size
		}
	}
}

// WithOnError sets the per-chunk failure callback.
func WithOnError(fn func(results []Result[any])) Option {
	return func(o *Options) {
		if fn != nil {
			o.OnError = fn
		}
	}
}

// Result is the outcome of processing a single item.
type Result[T any] struct {
	Item T
	Err  error
}

// Partition splits items into chunks of size, following the teacher
// package's manual-collection shape without the transport-message
// bookkeeping this pipeline has no use for.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
		if size == 0 {
			return nil
		}
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// Process walks items in chunks of opts.BatchSize, calling fn once per
// item. A failing item does not stop its chunk or later chunks — the
// caller reads per-item Results to decide what to do with each
// outcome (e.g. which items of a batch to mark queued). OnError fires
// once per chunk that had any failure.
func Process[T any](items []T, fn func(item T) error, opts ...Option) []Result[T] {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var all []Result[T]
	for _, chunk := range Partition(items, o.BatchSize) {
		chunkResults := make([]Result[T], 0, len(chunk))
		anyErr := false
		for _, item := range chunk {
			err := fn(item)
			if err != nil {
				anyErr = true
			}
			chunkResults = append(chunkResults, Result[T]{Item: item, Err: err})
		}
		if anyErr && o.OnError != nil {
			erased := make([]Result[any], len(chunkResults))
			for i, r := range chunkResults {
				erased[i] = Result[any]{Item: r.Item, Err: r.Err}
			}
			o.OnError(erased)
		}
		all = append(all, chunkResults...)
	}
	return all
}
