package batch

import (
	"errors"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", opts.BatchSize)
	}
	if opts.OnError == nil {
		t.Error("expected OnError to be set")
	}
}

func TestWithBatchSizeIgnoresNonPositive(t *testing.T) {
	opts := DefaultOptions()
	WithBatchSize(0)(opts)
	if opts.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want unchanged 50", opts.BatchSize)
	}
	WithBatchSize(10)(opts)
	if opts.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", opts.BatchSize)
	}
}

func TestPartitionSplitsIntoChunks(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	chunks := Partition(items, 3)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[1]) != 3 || len(chunks[2]) != 1 {
		t.Fatalf("chunk sizes = %v, %v, %v", chunks[0], chunks[1], chunks[2])
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	if chunks := Partition([]int{}, 5); chunks != nil {
		t.Errorf("expected nil for empty input, got %v", chunks)
	}
}

func TestProcessCallsEveryItemDespiteFailures(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results := Process(items, func(item int) error {
		if item == 3 {
			return errors.New("boom")
		}
		return nil
	}, WithBatchSize(2))

	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
	for _, r := range results {
		if r.Item == 3 && r.Err == nil {
			t.Errorf("expected item 3 to fail")
		}
		if r.Item != 3 && r.Err != nil {
			t.Errorf("expected item %d to succeed, got %v", r.Item, r.Err)
		}
	}
}

func TestProcessOnErrorFiresOncePerFailingChunk(t *testing.T) {
	items := []int{1, 2, 3, 4}
	var failedChunks int
	results := Process(items, func(item int) error {
		if item == 2 || item == 4 {
			return errors.New("fail")
		}
		return nil
	}, WithBatchSize(2), WithOnError(func(results []Result[any]) {
		failedChunks++
	}))

	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}
	if failedChunks != 2 {
		t.Fatalf("failedChunks = %d, want 2 (one per chunk, both chunks had a failure)", failedChunks)
	}
}
