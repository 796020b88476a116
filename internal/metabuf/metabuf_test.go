package metabuf

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cloudhdf5/reader/internal/bufreader"
	"github.com/cloudhdf5/reader/internal/errs"
)

// memSource serves ranges from a byte slice and counts fetches.
type memSource struct {
	data    []byte
	fetches atomic.Int64
}

func (m *memSource) FetchBytes(_ context.Context, offset, length int64) ([]byte, error) {
	m.fetches.Add(1)
	if offset < 0 || offset >= int64(len(m.data)) {
		return nil, errs.New(errs.KindOutOfRange, "offset outside backing slice")
	}
	end := offset + length
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	out := make([]byte, end-offset)
	copy(out, m.data[offset:end])
	return out, nil
}

func (m *memSource) FetchData(ctx context.Context, offset, length int64) ([]byte, error) {
	return m.FetchBytes(ctx, offset, length)
}

func (m *memSource) Size() int64  { return int64(len(m.data)) }
func (m *memSource) Close() error { return nil }

func testImage(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func cfg() bufreader.Config { return bufreader.Config{OffsetSize: 8, LengthSize: 8} }

func TestBufferPrefetchAndRead(t *testing.T) {
	src := &memSource{data: testImage(64 * 1024)}
	buf := New(src, cfg())

	if err := buf.Prefetch(context.Background(), 4096); err != nil {
		t.Fatalf("Prefetch failed: %v", err)
	}
	if buf.Len() < 4096 {
		t.Fatalf("prefix length = %d", buf.Len())
	}
	fetchesAfterPrefetch := src.fetches.Load()

	r, err := buf.Reader(context.Background(), 100, 16)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	b, err := r.ReadBytes(4)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if b[0] != src.data[100] {
		t.Error("content mismatch")
	}
	if src.fetches.Load() != fetchesAfterPrefetch {
		t.Error("an in-prefix read should not refetch")
	}
}

func TestBufferGrowBeyondPrefix(t *testing.T) {
	src := &memSource{data: testImage(1 << 20)}
	buf := New(src, cfg())

	if err := buf.Prefetch(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}

	r, err := buf.Reader(context.Background(), 100*1024, 64)
	if err != nil {
		t.Fatalf("Reader past the prefix failed: %v", err)
	}
	b, err := r.ReadBytes(8)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if b[0] != src.data[100*1024] {
		t.Error("content mismatch after growth")
	}
}

func TestBufferPrefetchClampsToSize(t *testing.T) {
	src := &memSource{data: testImage(1000)}
	buf := New(src, cfg())

	if err := buf.Prefetch(context.Background(), 1<<20); err != nil {
		t.Fatalf("Prefetch past EOF failed: %v", err)
	}
	if buf.Len() != 1000 {
		t.Errorf("prefix length = %d, want 1000", buf.Len())
	}
}

func TestFileRegionFetch(t *testing.T) {
	src := &memSource{data: testImage(4 << 20)}
	buf := New(src, cfg())
	if err := buf.Prefetch(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}
	f := NewFile(buf)

	// Far beyond the prefix and the near-gap: a discrete region.
	const far = 2 << 20
	r, err := f.Reader(context.Background(), far, 128)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	b, err := r.ReadBytes(8)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if b[0] != src.data[far] {
		t.Error("region content mismatch")
	}

	// The prefix must not have been grown to cover the gap.
	if f.PrefixLen() >= far {
		t.Errorf("prefix grew to %d; a discrete region was expected", f.PrefixLen())
	}

	// A second overlapping request reuses the region.
	fetches := src.fetches.Load()
	if _, err := f.Reader(context.Background(), far+16, 32); err != nil {
		t.Fatalf("second Reader failed: %v", err)
	}
	if src.fetches.Load() != fetches {
		t.Error("an in-region read should not refetch")
	}
}

func TestFileInPrefix(t *testing.T) {
	src := &memSource{data: testImage(64 * 1024)}
	buf := New(src, cfg())
	if err := buf.Prefetch(context.Background(), 8192); err != nil {
		t.Fatal(err)
	}
	f := NewFile(buf)

	if !f.InPrefix(0, 8192) {
		t.Error("expected [0, 8192) in prefix")
	}
	if f.InPrefix(8000, 1000) {
		t.Error("[8000, 9000) should be outside the prefix")
	}
}

func TestParseRetryGrowsWindow(t *testing.T) {
	src := &memSource{data: testImage(1 << 20)}
	buf := New(src, cfg())
	if err := buf.Prefetch(context.Background(), 1024); err != nil {
		t.Fatal(err)
	}
	f := NewFile(buf)

	// The parse wants 3000 bytes but the first window offers 1024.
	calls := 0
	out, err := ParseRetry(context.Background(), f, 0, 1024, 1<<20, func(r *bufreader.Reader) ([]byte, error) {
		calls++
		return r.ReadBytes(3000)
	})
	if err != nil {
		t.Fatalf("ParseRetry failed: %v", err)
	}
	if len(out) != 3000 {
		t.Errorf("got %d bytes", len(out))
	}
	if calls < 2 {
		t.Errorf("expected at least one truncation retry, got %d calls", calls)
	}
}

func TestParseRetryPropagatesOtherErrors(t *testing.T) {
	src := &memSource{data: testImage(4096)}
	buf := New(src, cfg())
	if err := buf.Prefetch(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}
	f := NewFile(buf)

	want := errs.New(errs.KindUnsupported, "no")
	calls := 0
	_, err := ParseRetry(context.Background(), f, 0, 256, 4096, func(r *bufreader.Reader) (int, error) {
		calls++
		return 0, want
	})
	if err != want {
		t.Errorf("got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-truncation errors must not retry; got %d calls", calls)
	}
}

func TestIsTruncated(t *testing.T) {
	if !IsTruncated(bufreader.ErrTruncated) {
		t.Error("direct sentinel not recognized")
	}
	if IsTruncated(errs.New(errs.KindTransport, "x")) {
		t.Error("unrelated error misclassified")
	}
}
