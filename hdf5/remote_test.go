package hdf5

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// rangeServer serves a byte slice over single-range GETs, counting
// requests and tracking peak concurrency. A settable delay simulates a
// slow origin.
type rangeServer struct {
	data []byte

	requests atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    atomic.Int64 // nanoseconds
}

func (s *rangeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.requests.Add(1)
		cur := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			p := s.peak.Load()
			if cur <= p || s.peak.CompareAndSwap(p, cur) {
				break
			}
		}

		if d := s.delay.Load(); d > 0 {
			select {
			case <-time.After(time.Duration(d)):
			case <-req.Context().Done():
				return
			}
		}

		var start, end int64
		if n, _ := fmt.Sscanf(req.Header.Get("Range"), "bytes=%d-%d", &start, &end); n != 2 {
			w.Write(s.data)
			return
		}
		if start >= int64(len(s.data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= int64(len(s.data)) {
			end = int64(len(s.data)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(s.data[start : end+1])
	}
}

func newRangeOrigin(t *testing.T, data []byte) (*rangeServer, string) {
	t.Helper()
	rs := &rangeServer{data: data}
	srv := httptest.NewServer(rs.handler())
	t.Cleanup(srv.Close)
	return rs, srv.URL
}

func TestRemoteOpenAndRead(t *testing.T) {
	_, url := newRangeOrigin(t, buildTwoDatasetFile())

	r, err := OpenURL(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	if got := r.NumDatasets(); got != 2 {
		t.Fatalf("expected 2 datasets, got %d", got)
	}

	region, err := r.FindByPath("/b/c").ReadRegion(context.Background(), 0, 0, 2, 2)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range want {
		if region.Data[i] != v {
			t.Errorf("element %d: got %g, want %g", i, region.Data[i], v)
		}
	}
}

func TestRemoteBatchCoalescesIntoOneRange(t *testing.T) {
	rs, url := newRangeOrigin(t, buildChunkGridFile())

	r, err := OpenURL(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/grid")
	if d == nil {
		t.Fatal("missing /grid")
	}

	// Force the index build before counting, so the only remaining
	// traffic is chunk data.
	if _, err := d.ReadChunk(context.Background(), 0, 0); err != nil {
		t.Fatalf("priming read failed: %v", err)
	}

	before := rs.requests.Load()
	coords := make([]ChunkCoord, 8)
	for i := range coords {
		coords[i] = ChunkCoord{Row: uint64(i)}
	}
	results, err := d.ReadChunksBatch(context.Background(), coords)
	if err != nil {
		t.Fatalf("ReadChunksBatch failed: %v", err)
	}
	if got := rs.requests.Load() - before; got != 1 {
		t.Errorf("expected exactly 1 merged range request, observed %d", got)
	}

	for i, c := range coords {
		data := results[c.key()]
		if data == nil {
			t.Fatalf("chunk %d missing", i)
		}
		for j, v := range data {
			if want := float32(i*8 + j); v != want {
				t.Errorf("chunk %d element %d: got %g, want %g", i, j, v, want)
			}
		}
	}

	// Each batched chunk matches its independent single-chunk read.
	for i := range coords {
		single, err := d.ReadChunk(context.Background(), uint64(i), 0)
		if err != nil {
			t.Fatalf("ReadChunk(%d) failed: %v", i, err)
		}
		batched := results[coords[i].key()]
		for j := range single {
			if single[j] != batched[j] {
				t.Errorf("chunk %d element %d: single %g, batched %g", i, j, single[j], batched[j])
			}
		}
	}
}

func TestRemoteConcurrencyCeiling(t *testing.T) {
	rs, url := newRangeOrigin(t, buildChunkGridFile())

	r, err := OpenURL(context.Background(), url,
		WithMaxInFlight(2),
		WithMaxRangeBytes(32), // one range per chunk
		WithMergeGap(1),
	)
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/grid")
	rs.delay.Store(int64(5 * time.Millisecond))

	coords := make([]ChunkCoord, 8)
	for i := range coords {
		coords[i] = ChunkCoord{Row: uint64(i)}
	}
	if _, err := d.ReadChunksBatch(context.Background(), coords); err != nil {
		t.Fatalf("ReadChunksBatch failed: %v", err)
	}

	if peak := rs.peak.Load(); peak > 2 {
		t.Errorf("observed %d concurrent requests, ceiling is 2", peak)
	}
}

func TestShardRotation(t *testing.T) {
	data := buildChunkGridFile()
	rsA, urlA := newRangeOrigin(t, data)
	rsB, urlB := newRangeOrigin(t, data)
	rsC, urlC := newRangeOrigin(t, data)

	r, err := OpenURL(context.Background(), urlA, WithShardURLs(urlB, urlC))
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/grid")
	for i := 0; i < 9; i++ {
		if _, err := d.ReadChunk(context.Background(), uint64(i%8), 0); err != nil {
			t.Fatalf("ReadChunk %d failed: %v", i, err)
		}
	}

	counts := []int64{rsA.requests.Load(), rsB.requests.Load(), rsC.requests.Load()}
	min, max := counts[0], counts[0]
	for _, c := range counts[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	if min == 0 {
		t.Errorf("a shard received no requests: %v", counts)
	}
	if max-min > 1 {
		t.Errorf("rotation is unbalanced: %v", counts)
	}
}

func TestRemoteCancellation(t *testing.T) {
	rs, url := newRangeOrigin(t, buildChunkGridFile())

	r, err := OpenURL(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/grid")
	// Prime the chunk index so the cancelled read is all data traffic.
	if _, err := d.ReadChunk(context.Background(), 0, 0); err != nil {
		t.Fatalf("priming read failed: %v", err)
	}

	rs.delay.Store(int64(500 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = d.ReadRegion(ctx, 0, 0, 64, 1)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %s, expected prompt abort", elapsed)
	}

	// A fresh read over the same region completes normally.
	rs.delay.Store(0)
	region, err := d.ReadRegion(context.Background(), 0, 0, 64, 1)
	if err != nil {
		t.Fatalf("post-cancel ReadRegion failed: %v", err)
	}
	if region.Data[63] != 63 {
		t.Errorf("post-cancel data wrong: got %g at tail", region.Data[63])
	}
}

func TestContinuationBeyondPrefix(t *testing.T) {
	_, url := newRangeOrigin(t, buildContinuationFile())

	r, err := OpenURL(context.Background(), url, WithMetadataPrefix(4096))
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/far")
	if d == nil {
		t.Fatal("dataset behind the continuation block was not discovered")
	}

	res, err := d.ReadSmall(context.Background())
	if err != nil || res == nil {
		t.Fatalf("ReadSmall failed: res=%v err=%v", res, err)
	}
	if res.Data[0] != 7 {
		t.Errorf("got %g, want 7", res.Data[0])
	}
}

func TestShuffleDeflateChunk(t *testing.T) {
	data, want := buildFilteredFile()
	_, url := newRangeOrigin(t, data)

	r, err := OpenURL(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenURL failed: %v", err)
	}
	defer r.Close()

	d := r.FindByPath("/z")
	chunk, err := d.ReadChunk(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if len(chunk) != len(want) {
		t.Fatalf("got %d elements, want %d", len(chunk), len(want))
	}
	for i := range want {
		if chunk[i] != want[i] {
			t.Errorf("element %d: got %g, want %g", i, chunk[i], want[i])
		}
	}
}
