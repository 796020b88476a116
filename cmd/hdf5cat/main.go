// Command hdf5cat inspects a cloud-hosted or local HDF5 file: it lists
// the dataset catalog, dumps attributes, and optionally reads a region
// and prints summary statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cloudhdf5/reader/hdf5"
)

func main() {
	var (
		shards     multiFlag
		attrsPath  = flag.String("attrs", "", "print attributes of the object at this path")
		regionSpec = flag.String("region", "", "read a region: path:row,col,height,width")
		inFlight   = flag.Int("max-in-flight", 8, "global concurrent fetch ceiling")
		prefix     = flag.Int64("prefix", 0, "metadata prefix bytes (0 = default)")
		timeout    = flag.Duration("timeout", 2*time.Minute, "overall deadline")
		verbose    = flag.Bool("v", false, "log walker and filter warnings to stderr")
	)
	flag.Var(&shards, "shard", "additional shard URL (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: hdf5cat [flags] <file.h5 | https://...>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	target := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := []hdf5.Option{hdf5.WithMaxInFlight(*inFlight)}
	if *prefix > 0 {
		opts = append(opts, hdf5.WithMetadataPrefix(*prefix))
	}
	if len(shards) > 0 {
		opts = append(opts, hdf5.WithShardURLs(shards...))
	}
	if *verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, hdf5.WithLogger(logger))
	}

	var (
		r   *hdf5.Reader
		err error
	)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		r, err = hdf5.OpenURL(ctx, target, opts...)
	} else {
		r, err = hdf5.Open(ctx, target, opts...)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", target, err)
		os.Exit(1)
	}
	defer r.Close()

	switch {
	case *attrsPath != "":
		printAttrs(r, *attrsPath)
	case *regionSpec != "":
		if err := printRegion(ctx, r, *regionSpec); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		printCatalog(r)
	}
}

func printCatalog(r *hdf5.Reader) {
	infos := r.Datasets()
	fmt.Printf("%d dataset(s)\n", len(infos))
	for _, info := range infos {
		dims := make([]string, len(info.Shape))
		for i, d := range info.Shape {
			dims[i] = fmt.Sprintf("%d", d)
		}
		line := fmt.Sprintf("  %s  %s [%s] %s", info.Path, info.DType, strings.Join(dims, "x"), info.Layout)
		if info.Chunked {
			cdims := make([]string, len(info.ChunkDims))
			for i, d := range info.ChunkDims {
				cdims[i] = fmt.Sprintf("%d", d)
			}
			line += fmt.Sprintf(" chunks=%s (%d expected)", strings.Join(cdims, "x"), info.NumChunks)
		}
		fmt.Println(line)
	}
}

func printAttrs(r *hdf5.Reader, path string) {
	attrs := r.Attributes(path)
	if attrs == nil {
		fmt.Printf("no attributes at %s\n", path)
		return
	}
	for name, val := range attrs {
		fmt.Printf("%s@%s = %v\n", path, name, val)
	}
}

func printRegion(ctx context.Context, r *hdf5.Reader, spec string) error {
	path, rect, ok := strings.Cut(spec, ":")
	var row, col, height, width uint64
	if !ok {
		return fmt.Errorf("region spec %q must be path:row,col,height,width", spec)
	}
	if _, err := fmt.Sscanf(rect, "%d,%d,%d,%d", &row, &col, &height, &width); err != nil {
		return fmt.Errorf("region spec %q: %w", spec, err)
	}

	d := r.FindByPath(path)
	if d == nil {
		return fmt.Errorf("no dataset matches %q", path)
	}

	start := time.Now()
	region, err := d.ReadRegion(ctx, row, col, height, width)
	if err != nil {
		return fmt.Errorf("reading region from %s: %w", d.Path(), err)
	}
	elapsed := time.Since(start)

	minV, maxV := math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range region.Data {
		f := float64(v)
		if f < minV {
			minV = f
		}
		if f > maxV {
			maxV = f
		}
		sum += f
	}

	bytes := uint64(len(region.Data)) * 4
	fmt.Printf("%s [%d:%d, %d:%d] -> %dx%d (%s decoded) in %s\n",
		d.Path(), row, row+height, col, col+width,
		region.Height, region.Width, humanize.Bytes(bytes), elapsed.Round(time.Millisecond))
	if len(region.Data) > 0 {
		fmt.Printf("  min=%g max=%g mean=%g\n", minV, maxV, sum/float64(len(region.Data)))
	}
	return nil
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
