package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/config"
	"github.com/marmos91/dittoblk/pkg/engine"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/optimizer"
)

// runStats runs a self-check workload against a RAM device: it writes a mix
// of unique and duplicate blocks, reads everything back, trims a share of
// the addresses, runs an optimizer pass and prints the resulting statistics.
func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	blocks := fs.Int("blocks", 1024, "Number of logical blocks to write")
	dupRatio := fs.Float64("dup-ratio", 0.5, "Share of writes repeating earlier content")
	blockSize := fs.Int("block-size", engine.DefaultBlockSize, "Logical block size")
	capacity := fs.String("capacity", "64MiB", "RAM device capacity")
	algorithm := fs.String("compression", "lz4", "Compression algorithm (none, lz4, zstd, gzip, snappy)")
	hashAlg := fs.String("hash", "sha256", "Hash algorithm (sha256, blake3)")
	seed := fs.Int64("seed", 1, "Workload random seed")
	logLevel := fs.String("log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger.SetLevel(*logLevel)

	cfg := config.GetDefaultConfig()
	cfg.Engine.BlockSize = *blockSize
	cfg.Engine.HashAlgorithm = *hashAlg
	cfg.Device.Capacity = *capacity
	cfg.Compression.Algorithm = *algorithm
	cfg.Compression.Enabled = *algorithm != "none"
	cfg.Optimizer.Enabled = false
	// Reclaim trimmed blocks on the optimizer pass
	cfg.Optimizer.GraceWindow = 0
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := config.CreateEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if err := eng.Open(ctx); err != nil {
		_, _ = eng.Shutdown(ctx)
		return err
	}

	start := time.Now()
	optStats, werr := selfCheck(ctx, eng, *blocks, *dupRatio, *seed)
	elapsed := time.Since(start)

	snap := eng.Stats()
	report, serr := eng.Shutdown(ctx)
	if werr != nil {
		return werr
	}
	if serr != nil {
		return serr
	}

	printSnapshot(snap, optStats, elapsed)
	if len(report.Lost) > 0 {
		return fmt.Errorf("%d writes lost at shutdown", len(report.Lost))
	}
	return nil
}

// selfCheck drives the workload and verifies every read.
func selfCheck(ctx context.Context, eng *engine.Engine, n int, dupRatio float64, seed int64) (*optimizer.Stats, error) {
	rng := rand.New(rand.NewSource(seed))
	size := eng.BlockSize()
	written := make([][]byte, n)

	for lba := 0; lba < n; lba++ {
		var data []byte
		if lba > 0 && rng.Float64() < dupRatio {
			data = written[rng.Intn(lba)]
		} else {
			data = make([]byte, size)
			// Half random, half zero: compressible but unique
			rng.Read(data[:size/2])
		}
		written[lba] = data
		if err := eng.Write(ctx, uint64(lba), data, engine.WriteOptions{}); err != nil {
			return nil, fmt.Errorf("write lba %d: %w", lba, err)
		}
	}

	if err := eng.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	for lba := 0; lba < n; lba++ {
		got, err := eng.Read(ctx, uint64(lba), engine.ReadOptions{})
		if err != nil {
			return nil, fmt.Errorf("read lba %d: %w", lba, err)
		}
		if !bytes.Equal(got, written[lba]) {
			return nil, fmt.Errorf("lba %d: content mismatch", lba)
		}
	}

	for lba := 0; lba < n; lba += 4 {
		if err := eng.Delete(ctx, uint64(lba)); err != nil {
			return nil, fmt.Errorf("delete lba %d: %w", lba, err)
		}
	}

	return eng.Optimize(ctx)
}

func printSnapshot(snap monitor.Snapshot, opt *optimizer.Stats, elapsed time.Duration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Workload time\t%v\n", elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Blocks written\t%d\n", snap.TotalBlocks)
	_, _ = fmt.Fprintf(w, "Unique blocks\t%d\n", snap.UniqueBlocks)
	_, _ = fmt.Fprintf(w, "Duplicate blocks\t%d\n", snap.DuplicateBlocks)
	_, _ = fmt.Fprintf(w, "Dedup ratio\t%.2f%%\n", snap.DedupRatio()*100)
	_, _ = fmt.Fprintf(w, "Space saved\t%s\n", units.BytesSize(float64(snap.SpaceSaved)))
	_, _ = fmt.Fprintf(w, "Compression saved\t%s\n", units.BytesSize(float64(snap.CompressionSaved)))
	_, _ = fmt.Fprintf(w, "Stored\t%s\n", units.BytesSize(float64(snap.StoredBytes)))
	_, _ = fmt.Fprintf(w, "Space efficiency\t%.2f%%\n", snap.SpaceEfficiency()*100)
	_, _ = fmt.Fprintf(w, "Hash computations\t%d\n", snap.HashComputations)
	_, _ = fmt.Fprintf(w, "Reclaimed blocks\t%d\n", snap.ReclaimedBlocks)
	_, _ = fmt.Fprintf(w, "Reads / writes / deletes\t%d / %d / %d\n", snap.Reads, snap.Writes, snap.Deletes)
	_, _ = fmt.Fprintf(w, "Errors\t%d\n", snap.Errors)
	_, _ = fmt.Fprintf(w, "Read latency (mean/p99)\t%v / %v\n", snap.ReadLatency.Mean(), snap.ReadLatency.Quantile(0.99))
	_, _ = fmt.Fprintf(w, "Write latency (mean/p99)\t%v / %v\n", snap.WriteLatency.Mean(), snap.WriteLatency.Quantile(0.99))
	_, _ = fmt.Fprintf(w, "Cache hit ratio\t%.2f%%\n", snap.CacheHitRatio()*100)
	for _, t := range snap.Tiers {
		if !t.Enabled {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s\thits=%d misses=%d entries=%d evictions=%d\n",
			t.Level, t.Hits, t.Misses, t.Entries, t.Evictions)
	}
	if opt != nil {
		_, _ = fmt.Fprintf(w, "Optimizer\t%s\n", opt.Summary())
	}
}
