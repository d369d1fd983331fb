// Bench is a benchmarking tool for measuring corpus load time, index build
// time, query latency and memory usage.
//
// Usage:
//
//	go run ./cmd/bench --keys 10000000 --compress zstd --mmap
//
// Flags:
//
//	--keys       Number of identifiers to index (default: 10,000,000)
//	--compress   Corpus compression: none, gzip, zstd or lz4 (default: none)
//	--mmap       Memory-map the corpus while loading (default: false)
//	--network    Also measure queries through a loopback server (default: false)
//	--batch      Identifiers per network QUERY line (default: 1024)
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/spf13/pflag"

	"github.com/tamirms/digestindex"
	"github.com/tamirms/digestindex/client"
	"github.com/tamirms/digestindex/server"
)

// getMaxRSS returns the maximum resident set size in bytes.
// Uses getrusage(RUSAGE_SELF) which tracks peak RSS since process start.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024
	}
	return maxRSS
}

// syntheticIdentifier derives the i-th identifier from a 128-bit murmur3
// hash, which has the same width and spread as an MD5 digest.
func syntheticIdentifier(i uint64, seed uint32) digestindex.Identifier {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], i)
	h1, h2 := murmur3.Sum128WithSeed(buf[:], seed)
	var id digestindex.Identifier
	binary.BigEndian.PutUint64(id[:8], h1)
	binary.BigEndian.PutUint64(id[8:], h2)
	return id
}

// writeCorpus writes ids as a text corpus to path, compressed as kind.
func writeCorpus(path, kind string, ids []digestindex.Identifier) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	zw, err := digestindex.NewCompressor(bw, kind)
	if err != nil {
		return err
	}
	line := make([]byte, 0, digestindex.IdentifierLen+1)
	for _, id := range ids {
		line, _ = id.AppendText(line[:0])
		line = append(line, '\n')
		if _, err := zw.Write(line); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func main() {
	flagSet := pflag.NewFlagSet("bench", pflag.ExitOnError)
	keysFlag := flagSet.Int("keys", 10_000_000, "number of identifiers")
	compressFlag := flagSet.String("compress", digestindex.CompressionNone, "corpus compression: none, gzip, zstd, lz4")
	mmapFlag := flagSet.Bool("mmap", false, "memory-map the corpus while loading")
	networkFlag := flagSet.Bool("network", false, "also measure queries through a loopback server")
	batchFlag := flagSet.Int("batch", 1024, "identifiers per network QUERY line")
	cpuprofile := flagSet.String("cpuprofile", "", "write cpu profile to file (load and build phase only)")
	memprofile := flagSet.String("memprofile", "", "write memory profile to file (after build)")
	_ = flagSet.Parse(os.Args[1:])

	numKeys := *keysFlag
	if numKeys < 1 {
		fmt.Println("--keys must be positive")
		return
	}

	fmt.Println("Generating identifiers...")
	seed := mrand.Uint32()
	hashStart := time.Now()
	keys := make([]digestindex.Identifier, numKeys)
	for i := range keys {
		keys[i] = syntheticIdentifier(uint64(i), seed)
	}
	hashDuration := time.Since(hashStart)

	tmpDir, err := os.MkdirTemp("", "bench-")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		return
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	corpusPath := filepath.Join(tmpDir, "hashes.txt")

	fmt.Println("Writing corpus...")
	if err := writeCorpus(corpusPath, *compressFlag, keys); err != nil {
		fmt.Printf("Writing corpus failed: %v\n", err)
		return
	}
	info, _ := os.Stat(corpusPath)

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	baselineRSS := getMaxRSS()

	// 10ms sampling for peak memory (both heap and RSS).
	// Uses runtime/metrics instead of ReadMemStats to avoid stop-the-world pauses.
	var peakAlloc atomic.Uint64
	var peakRSS atomic.Uint64
	peakAlloc.Store(baseline.Alloc)
	peakRSS.Store(baselineRSS)
	done := make(chan struct{})
	go func() {
		samples := []metrics.Sample{
			{Name: "/memory/classes/heap/objects:bytes"},
		}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				heapBytes := samples[0].Value.Uint64()
				for {
					old := peakAlloc.Load()
					if heapBytes <= old || peakAlloc.CompareAndSwap(old, heapBytes) {
						break
					}
				}
				rss := getMaxRSS()
				for {
					old := peakRSS.Load()
					if rss <= old || peakRSS.CompareAndSwap(old, rss) {
						break
					}
				}
			}
		}
	}()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Printf("could not create CPU profile: %v\n", err)
			return
		}
		defer func() { _ = f.Close() }()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Printf("could not start CPU profile: %v\n", err)
			return
		}
	}

	fmt.Println("Loading corpus...")
	loadOpts := []digestindex.LoadOption{digestindex.WithCapacityHint(numKeys)}
	if *mmapFlag {
		loadOpts = append(loadOpts, digestindex.WithMmap())
	}
	loadStart := time.Now()
	ids, stats, err := digestindex.LoadFile(corpusPath, loadOpts...)
	loadDuration := time.Since(loadStart)
	if err != nil {
		close(done)
		fmt.Printf("Load failed: %v\n", err)
		return
	}

	fmt.Println("Building index...")
	buildStart := time.Now()
	idx, err := digestindex.Build(ids)
	buildDuration := time.Since(buildStart)

	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Printf("could not create memory profile: %v\n", err)
		} else {
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Printf("could not write memory profile: %v\n", err)
			}
			_ = f.Close()
		}
	}

	close(done)

	var final runtime.MemStats
	runtime.ReadMemStats(&final)
	if final.Alloc > peakAlloc.Load() {
		peakAlloc.Store(final.Alloc)
	}
	finalRSS := getMaxRSS()
	if finalRSS > peakRSS.Load() {
		peakRSS.Store(finalRSS)
	}
	peakHeapMem := peakAlloc.Load() - baseline.Alloc
	peakRSSMem := peakRSS.Load() - baselineRSS

	if err != nil {
		fmt.Printf("Build failed: %v\n", err)
		return
	}

	// Misses come from a different seed; a collision with a hit is
	// astronomically unlikely at 128 bits.
	misses := make([]digestindex.Identifier, min(numKeys, 100_000))
	for i := range misses {
		misses[i] = syntheticIdentifier(uint64(i), seed+1)
	}
	queryOrder := mrand.Perm(numKeys)

	fmt.Println("Warming up queries...")
	for i := 0; i < 10000; i++ {
		_ = idx.Contains(keys[queryOrder[i%numKeys]])
	}

	fmt.Println("Benchmarking queries...")
	numQueries := 100000
	hitStart := time.Now()
	for i := 0; i < numQueries; i++ {
		if !idx.Contains(keys[queryOrder[i%numKeys]]) {
			fmt.Printf("Identifier %s missing from index\n", keys[queryOrder[i%numKeys]])
			return
		}
	}
	hitLatency := float64(time.Since(hitStart).Nanoseconds()) / float64(numQueries) / 1000

	missStart := time.Now()
	for i := 0; i < numQueries; i++ {
		_ = idx.Contains(misses[i%len(misses)])
	}
	missLatency := float64(time.Since(missStart).Nanoseconds()) / float64(numQueries) / 1000

	var networkRate float64
	if *networkFlag {
		fmt.Println("Benchmarking loopback server...")
		networkRate, err = benchNetwork(idx, keys, queryOrder, *batchFlag)
		if err != nil {
			fmt.Printf("Network benchmark failed: %v\n", err)
			return
		}
	}

	mode := "stream"
	if stats.Mmap {
		mode = "mmap"
	}
	idxStats := idx.Stats()

	fmt.Printf("\n")
	fmt.Printf("╔═════════════════════╦════════════════╦══════════════════╗\n")
	fmt.Printf("║ Load: %-14s║ Codec: %-7s ║                  ║\n", mode, stats.Compression)
	fmt.Printf("╠═════════════════════╬════════════════╬══════════════════╣\n")
	fmt.Printf("║ Metric              ║ Value          ║ Target           ║\n")
	fmt.Printf("╠═════════════════════╬════════════════╬══════════════════╣\n")
	fmt.Printf("║ Identifiers         ║ %10d     ║ -                ║\n", idxStats.NumIdentifiers)
	fmt.Printf("║ Corpus size         ║ %6.1f MB      ║ -                ║\n", float64(info.Size())/1_000_000)
	fmt.Printf("║ Index size          ║ %6.1f MB      ║ 16 bytes/key     ║\n", float64(idxStats.MemoryBytes)/1_000_000)
	fmt.Printf("║ Hit latency         ║ %6.3f μs      ║ -                ║\n", hitLatency)
	fmt.Printf("║ Miss latency        ║ %6.3f μs      ║ -                ║\n", missLatency)
	if *networkFlag {
		fmt.Printf("║ Network queries     ║ %6.2f M/sec   ║ batch %-10d ║\n", networkRate/1_000_000, *batchFlag)
	}
	fmt.Printf("║ Load time           ║ %6.2f sec     ║ -                ║\n", loadDuration.Seconds())
	fmt.Printf("║ Load throughput     ║ %6.2f M/sec   ║ -                ║\n", float64(numKeys)/loadDuration.Seconds()/1_000_000)
	fmt.Printf("║ Build time          ║ %6.2f sec     ║ -                ║\n", buildDuration.Seconds())
	fmt.Printf("║ Build throughput    ║ %6.2f M/sec   ║ -                ║\n", float64(numKeys)/buildDuration.Seconds()/1_000_000)
	fmt.Printf("║ Hash time           ║ %6.2f sec     ║ -                ║\n", hashDuration.Seconds())
	fmt.Printf("║ Total (load+build)  ║ %6.2f sec     ║ -                ║\n", (loadDuration + buildDuration).Seconds())
	fmt.Printf("║ Peak heap memory    ║ %6.1f MB      ║ -                ║\n", float64(peakHeapMem)/1_000_000)
	fmt.Printf("║ Peak RSS memory     ║ %6.1f MB      ║ -                ║\n", float64(peakRSSMem)/1_000_000)
	fmt.Printf("╚═════════════════════╩════════════════╩══════════════════╝\n")
}

// benchNetwork serves idx on a loopback port and returns identifiers
// answered per second through the client.
func benchNetwork(idx *digestindex.Index, keys []digestindex.Identifier, order []int, batch int) (float64, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(idx, server.Config{})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	c, err := client.Dial(ctx, ln.Addr().String(), client.WithBatchSize(batch))
	if err != nil {
		return 0, err
	}

	n := min(len(keys), 1_000_000)
	query := make([]digestindex.Identifier, n)
	for i := range query {
		query[i] = keys[order[i]]
	}

	start := time.Now()
	found, err := c.Query(ctx, query)
	elapsed := time.Since(start)
	if err != nil {
		return 0, err
	}
	for i, ok := range found {
		if !ok {
			return 0, fmt.Errorf("identifier %s missing over the network", query[i])
		}
	}

	if err := c.Close(); err != nil {
		return 0, err
	}
	cancel()
	if err := <-serveErr; err != nil {
		return 0, err
	}
	return float64(n) / elapsed.Seconds(), nil
}
