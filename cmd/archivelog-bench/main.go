// Package main provides a load generator that appends to the storage
// operation log from many goroutines while rotating it, and checks that
// every appended entry ends up in exactly one segment.
//
// Usage:
//
//	archivelog-bench --dir /tmp/archivelog-bench --tenants 4 --appenders 8 --duration 30s --rotate 500ms
package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/archivelog/archivelog/pkg/storagelog"
)

func main() {
	dir := pflag.String("dir", "", "Log directory (default: a fresh temporary directory)")
	tenants := pflag.Int("tenants", 4, "Number of tenants")
	appenders := pflag.Int("appenders", 8, "Concurrent appenders per tenant")
	duration := pflag.Duration("duration", 10*time.Second, "Test duration")
	rotateEvery := pflag.Duration("rotate", 500*time.Millisecond, "Rotation interval per tenant (0 disables)")
	payload := pflag.Int("payload", 128, "Bytes of padding per entry")
	pflag.Parse()

	root := *dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "archivelog-bench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	ids := make([]int, *tenants)
	for i := range ids {
		ids[i] = i
	}
	svc, err := storagelog.Open(storagelog.Options{Dir: root, Tenants: ids})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("archivelog Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Directory:  %s\n", root)
	fmt.Printf("Tenants:    %d\n", *tenants)
	fmt.Printf("Appenders:  %d per tenant\n", *appenders)
	fmt.Printf("Duration:   %s\n", *duration)
	fmt.Printf("Rotate:     %s\n", *rotateEvery)
	fmt.Printf("Payload:    %d B\n", *payload)
	fmt.Printf("-----------------------------------\n\n")

	var (
		totalOps    atomic.Int64
		totalErrors atomic.Int64
		rotations   atomic.Int64
		latMu       sync.Mutex
		latencies   []int64
		segMu       sync.Mutex
		segments    []storagelog.LogInformation
	)
	padding := strings.Repeat("x", *payload)
	start := time.Now()
	stop := make(chan struct{})

	var rotWG sync.WaitGroup
	if *rotateEvery > 0 {
		for _, tenant := range ids {
			rotWG.Add(1)
			go func() {
				defer rotWG.Done()
				ticker := time.NewTicker(*rotateEvery)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						infos, err := svc.Rotate(tenant, storagelog.Write)
						if err != nil {
							totalErrors.Add(1)
							continue
						}
						rotations.Add(1)
						segMu.Lock()
						segments = append(segments, infos...)
						segMu.Unlock()
					}
				}
			}()
		}
	}

	var wg sync.WaitGroup
	for _, tenant := range ids {
		for worker := range *appenders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var localLats []int64
				for seq := 0; time.Since(start) < *duration; seq++ {
					entry := storagelog.NewLogEntry(
						storagelog.Field{Key: "worker", Value: worker},
						storagelog.Field{Key: "seq", Value: seq},
						storagelog.Field{Key: "pad", Value: padding},
					)
					opStart := time.Now()
					if err := svc.AppendWriteLog(tenant, entry); err != nil {
						totalErrors.Add(1)
						continue
					}
					localLats = append(localLats, time.Since(opStart).Nanoseconds())
					totalOps.Add(1)
				}
				latMu.Lock()
				latencies = append(latencies, localLats...)
				latMu.Unlock()
			}()
		}
	}

	wg.Wait()
	close(stop)
	rotWG.Wait()
	elapsed := time.Since(start)

	// Detach whatever the active segments still hold.
	for _, tenant := range ids {
		infos, err := svc.Rotate(tenant, storagelog.Write)
		if err != nil {
			totalErrors.Add(1)
			continue
		}
		segments = append(segments, infos...)
	}
	if err := svc.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing storage log: %v\n", err)
	}

	var stored, segBytes int64
	for _, seg := range segments {
		n, err := countLines(seg.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", seg.Path, err)
			totalErrors.Add(1)
			continue
		}
		stored += n
		segBytes += seg.Size
	}

	ops := totalOps.Load()
	var avgLatUs, p50LatUs, p95LatUs, p99LatUs float64
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum int64
		for _, l := range latencies {
			sum += l
		}
		avgLatUs = float64(sum) / float64(len(latencies)) / 1e3
		p50LatUs = float64(percentile(latencies, 50)) / 1e3
		p95LatUs = float64(percentile(latencies, 95)) / 1e3
		p99LatUs = float64(percentile(latencies, 99)) / 1e3
	}

	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Appends:     %d\n", ops)
	fmt.Printf("Appends/s:   %.0f\n", float64(ops)/elapsed.Seconds())
	fmt.Printf("Rotations:   %d\n", rotations.Load())
	fmt.Printf("Segments:    %d (%s)\n", len(segments), humanBytes(segBytes))
	fmt.Printf("Stored:      %d entries\n", stored)
	fmt.Printf("Errors:      %d\n", totalErrors.Load())
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Latency:\n")
	fmt.Printf("  Average:   %.1f us\n", avgLatUs)
	fmt.Printf("  P50:       %.1f us\n", p50LatUs)
	fmt.Printf("  P95:       %.1f us\n", p95LatUs)
	fmt.Printf("  P99:       %.1f us\n", p99LatUs)
	fmt.Printf("-----------------------------------\n")

	if stored != ops {
		fmt.Fprintf(os.Stderr, "LOST ENTRIES: appended %d, found %d in segments\n", ops, stored)
		os.Exit(1)
	}
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var n int64
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}
