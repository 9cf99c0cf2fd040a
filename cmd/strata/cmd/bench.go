package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"strata/pkg/client"
)

var (
	benchBatchSize   int
	benchBatches     int
	benchConcurrency int
	benchMessageSize int
	benchTimeout     time.Duration
)

// benchResult holds the statistics of one benchmark run.
type benchResult struct {
	TotalMessages int64
	Duration      time.Duration
	SuccessCount  int64
	ErrorCount    int64
	AvgLatency    time.Duration
}

func (r benchResult) messagesPerSecond() float64 {
	return float64(r.SuccessCount) / r.Duration.Seconds()
}

var benchCmd = &cobra.Command{
	Use:   "bench STREAM TOPIC",
	Short: "Measure send throughput against a running broker",
	Long: `Send --batches batches of --batch messages to an existing topic from
--concurrency connections and report throughput and latency.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchConcurrency < 1 || benchBatchSize < 1 || benchBatches < 1 {
			return fmt.Errorf("--batch, --batches and --concurrency must be positive")
		}
		if addressFlag == "" {
			// Resolve the configured address once for every worker.
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			c.Close()
		}

		out := cmd.OutOrStdout()
		rule := strings.Repeat("=", 79)
		fmt.Fprintln(out, rule)
		fmt.Fprintln(out, "STRATA BENCHMARK")
		fmt.Fprintln(out, rule)
		fmt.Fprintf(out, "Address:     %s\n", addressFlag)
		fmt.Fprintf(out, "Topic:       %s/%s\n", args[0], args[1])
		fmt.Fprintf(out, "Batch Size:  %d messages\n", benchBatchSize)
		fmt.Fprintf(out, "Batches:     %d\n", benchBatches)
		fmt.Fprintf(out, "Concurrency: %d connections\n", benchConcurrency)
		fmt.Fprintf(out, "Msg Size:    %s\n", bytefmt.ByteSize(uint64(benchMessageSize)))

		result, err := runBench(cmd.Context(), out, args[0], args[1])
		if err != nil {
			return err
		}

		fmt.Fprintln(out, rule)
		fmt.Fprintf(out, "Total Messages:     %d\n", result.TotalMessages)
		fmt.Fprintf(out, "Total Duration:     %.2fs\n", result.Duration.Seconds())
		fmt.Fprintf(out, "Success Count:      %d\n", result.SuccessCount)
		fmt.Fprintf(out, "Error Count:        %d\n", result.ErrorCount)
		fmt.Fprintf(out, "Throughput:         %.0f msg/sec\n", result.messagesPerSecond())
		fmt.Fprintf(out, "Throughput:         %s/sec\n",
			bytefmt.ByteSize(uint64(result.messagesPerSecond()*float64(benchMessageSize))))
		fmt.Fprintf(out, "Avg Latency:        %s\n", result.AvgLatency.Round(time.Microsecond))
		fmt.Fprintln(out, rule)
		return nil
	},
}

func runBench(ctx context.Context, progress io.Writer, stream, topic string) (benchResult, error) {
	payload := make([]byte, benchMessageSize)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}
	batch := make([][]byte, benchBatchSize)
	for i := range batch {
		batch[i] = payload
	}

	clients := make([]*client.Client, benchConcurrency)
	for i := range clients {
		cfg := client.DefaultConfig(addressFlag)
		cfg.RequestTimeout = benchTimeout
		c, err := client.New(ctx, cfg)
		if err != nil {
			for _, open := range clients[:i] {
				open.Close()
			}
			return benchResult{}, err
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	var (
		wg           sync.WaitGroup
		successCount atomic.Int64
		errorCount   atomic.Int64
		totalLatency atomic.Int64
		next         atomic.Int64
	)

	start := time.Now()
	for w, c := range clients {
		wg.Add(1)
		go func(worker int, c *client.Client) {
			defer wg.Done()
			sent := 0
			for next.Add(1) <= int64(benchBatches) {
				batchStart := time.Now()
				_, err := c.Send(ctx, stream, topic, batch)
				totalLatency.Add(int64(time.Since(batchStart)))
				if err != nil {
					errorCount.Add(int64(benchBatchSize))
					continue
				}
				successCount.Add(int64(benchBatchSize))
				sent++
				if sent%10 == 0 {
					fmt.Fprintf(progress, "Worker %d: %d batches sent\n", worker, sent)
				}
			}
		}(w, c)
	}
	wg.Wait()

	return benchResult{
		TotalMessages: int64(benchBatches) * int64(benchBatchSize),
		Duration:      time.Since(start),
		SuccessCount:  successCount.Load(),
		ErrorCount:    errorCount.Load(),
		AvgLatency:    time.Duration(totalLatency.Load() / int64(benchBatches)),
	}, nil
}

func init() {
	benchCmd.Flags().StringVarP(&addressFlag, "address", "a", "",
		"Broker TCP address (defaults to tcp.address from the configuration)")
	benchCmd.Flags().DurationVar(&benchTimeout, "timeout", 30*time.Second, "Request timeout")
	benchCmd.Flags().IntVar(&benchBatchSize, "batch", 1000, "Messages per batch")
	benchCmd.Flags().IntVar(&benchBatches, "batches", 100, "Number of batches to send")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 4, "Number of parallel connections")
	benchCmd.Flags().IntVar(&benchMessageSize, "size", 256, "Message payload size in bytes")
}
