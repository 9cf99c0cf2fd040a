package storage

import (
	"testing"
)

// BenchmarkAppend benchmarks single message appends into the write buffer.
func BenchmarkAppend(b *testing.B) {
	log, err := NewLog(b.TempDir(), DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	defer log.Close()

	payload := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := log.Append(&Message{Payload: payload}); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAppendBatchAndFlush benchmarks a 100 message batch followed by a
// flush, the shape of a SendMessages request under a short save interval.
func BenchmarkAppendBatchAndFlush(b *testing.B) {
	for _, compression := range []Compression{CompressionNone, CompressionSnappy} {
		b.Run(compression.String(), func(b *testing.B) {
			opts := DefaultOptions()
			opts.Compression = compression
			log, err := NewLog(b.TempDir(), opts)
			if err != nil {
				b.Fatal(err)
			}
			defer log.Close()

			const batchSize = 100
			payload := make([]byte, 1024)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				msgs := make([]*Message, batchSize)
				for j := range msgs {
					msgs[j] = &Message{Payload: payload}
				}
				if _, err := log.AppendBatch(msgs); err != nil {
					b.Fatal(err)
				}
				if _, err := log.Flush(false); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(float64(batchSize), "msgs/op")
		})
	}
}
