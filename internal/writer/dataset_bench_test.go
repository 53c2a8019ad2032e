package writer

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lamim/distillforge/pkg/models"
)

// BenchmarkWriteRecord measures the commit path at the fsync intervals a run
// is typically configured with.
func BenchmarkWriteRecord(b *testing.B) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	record := models.Record{
		"text":   "What is the boiling point of water at sea level?",
		"output": "Water boils at 100 degrees Celsius (212 °F) at standard atmospheric pressure.",
		"label":  "science",
	}

	for _, interval := range []int{1, models.DefaultFsyncInterval, 1000} {
		b.Run(fmt.Sprintf("fsync_every_%d", interval), func(b *testing.B) {
			dw, err := NewDatasetWriter(filepath.Join(b.TempDir(), DatasetFile), -1, interval, logger)
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { _ = dw.Close() })

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := dw.WriteRecord(record); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(float64(dw.Size())/float64(b.N), "bytes/record")
		})
	}
}
