package reconstruct

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/quantfeed/l2capture/internal/model"
)

// progressEvery is the row interval between progress log lines.
const progressEvery = 10_000

// ProcessFile replays a recorded CSV (or CSV.GZ) file through r and
// returns the number of data rows read. Unparseable rows are skipped and
// counted, never fatal; only I/O and archive corruption abort the pass.
func ProcessFile(path string, r *Reconstructor, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	var rows int64
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read %s: %w", path, err)
		}

		if first {
			first = false
			if len(record) > 0 && record[0] == "exchange" {
				continue // header
			}
		}
		rows++

		u, err := model.ParseL2Record(record)
		if err != nil {
			r.stats.SkippedRows++
			logger.Warn("skipping malformed row", "row", rows, "error", err)
			continue
		}
		r.Process(u)

		if rows%progressEvery == 0 {
			logger.Info("replay progress", "rows", rows)
		}
	}
	return rows, nil
}
