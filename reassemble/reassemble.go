// Package reassemble streams ordered disk-image parts into a single output
// file under a bounded chunk budget.
package reassemble

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"
)

// MissingPartError is returned when a manifest advertised N parts but part n
// was not produced by the download scheduler.
type MissingPartError struct {
	PartNum int
}

func (e *MissingPartError) Error() string {
	return fmt.Sprintf("reassemble: missing part %d", e.PartNum)
}

// progressGranularity is how many ticks (5% each) are logged across a full
// reassembly.
const progressGranularity = 20

// fsyncEveryNChunks caps dirty-page accumulation when memory is constrained.
const fsyncEveryNChunks = 10

// Source is one part to reassemble: its 1-based part number, the file it
// lives in (cache or staging; never mutated or deleted here), and whether
// its content is zstd-compressed (reserved; no current media type sets it).
type Source struct {
	PartNum    int
	Path       string
	Compressed bool
}

// ProgressFunc is invoked as bytes are written to the output file.
type ProgressFunc func(bytesDone, bytesTotal uint64)

// Reassemble writes totalParts ordered sources to outputPath, in chunks of
// chunkSize bytes. If memConstrained, the output is fsynced every 10 chunks.
// A final-size mismatch against expectedSize is logged as a warning, not
// returned as an error: parts may declare compressed sizes while the
// concatenation is raw.
func Reassemble(sources []Source, totalParts int, outputPath string, expectedSize uint64, chunkSize int, memConstrained bool, progress ProgressFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if progress == nil {
		progress = func(uint64, uint64) {}
	}
	if chunkSize <= 0 {
		chunkSize = 512 << 10
	}

	byPart := make(map[int]Source, len(sources))
	for _, s := range sources {
		byPart[s.PartNum] = s
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("reassemble: create %s: %w", outputPath, err)
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var running uint64
	lastTick := -1
	chunksSinceSync := 0

	for partNum := 1; partNum <= totalParts; partNum++ {
		src, ok := byPart[partNum]
		if !ok {
			return &MissingPartError{PartNum: partNum}
		}

		if err := copyPart(out, src, buf, &running, expectedSize, &lastTick, &chunksSinceSync, memConstrained, progress, logger); err != nil {
			return fmt.Errorf("reassemble: part %d: %w", partNum, err)
		}
	}

	info, err := out.Stat()
	if err != nil {
		return fmt.Errorf("reassemble: stat output: %w", err)
	}
	if uint64(info.Size()) != expectedSize { //nolint:gosec // file sizes are non-negative
		logger.Warn("reassembled disk size differs from expected",
			"outputPath", outputPath, "expected", expectedSize, "actual", info.Size())
	}
	return nil
}

func copyPart(out *os.File, src Source, buf []byte, running *uint64, expectedSize uint64, lastTick *int, chunksSinceSync *int, memConstrained bool, progress ProgressFunc, logger *slog.Logger) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if src.Compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			*running += uint64(n) //nolint:gosec // n is non-negative
			reportTick(*running, expectedSize, lastTick, progress, logger)

			*chunksSinceSync++
			if memConstrained && *chunksSinceSync >= fsyncEveryNChunks {
				if err := out.Sync(); err != nil {
					logger.Warn("fsync failed during reassembly", "error", err)
				}
				*chunksSinceSync = 0
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func reportTick(running, expected uint64, lastTick *int, progress ProgressFunc, logger *slog.Logger) {
	progress(running, expected)
	if expected == 0 {
		return
	}
	tick := int(running * progressGranularity / expected)
	if tick > *lastTick {
		*lastTick = tick
		logger.Info("reassembly progress", "percent", tick*100/progressGranularity, "bytes", running)
	}
}
