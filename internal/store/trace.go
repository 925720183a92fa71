package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// TraceEntry is one progress record of a relaxation.
// Each entry is serialized as a JSON line in the trace file.
type TraceEntry struct {
	// Iteration is the record index
	Iteration int `json:"iteration"`

	Energy float64 `json:"energy"`
	Fmax   float64 `json:"fmax"`

	// NCalls is the number of model evaluations so far
	NCalls int `json:"ncalls"`

	// Timestamp records when this trace entry was created
	Timestamp time.Time `json:"timestamp"`

	// Positions are the flat coordinates (optional, can be nil to save space)
	Positions []float64 `json:"positions,omitempty"`
}

// Compression selects how trace files are compressed
type Compression uint8

const (
	// CompressionNone writes plain JSONL
	CompressionNone Compression = iota
	// CompressionZstd favours ratio; appending adds a new zstd frame
	CompressionZstd
	// CompressionLZ4 favours speed; LZ4 traces cannot be appended to
	CompressionLZ4
)

const traceFile = "trace.jsonl"

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "zstd" or "lz4".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q (want none, zstd or lz4)", s)
	}
}

func (c Compression) fileName() string {
	switch c {
	case CompressionZstd:
		return traceFile + ".zst"
	case CompressionLZ4:
		return traceFile + ".lz4"
	default:
		return traceFile
	}
}

// TraceWriter writes trace entries to a JSONL file, optionally compressed.
// It uses buffered I/O and is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	codec  io.WriteCloser // nil when uncompressed
	writer *bufio.Writer
	path   string
}

// NewTraceWriter creates a trace writer for the given job at
// <baseDir>/jobs/<jobID>/trace.jsonl[.zst|.lz4]. If append is true, new
// entries are added to an existing trace.
func NewTraceWriter(baseDir, jobID string, append bool, compression Compression) (*TraceWriter, error) {
	if append && compression == CompressionLZ4 {
		return nil, errors.New("lz4 traces cannot be appended to")
	}

	jobDir := filepath.Join(baseDir, "jobs", jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	path := filepath.Join(jobDir, compression.fileName())

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	tw := &TraceWriter{file: file, path: path}
	var sink io.Writer = file
	switch compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		tw.codec, sink = enc, enc
	case CompressionLZ4:
		enc := lz4.NewWriter(file)
		tw.codec, sink = enc, enc
	}
	tw.writer = bufio.NewWriterSize(sink, 64*1024) // 64KB buffer
	return tw, nil
}

// Write appends a trace entry.
// The entry is buffered and will be written on Flush() or Close().
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

type flusher interface {
	Flush() error
}

// Flush writes buffered entries through the compressor and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if f, ok := tw.codec.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush trace compressor: %w", err)
		}
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered data, ends the compressed frame and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close() // Try to close anyway
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if tw.codec != nil {
		if err := tw.codec.Close(); err != nil {
			tw.file.Close()
			return fmt.Errorf("failed to finish compressed trace: %w", err)
		}
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries written by TraceWriter.
type TraceReader struct {
	file    *os.File
	zstd    *zstd.Decoder
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of the given job, whichever compression it
// was written with.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	jobDir := filepath.Join(baseDir, "jobs", jobID)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		file, err := os.Open(filepath.Join(jobDir, c.fileName()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}

		tr := &TraceReader{file: file}
		var src io.Reader = file
		switch c {
		case CompressionZstd:
			dec, err := zstd.NewReader(file)
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
			tr.zstd, src = dec, dec
		case CompressionLZ4:
			src = lz4.NewReader(file)
		}

		tr.scanner = bufio.NewScanner(src)
		// Set larger buffer for long lines (if positions are included)
		tr.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		return tr, nil
	}
	return nil, &NotFoundError{JobID: jobID}
}

// Read reads the next trace entry.
// Returns io.EOF when no more entries are available.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads all remaining trace entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if tr.zstd != nil {
		tr.zstd.Close()
	}
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace files of the given job.
// Returns nil if there are none.
func DeleteTrace(baseDir, jobID string) error {
	jobDir := filepath.Join(baseDir, "jobs", jobID)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		err := os.Remove(filepath.Join(jobDir, c.fileName()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete trace file: %w", err)
		}
	}
	return nil
}
