package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for batch submissions.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteOutcome(ctx context.Context, rec *OutcomeRecord) error
	WriteResult(ctx context.Context, rec *ResultRecord) error
	WriteReconcile(ctx context.Context, rec *ReconcileRecord) error
	WriteLog(ctx context.Context, rec *LogRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w       io.Writer
	batchID string
	backend string
	mu      sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// batchID may be empty for commands that are not part of a batch.
func NewJSONLWriter(w io.Writer, batchID, backendURL string) *JSONLWriter {
	return &JSONLWriter{
		w:       w,
		batchID: batchID,
		backend: backendURL,
	}
}

// SetBatchID sets the correlation ID for subsequent records.
func (jw *JSONLWriter) SetBatchID(id string) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.batchID = id
}

// WriteOutcome emits an outcome record.
func (jw *JSONLWriter) WriteOutcome(ctx context.Context, rec *OutcomeRecord) error {
	return jw.writeRecord(ctx, TypeOutcome, rec)
}

// WriteResult emits a stored result record.
func (jw *JSONLWriter) WriteResult(ctx context.Context, rec *ResultRecord) error {
	return jw.writeRecord(ctx, TypeResult, rec)
}

// WriteReconcile emits a reconciliation record.
func (jw *JSONLWriter) WriteReconcile(ctx context.Context, rec *ReconcileRecord) error {
	return jw.writeRecord(ctx, TypeReconcile, rec)
}

// WriteLog emits a log line record.
func (jw *JSONLWriter) WriteLog(ctx context.Context, rec *LogRecord) error {
	return jw.writeRecord(ctx, TypeLog, rec)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line under the
// mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		BatchID: jw.batchID,
		Backend: jw.backend,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, looping over short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
