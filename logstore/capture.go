package logstore

import (
	"bytes"
	"sync"
)

// ExecutionWriter is the writer handle handed to tier handlers. Lines
// written to Stdout are captured at info level and lines written to Stderr
// at error level, attributed to the executing function.
type ExecutionWriter struct {
	agg        *Aggregator
	functionID string
	requestID  string

	mu     sync.Mutex
	stdout lineBuffer
	stderr lineBuffer
}

// Stdout returns the info-level capture channel.
func (w *ExecutionWriter) Stdout() *channelWriter {
	return &channelWriter{w: w, level: LevelInfo, buf: &w.stdout}
}

// Stderr returns the error-level capture channel.
func (w *ExecutionWriter) Stderr() *channelWriter {
	return &channelWriter{w: w, level: LevelError, buf: &w.stderr}
}

// channelWriter is an io.Writer that splits writes into lines and captures
// each completed line as one entry.
type channelWriter struct {
	w     *ExecutionWriter
	level Level
	buf   *lineBuffer
}

func (c *channelWriter) Write(p []byte) (int, error) {
	c.w.mu.Lock()
	lines := c.buf.push(p)
	c.w.mu.Unlock()

	for _, line := range lines {
		c.w.capture(c.level, line)
	}
	return len(p), nil
}

func (w *ExecutionWriter) capture(level Level, message string) {
	// Capture failures must not disturb the execution itself.
	_, err := w.agg.Capture(&Entry{
		FunctionID: w.functionID,
		RequestID:  w.requestID,
		Level:      level,
		Message:    message,
	})
	if err != nil {
		w.agg.logger.Warn("Execution log capture failed",
			"function_id", w.functionID, "error", err)
	}
}

// flush captures any buffered partial lines.
func (w *ExecutionWriter) flush() {
	w.mu.Lock()
	outRest := w.stdout.rest()
	errRest := w.stderr.rest()
	w.mu.Unlock()

	if outRest != "" {
		w.capture(LevelInfo, outRest)
	}
	if errRest != "" {
		w.capture(LevelError, errRest)
	}
}

// lineBuffer accumulates bytes and yields completed lines.
type lineBuffer struct {
	buf bytes.Buffer
}

func (b *lineBuffer) push(p []byte) []string {
	b.buf.Write(p)
	var lines []string
	for {
		data := b.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, string(bytes.TrimRight(data[:i], "\r")))
		b.buf.Next(i + 1)
	}
}

func (b *lineBuffer) rest() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// CaptureExecution runs fn with a writer handle that routes emitted lines
// into the log store, classified by channel. Buffered output is flushed on
// both normal and error exit, panics included.
func (a *Aggregator) CaptureExecution(functionID, requestID string, fn func(w *ExecutionWriter) error) error {
	w := &ExecutionWriter{agg: a, functionID: functionID, requestID: requestID}
	defer w.flush()
	return fn(w)
}
