package transcript

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ReadResult is one batch of newly appended records.
type ReadResult struct {
	Records   []*Record
	NewOffset int64
	// Lines counts complete lines consumed, malformed ones included.
	Lines int
	// Skipped counts malformed lines dropped with a warning.
	Skipped int
	// Truncated is set when the file shrank below the requested offset and
	// the read restarted from the beginning.
	Truncated bool
}

// ReadNewLines reads complete newline-terminated records starting at offset.
// A trailing partial line is left unconsumed; the returned offset stops
// before it. A file shorter than offset means rotation or truncation, and
// the read restarts at zero.
func ReadNewLines(path string, offset int64) (*ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat session file: %w", err)
	}

	res := &ReadResult{NewOffset: offset}
	if info.Size() < offset {
		slog.Warn("session file truncated, restarting from start", "path", path, "size", info.Size(), "offset", offset)
		offset = 0
		res.Truncated = true
		res.NewOffset = 0
	}
	if info.Size() == offset {
		return res, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek session file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	pos := 0
	for {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			break
		}
		line := data[pos : pos+nl]
		pos += nl + 1
		res.Lines++
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		rec := ParseRecord(trimmed)
		if rec == nil {
			res.Skipped++
			slog.Warn("skipping malformed transcript line", "path", path, "offset", offset+int64(pos-nl-1))
			continue
		}
		res.Records = append(res.Records, rec)
	}
	res.NewOffset = offset + int64(pos)
	return res, nil
}

// SeekToLastNLines returns the byte offset of the start of the n-th line from
// the end of the file, walking backward in fixed-size chunks. Used for
// catch-up previews that only need the transcript tail.
func SeekToLastNLines(path string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat session file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	// Ignore a trailing newline so the last line counts once.
	pos := size
	if pos > 0 {
		pos--
	}
	newlines := 0
	for pos > 0 {
		readFrom := pos - chunk
		if readFrom < 0 {
			readFrom = 0
		}
		length := pos - readFrom
		if _, err := f.ReadAt(buf[:length], readFrom); err != nil && err != io.EOF {
			return 0, fmt.Errorf("read session file: %w", err)
		}
		for i := length - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				newlines++
				if newlines >= n {
					return readFrom + int64(i) + 1, nil
				}
			}
		}
		pos = readFrom
	}
	return 0, nil
}
