// Package records appends pipeline records to JSON Lines files and reads them back.
package records

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds one record when reading.
const maxLineBytes = 8 << 20

// Appender writes one JSON document per line. Each Append is flushed and
// synced so a crash loses at most the line being written.
type Appender struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenAppender opens path for appending, creating parent directories.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create record dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open record file %s: %w", path, err)
	}
	return &Appender{path: path, file: f}, nil
}

// Path returns the file path.
func (a *Appender) Path() string {
	return a.path
}

// Append encodes v and writes it as one line.
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", a.path, err)
	}
	line = append(line, '\n')
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("record file %s is closed", a.path)
	}
	if _, err := a.file.Write(line); err != nil {
		return fmt.Errorf("append record to %s: %w", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	return nil
}

// Close closes the file. It is safe to call twice.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", a.path, err)
	}
	return nil
}

// ReadAll decodes every line of path into T. A missing file yields no records.
// A truncated final line (from an interrupted write) is ignored.
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	reader := bufio.NewReaderSize(f, 64<<10)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("%s line %d exceeds %d bytes", path, lineNo, maxLineBytes)
		}
		complete := bytes.HasSuffix(line, []byte{'\n'})
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec T
			if err := json.Unmarshal(line, &rec); err != nil {
				if !complete && errors.Is(readErr, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decode %s line %d: %w", path, lineNo, err)
			}
			out = append(out, rec)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}
	}
	return out, nil
}

// CountLines counts non-empty lines of path; a missing file counts zero.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	count := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", path, err)
	}
	return count, nil
}
