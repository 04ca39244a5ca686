package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxRecordBytes bounds one feed line. Ads with many creatives and regions
// run to a few hundred kilobytes.
const maxRecordBytes = 8 << 20

// ReadLines calls fn for every non-blank line of r. Line numbers start at 1.
func ReadLines(r io.Reader, fn func(lineNo int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, append([]byte(nil), line...)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read line %d: %w", lineNo+1, err)
	}
	return nil
}
