package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestReadLinesSkipsBlankLines(t *testing.T) {
	t.Parallel()

	input := "{\"a\":1}\n\n   \n{\"a\":2}\r\n{\"a\":3}"
	var (
		lines   []string
		numbers []int
	)
	err := ReadLines(strings.NewReader(input), func(lineNo int, line []byte) error {
		lines = append(lines, string(line))
		numbers = append(numbers, lineNo)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadLines error: %v", err)
	}
	if len(lines) != 3 || lines[1] != `{"a":2}` {
		t.Fatalf("unexpected lines: %q", lines)
	}
	if numbers[0] != 1 || numbers[1] != 4 || numbers[2] != 5 {
		t.Fatalf("unexpected line numbers: %v", numbers)
	}
}

func TestReadLinesStopsOnHandlerError(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	calls := 0
	err := ReadLines(strings.NewReader("1\n2\n3\n"), func(int, []byte) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
