package assistant

import (
	"bufio"
	"io"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
)

// DefaultMaxLineSize caps a single NDJSON record. Oversized tool output
// must not terminate the task, so bigger records are skipped, not fatal.
const DefaultMaxLineSize = 256 * 1024

// lineReader yields newline-delimited records with a per-record size cap.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next record without its trailing newline. A
// record exceeding the cap is discarded up to the next newline and
// reported as a CHUNK_TOO_LARGE error; the reader stays usable. io.EOF
// signals a clean end of stream.
func (lr *lineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		line = append(line, chunk...)

		if len(line) > lr.max {
			size := len(line)
			if err == bufio.ErrBufferFull {
				size += lr.discardLine()
			}
			return nil, apperrors.ChunkTooLarge(size, lr.max)
		}

		switch err {
		case nil:
			return trimNewline(line), nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(line) == 0 {
				return nil, io.EOF
			}
			return trimNewline(line), nil
		default:
			return nil, err
		}
	}
}

// discardLine drops the remainder of an oversized record, returning the
// number of bytes skipped.
func (lr *lineReader) discardLine() int {
	skipped := 0
	for {
		chunk, err := lr.r.ReadSlice('\n')
		skipped += len(chunk)
		if err != bufio.ErrBufferFull {
			return skipped
		}
	}
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line
}
