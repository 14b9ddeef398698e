package fetcher

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures feed parsing.
type CSVOptions struct {
	// Delimiter forces the field separator. Zero sniffs it from the header
	// line.
	Delimiter rune
}

// candidateDelimiters are tried in order when sniffing; ties go to the
// earlier one.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// cancelCheckRows is how often the reader looks at ctx.
const cancelCheckRows = 500

// ReadCSVRecords reads a headed CSV feed into records keyed by header.
// Rows may be ragged and quotes are parsed leniently.
func ReadCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) ([]Record, error) {
	br := bufio.NewReader(r)
	delim := opts.Delimiter
	if delim == 0 {
		first, err := peekLine(br)
		if err != nil {
			return nil, err
		}
		delim = SniffDelimiter(first)
	}

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}

	var rows [][]string
	for n := 0; ; n++ {
		if n%cancelCheckRows == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: read cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read row %d", n+1)
		}
		rows = append(rows, row)
	}
	return RowsToRecords(header, rows), nil
}

// SniffDelimiter picks the candidate delimiter that occurs most often
// outside quotes in line. It falls back to a comma.
func SniffDelimiter(line string) rune {
	counts := make(map[rune]int, len(candidateDelimiters))
	inQuotes := false
	for _, c := range line {
		if c == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[c]++
		}
	}
	best, bestN := ',', 0
	for _, d := range candidateDelimiters {
		if counts[d] > bestN {
			best, bestN = d, counts[d]
		}
	}
	return best
}

// peekLine returns the first line of br without consuming it.
func peekLine(br *bufio.Reader) (string, error) {
	for size := 512; ; size *= 2 {
		buf, err := br.Peek(size)
		if i := strings.IndexByte(string(buf), '\n'); i >= 0 {
			return string(buf[:i]), nil
		}
		if err != nil {
			if err == io.EOF || err == bufio.ErrBufferFull {
				return string(buf), nil
			}
			return "", eris.Wrap(err, "csv: peek header")
		}
	}
}
