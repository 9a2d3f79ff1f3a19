package tracks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/RyanBlaney/fixelcfe/fixel"
)

// RobustTrackCount is the number of streamlines below which fixel-fixel
// connectivity estimates become unreliable. Falling short is a warning,
// not an error.
const RobustTrackCount = 1000000

// Streamline is an ordered sequence of scanner-space points along one
// reconstructed fiber trajectory
type Streamline []fixel.Point

// Source yields streamlines one at a time. Next returns io.EOF when the
// source is exhausted. Count is a total-count hint (0 when unknown).
type Source interface {
	Next() (Streamline, error)
	Count() int
}

// Reader reads streamlines from a whitespace text file: one streamline per
// line as "x y z x y z ...", with an optional "# count: N" header hint.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
	count   int
	line    int
	pending string // data line consumed while scanning the header
}

// NewReader opens a streamline text file. The count hint is parsed from the
// header if present.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening track file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	r := &Reader{file: f, scanner: scanner}

	// The count hint, if present, is on the first header lines
	for scanner.Scan() {
		r.line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if rest, ok := strings.CutPrefix(strings.TrimSpace(strings.TrimPrefix(text, "#")), "count:"); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
					r.count = n
				}
			}
			continue
		}
		// First data line: stash it for the first Next call
		r.pending = text
		break
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading track file header: %w", err)
	}

	return r, nil
}

// Count returns the total-count hint from the file header (0 when absent)
func (r *Reader) Count() int {
	return r.count
}

// Next returns the next streamline, or io.EOF when the file is exhausted
func (r *Reader) Next() (Streamline, error) {
	for {
		var text string
		if r.pending != "" {
			text, r.pending = r.pending, ""
		} else {
			if !r.scanner.Scan() {
				if err := r.scanner.Err(); err != nil {
					return nil, fmt.Errorf("reading track file: %w", err)
				}
				return nil, io.EOF
			}
			r.line++
			text = strings.TrimSpace(r.scanner.Text())
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		return r.parseLine(text)
	}
}

func (r *Reader) parseLine(text string) (Streamline, error) {
	fields := strings.Fields(text)
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("track file line %d: coordinate count %d is not a multiple of 3", r.line, len(fields))
	}
	streamline := make(Streamline, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		var p fixel.Point
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[i+j], 64)
			if err != nil {
				return nil, fmt.Errorf("track file line %d: %w", r.line, err)
			}
			p[j] = v
		}
		streamline = append(streamline, p)
	}
	return streamline, nil
}

// Close releases the underlying file
func (r *Reader) Close() error {
	return r.file.Close()
}
