package client

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxEventSize = 1 << 20

type sseEvent struct {
	name string
	data []byte
}

// sseReader reads the text/event-stream framing written by the daemon.
// Only the event and data fields are used.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &sseReader{sc: sc}
}

// next returns the next complete event, or io.EOF once the stream ends.
func (r *sseReader) next() (sseEvent, error) {
	var ev sseEvent
	var data [][]byte
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if ev.name == "" && len(data) == 0 {
				continue
			}
			ev.data = bytes.Join(data, []byte("\n"))
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if err := r.sc.Err(); err != nil {
		return ev, err
	}
	return ev, io.EOF
}
