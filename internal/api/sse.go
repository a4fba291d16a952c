package api

import (
	"bufio"
	"io"
	"strings"
)

const (
	sseFieldEvent    = "event"
	sseFieldData     = "data"
	sseCommentPrefix = ":"
	sseDefaultEvent  = "message"
	maxEventLineSize = 1 << 20
)

type eventFrame struct {
	event string
	data  string
}

// eventReader splits a text/event-stream body into frames. Comment lines and
// the id/retry fields are ignored; a frame left unterminated at EOF is
// dropped.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(body io.Reader) *eventReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxEventLineSize)

	return &eventReader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the body ends.
func (r *eventReader) Next() (eventFrame, error) {
	var (
		frame   eventFrame
		data    []string
		started bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !started {
				continue
			}

			if frame.event == "" {
				frame.event = sseDefaultEvent
			}

			frame.data = strings.Join(data, "\n")

			return frame, nil
		}

		if strings.HasPrefix(line, sseCommentPrefix) {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case sseFieldEvent:
			frame.event = value
			started = true
		case sseFieldData:
			data = append(data, value)
			started = true
		}
	}

	err := r.scanner.Err()
	if err != nil {
		return eventFrame{}, err
	}

	return eventFrame{}, io.EOF
}
