package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// EventReader splits a text/event-stream body into event data payloads.
// Only the data field is used; comments, ids and event names are skipped.
type EventReader struct {
	r *bufio.Reader
}

func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the data of the next complete event. Multi-line data is joined with "\n".
// It returns io.EOF once the stream ends without a pending event.
func (e *EventReader) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := e.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && hasData {
				return data.Bytes(), nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
		if err != nil {
			return data.Bytes(), nil
		}
	}
}

// WriteEvent writes data as one event. data must not contain newlines; frames produced by
// Codec never do.
func WriteEvent(w io.Writer, data []byte) error {
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}
