package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ReadStream decodes the event stream written by Hub.ServeHTTP and calls fn
// for every event until r ends or fn returns an error
func ReadStream(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				eventType = ""
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("failed to decode %q event: %w", eventType, err)
			}
			if e.Type == "" {
				e.Type = eventType
			}
			if err := fn(e); err != nil {
				return err
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
