package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
)

// DoneSentinel is the data of the last frame of a finished execution.
const DoneSentinel = "[DONE]"

// SSESink writes frames in the text/event-stream format and flushes after
// each one.
type SSESink struct {
	w *bufio.Writer
}

func NewSSESink(w *bufio.Writer) *SSESink {
	return &SSESink{w: w}
}

func (s *SSESink) Event(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}

	return s.write("", payload)
}

func (s *SSESink) Done(context.Context) error {
	return s.write("", []byte(DoneSentinel))
}

func (s *SSESink) Reconnect(_ context.Context, fromIndex int) error {
	payload, err := json.Marshal(struct {
		FromIndex int `json:"fromIndex"`
	}{fromIndex})
	if err != nil {
		return err
	}

	return s.write("reconnect", payload)
}

func (s *SSESink) write(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	return s.w.Flush()
}
