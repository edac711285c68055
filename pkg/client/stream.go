package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const doneSentinel = "[DONE]"

// EventStream iterates over the events of an execution. When the server
// asks the client to reconnect, the stream reopens from the next undelivered
// index without the caller noticing.
//
//	stream, err := c.Executions.Stream(ctx, id, 0)
//	...
//	defer stream.Close()
//	for stream.Next() {
//		event := stream.Event()
//	}
//	if err := stream.Err(); err != nil { ... }
type EventStream struct {
	service     *ExecutionsService
	ctx         context.Context
	executionID string
	next        int
	reconnects  int

	body   io.ReadCloser
	reader *bufio.Reader
	event  Event
	err    error
	done   bool
}

// Stream opens the event stream of an execution starting at fromIndex.
func (s *ExecutionsService) Stream(ctx context.Context, executionID string, fromIndex int) (*EventStream, error) {
	stream := &EventStream{service: s, ctx: ctx, executionID: executionID, next: fromIndex}

	if err := stream.open(); err != nil {
		return nil, err
	}

	return stream, nil
}

func (s *EventStream) open() error {
	c := s.service.client
	path := "/executions/" + url.PathEscape(s.executionID) + "/stream?fromIndex=" + strconv.Itoa(s.next)

	req, err := c.newRequest(s.ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "text/event-stream")

	// Streams are bounded by the server, not by the request timeout.
	streaming := *c.httpClient
	streaming.Timeout = 0

	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()

		return newAPIError(resp)
	}

	s.body = resp.Body
	s.reader = bufio.NewReader(resp.Body)

	return nil
}

// Next advances to the next event. It returns false when the execution
// finished, the context ended or the stream failed; Err tells them apart.
func (s *EventStream) Next() bool {
	for !s.done && s.err == nil {
		name, data, err := s.readFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				err = s.ctx.Err()
			} else if err == io.EOF {
				err = fmt.Errorf("stream of %s ended without completion: %w", s.executionID, io.ErrUnexpectedEOF)
			}

			s.err = err

			return false
		}

		switch {
		case name == "reconnect":
			s.err = s.reconnect(data)
		case data == doneSentinel:
			s.done = true
		case data == "":
		default:
			var event Event
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				s.err = fmt.Errorf("failed to decode stream event: %w", err)

				return false
			}

			s.event = event
			s.next = event.Index + 1

			return true
		}
	}

	return false
}

func (s *EventStream) Event() Event {
	return s.event
}

// Err returns the error that ended the stream, nil when it completed.
func (s *EventStream) Err() error {
	return s.err
}

// Reconnects counts how often the server asked the stream to reopen.
func (s *EventStream) Reconnects() int {
	return s.reconnects
}

func (s *EventStream) Close() error {
	s.done = true

	if s.body == nil {
		return nil
	}

	return s.body.Close()
}

func (s *EventStream) reconnect(data string) error {
	var frame struct {
		FromIndex int `json:"fromIndex"`
	}

	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return fmt.Errorf("failed to decode reconnect frame: %w", err)
	}

	_ = s.body.Close()

	s.next = frame.FromIndex
	s.reconnects++

	s.service.client.logger.DebugContext(s.ctx, "Reconnecting execution stream",
		"execution_id", s.executionID, "from_index", s.next)

	return s.open()
}

// readFrame reads one blank-line terminated SSE frame.
func (s *EventStream) readFrame() (string, string, error) {
	var (
		name string
		data []string
		seen bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && seen {
				return name, strings.Join(data, "\n"), nil
			}

			return "", "", err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}

			return name, strings.Join(data, "\n"), nil
		}

		seen = true

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
}
