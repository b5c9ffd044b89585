package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrStreamClosed is returned when a log stream ends without a finish event.
var ErrStreamClosed = errors.New("log stream closed before finish")

// StreamLogs follows a container's log stream (GET /optimization/logs).
//
// fn is called for every event in order, including the final finish event.
// StreamLogs returns nil after the finish event, the error returned by fn,
// ctx's error on cancellation, or ErrStreamClosed if the server hangs up early.
func (c *Client) StreamLogs(ctx context.Context, container string, fn func(LogEvent) error) error {
	container = strings.TrimSpace(container)
	if container == "" {
		return errors.New("container name is required")
	}

	resp, err := c.send(ctx, c.stream, http.MethodGet, "/optimization/logs", url.Values{"container": {container}}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &APIError{Op: "logs", Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeFailure("logs", resp, "Failed to retrieve logs")
	}

	err = readEvents(resp.Body, fn)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body.
//
// Only the "event" and "data" fields are interpreted; multi-line data is
// joined with newlines. Comments and unknown fields are skipped.
func readEvents(r io.Reader, fn func(LogEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		event   string
		data    []string
		pending bool
	)
	dispatch := func() (bool, error) {
		if !pending {
			return false, nil
		}
		ev := LogEvent{Event: event, Data: strings.Join(data, "\n")}
		event, data, pending = "", nil, false
		if err := fn(ev); err != nil {
			return true, err
		}
		return ev.Finished(), nil
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			done, err := dispatch()
			if err != nil || done {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	done, err := dispatch()
	if err != nil || done {
		return err
	}
	return ErrStreamClosed
}
