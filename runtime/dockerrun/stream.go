package dockerrun

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/flotilla-dev/flotilla"
)

// maxLineBytes bounds one JSONL line from the container. Lines beyond this
// fail the scan rather than growing without limit.
const maxLineBytes = 4 << 20

// containerRun is the live state of one container turn.
type containerRun struct {
	rt     *Runtime
	id     string
	name   string
	logs   io.ReadCloser
	bridge *toolBridge

	ch chan flotilla.UpstreamMessage

	errMu  sync.Mutex
	runErr error

	cleanupOnce sync.Once
}

func (c *containerRun) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.runErr
}

func (c *containerRun) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.runErr == nil {
		c.runErr = err
	}
}

// cleanup force-removes the container and stops the tool bridge. Safe to
// call from both the pump and the stream's Close.
func (c *containerRun) cleanup() {
	c.cleanupOnce.Do(func() {
		c.logs.Close()
		c.rt.removeContainer(c.id)
		if c.bridge != nil {
			c.bridge.close()
		}
	})
}

// pump demultiplexes the log stream, decodes stdout JSONL into upstream
// messages, and finishes with the container's exit status.
func (c *containerRun) pump(ctx context.Context) {
	defer close(c.ch)
	defer c.cleanup()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		// Tty is off, so the daemon multiplexes stdout and stderr with
		// 8-byte frame headers.
		_, err := stdcopy.StdCopy(outW, errW, c.logs)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	go c.drainStderr(errR)

	sawTerminal := false
	scanner := bufio.NewScanner(outR)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := decodeLine(line)
		if flotilla.IsTerminal(msg) {
			sawTerminal = true
		}
		select {
		case <-ctx.Done():
			c.setErr(ctx.Err())
			return
		case c.ch <- msg:
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.setErr(fmt.Errorf("container log stream: %w", err))
		return
	}
	if ctx.Err() != nil {
		c.setErr(ctx.Err())
		return
	}

	// The log stream ended, so the container is stopping; pick up its exit
	// code. A clean terminal message wins over a nonzero code seen after it.
	statusCh, errCh := c.rt.cli.ContainerWait(context.Background(), c.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			c.setErr(fmt.Errorf("wait for container %s: %w", c.name, err))
		}
	case status := <-statusCh:
		if status.StatusCode != 0 && !sawTerminal {
			c.setErr(fmt.Errorf("container %s exited with code %d", c.name, status.StatusCode))
		}
	case <-ctx.Done():
		c.setErr(ctx.Err())
	}
}

func (c *containerRun) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			c.rt.logger.Debug("agent stderr", "container", c.name, "line", line)
		}
	}
}

// decodeLine turns one stdout line into an upstream message. Non-JSON lines
// survive as system log events instead of killing the turn.
func decodeLine(line string) flotilla.UpstreamMessage {
	if strings.HasPrefix(line, "{") {
		var msg flotilla.UpstreamMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil {
			return msg
		}
	}
	return flotilla.Msg("type", "system", "subtype", "log", "content", line)
}
