// Package worker owns the external synthesis subprocess and translates
// between structured commands and line-delimited JSON on its standard
// streams.
package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Command describes how to launch the synthesis worker process.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Message is one line of worker feedback. The worker protocol is loose, so a
// single struct with optional fields covers ready/error/mouth/event/response.
type Message struct {
	Type            string  `json:"type"`
	Voice           string  `json:"voice,omitempty"`
	Engine          string  `json:"engine,omitempty"`
	PlaybackBackend string  `json:"playback_backend,omitempty"`
	ErrorMessage    string  `json:"message,omitempty"`
	Generation      *int64  `json:"generation,omitempty"`
	Open            float64 `json:"open,omitempty"`
	Phase           string  `json:"phase,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	TS              *int64  `json:"ts,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
	UtteranceID     string  `json:"utterance_id,omitempty"`
	MessageID       string  `json:"message_id,omitempty"`
	Revision        *int64  `json:"revision,omitempty"`
}

// Event is one item on the feedback stream: either a decoded message or the
// terminal exit notice. The channel closes after the exit event.
type Event struct {
	Msg    *Message
	Exited bool
	Reason string
}

// Outbound command ops.
type PingCommand struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

type SpeakCommand struct {
	ID          string `json:"id"`
	Op          string `json:"op"`
	Generation  int64  `json:"generation"`
	SessionID   string `json:"session_id"`
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	Priority    int    `json:"priority"`
	Policy      string `json:"policy"`
	TS          int64  `json:"ts"`
	TTLMs       int64  `json:"ttl_ms"`
	ExpiresAt   int64  `json:"expires_at"`
	MessageID   string `json:"message_id"`
	Revision    int64  `json:"revision"`
}

type InterruptCommand struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	Generation int64  `json:"generation"`
	Reason     string `json:"reason"`
}

const stopGrace = 1200 * time.Millisecond

// Client manages exactly one long-lived worker subprocess. Writes are
// fire-and-forget; there is no backpressure protocol.
type Client struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	events   chan Event
	waitDone chan struct{}
}

// Start spawns the worker and begins demultiplexing its stdout. A spawn
// failure is returned directly; a later crash surfaces as an exit Event.
func Start(command Command) (*Client, error) {
	if strings.TrimSpace(command.Path) == "" {
		return nil, fmt.Errorf("worker command is empty")
	}

	cmd := exec.Command(command.Path, command.Args...)
	if command.Dir != "" {
		cmd.Dir = command.Dir
	}
	cmd.Env = append(os.Environ(), command.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &Client{
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan Event, 64),
		waitDone: make(chan struct{}),
	}

	go logStderr(stderr)
	go c.consume(stdout)

	return c, nil
}

// Events returns the feedback stream. It closes once the worker exits.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send writes one line-delimited JSON command. It reports false when the
// pipe is gone; callers treat that as worker-unavailable.
func (c *Client) Send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return false
	}
	if _, err := c.stdin.Write(b); err != nil {
		return false
	}
	return true
}

// Stop asks the worker to terminate, escalating to kill after a grace
// period. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.stdin = nil
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.waitDone:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
	}
}

// consume drains stdout line by line until EOF, then reports the exit.
func (c *Client) consume(stdout io.Reader) {
	decodeLines(stdout, func(msg Message) {
		c.events <- Event{Msg: &msg}
	}, func(line string, err error) {
		log.Printf("tts worker non-json stdout: %s (%v)", line, err)
	})

	err := c.cmd.Wait()
	close(c.waitDone)
	c.events <- Event{Exited: true, Reason: exitReason(err)}
	close(c.events)
}

// decodeLines parses newline-delimited JSON messages from r. bufio buffers
// across read chunks, so messages split mid-line reassemble correctly.
func decodeLines(r io.Reader, emit func(Message), warn func(line string, err error)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			warn(line, err)
			continue
		}
		emit(msg)
	}
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Printf("[tts-worker] %s", line)
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exit:0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit:%d", exitErr.ExitCode())
	}
	return fmt.Sprintf("exit:%v", err)
}
