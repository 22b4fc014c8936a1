// Package notify delivers alerts to the operator through an ordered chain
// of channels: a messaging CLI, an HTTP gateway and finally the log.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Kind classifies a message.
type Kind string

const (
	KindSlotsFound     Kind = "slots_found"
	KindBookingSuccess Kind = "booking_success"
	KindBookingFailed  Kind = "booking_failed"
	KindStopped        Kind = "stopped"
)

// Message is one alert.
type Message struct {
	Kind Kind
	Text string
	// Attachment is an optional PNG file path.
	Attachment string
}

// Notifier delivers messages.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ErrAllFailed is returned by a Chain when no notifier delivered the message.
var ErrAllFailed = errors.New("all notifiers failed")

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Command sends through a messaging CLI invoked as
// `<bin> message send --channel C --target T --message M [--file F]`.
type Command struct {
	bin     string
	channel string
	target  string
	run     Runner
}

// NewCommand creates a command notifier. A nil runner executes the binary.
func NewCommand(bin, channel, target string, run Runner) *Command {
	if run == nil {
		run = execRunner
	}
	return &Command{bin: bin, channel: channel, target: target, run: run}
}

// Name returns "command".
func (c *Command) Name() string { return "command" }

// Args returns the command line arguments for msg.
func (c *Command) Args(msg Message) []string {
	args := []string{
		"message", "send",
		"--channel", c.channel,
		"--target", c.target,
		"--message", msg.Text,
	}
	if fileExists(msg.Attachment) {
		args = append(args, "--file", msg.Attachment)
	}
	return args
}

// Send runs the CLI.
func (c *Command) Send(ctx context.Context, msg Message) error {
	if c.bin == "" {
		return errors.New("no command configured")
	}
	return c.run(ctx, c.bin, c.Args(msg)...)
}

// HTTPGateway posts messages to `{base}/api/message`.
type HTTPGateway struct {
	baseURL string
	channel string
	target  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway notifier. A nil client gets a 30s timeout.
func NewHTTPGateway(baseURL, channel, target string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		channel: channel,
		target:  target,
		client:  client,
	}
}

// Name returns "http".
func (g *HTTPGateway) Name() string { return "http" }

// GatewayPayload is the JSON body sent to the gateway.
type GatewayPayload struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Message string `json:"message"`
	// Buffer is the attachment as a data: URL.
	Buffer string `json:"buffer,omitempty"`
}

// Send posts the message with the attachment inlined.
func (g *HTTPGateway) Send(ctx context.Context, msg Message) error {
	if g.baseURL == "" {
		return errors.New("no gateway configured")
	}

	payload := GatewayPayload{
		Action:  "send",
		Channel: g.channel,
		Target:  g.target,
		Message: msg.Text,
	}
	if fileExists(msg.Attachment) {
		data, err := os.ReadFile(msg.Attachment)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		payload.Buffer = "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}

// Log writes the message to the logger. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Name returns "log".
func (l *Log) Name() string { return "log" }

// Send logs the message.
func (l *Log) Send(ctx context.Context, msg Message) error {
	l.logger.Warn("notification not delivered, logging only",
		"kind", msg.Kind,
		"message", msg.Text,
		"attachment", msg.Attachment,
	)
	return nil
}

// Chain tries notifiers in order and stops at the first success.
type Chain struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewChain creates a notifier chain. Nil entries are skipped.
func NewChain(logger *slog.Logger, notifiers ...Notifier) *Chain {
	c := &Chain{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			c.notifiers = append(c.notifiers, n)
		}
	}
	return c
}

// Name returns "chain".
func (c *Chain) Name() string { return "chain" }

// Send delivers msg through the first notifier that succeeds.
func (c *Chain) Send(ctx context.Context, msg Message) error {
	c.logger.Info("sending notification", "kind", msg.Kind)

	var errs []error
	for _, n := range c.notifiers {
		err := n.Send(ctx, msg)
		if err == nil {
			c.logger.Info("notification sent", "notifier", n.Name(), "kind", msg.Kind)
			return nil
		}
		c.logger.Warn("notifier failed", "notifier", n.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
