package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoEventSource is returned when the host has no usable audit-log source.
var ErrNoEventSource = errors.New("no event source available on this platform")

// EventSource fetches a raw RenderedXml batch of recent audit records.
type EventSource interface {
	Query(ctx context.Context, eventIDs []int, lookback time.Duration) (string, error)
	Name() string
}

// CommandSource runs an external command and returns its stdout. The
// default command is wevtutil against the Security channel.
type CommandSource struct {
	channel  string
	override []string
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

// NewEventSource picks the platform source. A non-empty override command
// is used verbatim on any platform; without one only Windows is supported.
func NewEventSource(channel string, override []string, timeout time.Duration, logger *zap.SugaredLogger) (EventSource, error) {
	if len(override) == 0 && runtime.GOOS != "windows" {
		return nil, ErrNoEventSource
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CommandSource{
		channel:  channel,
		override: override,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Name describes the source for logs.
func (s *CommandSource) Name() string {
	if len(s.override) > 0 {
		return "command:" + s.override[0]
	}
	return "wevtutil:" + s.channel
}

// Query runs the command. A non-zero exit returns stderr (or stdout) in the error.
func (s *CommandSource) Query(ctx context.Context, eventIDs []int, lookback time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := s.override
	if len(args) == 0 {
		args = WevtutilArgs(s.channel, eventIDs, lookback)
	}
	s.logger.Debugw("Querying event source", "source", s.Name(), "event_ids", eventIDs, "lookback", lookback)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s failed: %w: %s", strings.Join(args, " "), err, detail)
	}
	return stdout.String(), nil
}

// WevtutilArgs builds the wevtutil query for eventIDs within lookback, newest first.
func WevtutilArgs(channel string, eventIDs []int, lookback time.Duration) []string {
	return []string{"wevtutil", "qe", channel, "/q:" + BuildXPath(eventIDs, lookback), "/f:RenderedXml", "/rd:true"}
}

// BuildXPath filters on event ids and on SystemTime within lookback.
func BuildXPath(eventIDs []int, lookback time.Duration) string {
	clauses := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		clauses[i] = "(EventID=" + strconv.Itoa(id) + ")"
	}
	return fmt.Sprintf("*[(System[%s] and System[TimeCreated[timediff(@SystemTime) <= %d]])]",
		strings.Join(clauses, " or "), lookback.Milliseconds())
}
