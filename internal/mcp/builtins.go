// ABOUTME: Builtin tools shipped with the server binary: echo, server_time and countdown
// ABOUTME: countdown upgrades its response to an SSE stream and reports progress each tick

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/coven-mcp/internal/transport"
)

// Countdown limits
const (
	countdownDefaultFrom     = 3
	countdownMaxFrom         = 30
	countdownDefaultInterval = time.Second
	countdownMaxInterval     = 10 * time.Second
)

// Builtins returns the builtin tools. clock drives server_time and the
// countdown ticks.
func Builtins(clock clockwork.Clock) []*Tool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &builtinHandlers{clock: clock}
	return []*Tool{
		{
			Name:        "echo",
			Description: "Echo the given text back",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Handler:     b.Echo,
		},
		{
			Name:        "server_time",
			Description: "Report the server's current time",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA zone name, default UTC"}}}`),
			Handler:     b.ServerTime,
		},
		{
			Name:          "countdown",
			Description:   "Count down to zero, streaming a progress notification per step",
			InputSchema:   json.RawMessage(`{"type":"object","properties":{"from":{"type":"integer","minimum":1,"maximum":30},"interval_ms":{"type":"integer","minimum":0,"maximum":10000}}}`),
			RequiredScope: "mcp:tools",
			Handler:       b.Countdown,
		},
	}
}

type builtinHandlers struct {
	clock clockwork.Clock
}

type echoInput struct {
	Text *string `json:"text"`
}

// Echo returns its text argument.
func (b *builtinHandlers) Echo(_ context.Context, args json.RawMessage) (*CallResult, error) {
	var in echoInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if in.Text == nil {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidArguments)
	}
	return TextResult(*in.Text), nil
}

type serverTimeInput struct {
	Timezone string `json:"timezone"`
}

// ServerTime returns the current time in RFC 3339 form.
func (b *builtinHandlers) ServerTime(_ context.Context, args json.RawMessage) (*CallResult, error) {
	var in serverTimeInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	loc := time.UTC
	if in.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(in.Timezone); err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", in.Timezone)), nil
		}
	}
	return TextResult(b.clock.Now().In(loc).Format(time.RFC3339)), nil
}

type countdownInput struct {
	From       *int `json:"from"`
	IntervalMS *int `json:"interval_ms"`
}

// Countdown ticks from "from" down to zero. When it runs under the transport
// it streams one notifications/progress message per tick.
func (b *builtinHandlers) Countdown(ctx context.Context, args json.RawMessage) (*CallResult, error) {
	var in countdownInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	from := countdownDefaultFrom
	if in.From != nil {
		from = *in.From
	}
	if from < 1 || from > countdownMaxFrom {
		return nil, fmt.Errorf("%w: from must be between 1 and %d", ErrInvalidArguments, countdownMaxFrom)
	}
	interval := countdownDefaultInterval
	if in.IntervalMS != nil {
		interval = time.Duration(*in.IntervalMS) * time.Millisecond
	}
	if interval < 0 || interval > countdownMaxInterval {
		return nil, fmt.Errorf("%w: interval_ms must be between 0 and %d", ErrInvalidArguments, countdownMaxInterval.Milliseconds())
	}

	// stream is nil outside a transport POST; the countdown still runs.
	stream, _ := transport.InitiateStreaming(ctx)
	token, hasToken := ProgressToken(ctx)
	if !hasToken {
		token = RequestID(ctx)
	}

	for remaining := from; remaining > 0; remaining-- {
		if stream != nil {
			note, err := transport.NewNotification("notifications/progress", map[string]any{
				"progressToken": token,
				"progress":      from - remaining + 1,
				"total":         from,
				"message":       fmt.Sprintf("%d", remaining),
			})
			if err != nil {
				return nil, err
			}
			if err := stream.Send("message", note); err != nil {
				return nil, fmt.Errorf("streaming progress: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.clock.After(interval):
		}
	}
	return TextResult("liftoff"), nil
}
