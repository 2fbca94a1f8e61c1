package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

// SendResult reports a sent message and, with --wait, its response.
type SendResult struct {
	Target         string `json:"target"`
	MsgID          uint64 `json:"msg_id,omitempty"`
	TraceID        string `json:"trace_id" table:"wide"`
	ResponseTarget string `json:"response_target,omitempty"`
	Response       string `json:"response,omitempty"`
}

// SendCommand returns the send command.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message to a target on a node",
		ArgsUsage: "[payload]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "Target name, for example NodePing",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "payload",
				Aliases: []string{"p"},
				Usage:   "Message payload (overrides the positional argument)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the response",
			},
		},
		Action: send,
	}
}

func send(c *cli.Context) error {
	target, ok := wire.ParseTargetName(c.String("target"))
	if !ok {
		return fmt.Errorf("unknown target %q", c.String("target"))
	}
	payload := c.Args().First()
	if c.IsSet("payload") {
		payload = c.String("payload")
	}

	s, err := dial(c.Context, c)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	ctx, cancel := context.WithTimeout(c.Context, ParseGlobalFlags(c).Timeout)
	defer cancel()

	// The span's traceparent rides in the message header on links that
	// negotiated span context support.
	ctx, span := tracer.StartSpan(ctx, "cli.send")
	defer span.End()
	span.SetAttribute("target", target.String())

	msg := &wire.BinaryMessage{Target: target, Payload: []byte(payload)}
	res := SendResult{Target: target.String(), TraceID: tracer.TraceID(ctx)}

	if !c.Bool("wait") {
		id, err := s.Conn().Send(ctx, msg)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("send: %w", err)
		}
		res.MsgID = id
		return render(c, res)
	}

	resp, err := s.Call(ctx, msg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("request: %w", err)
	}
	res.ResponseTarget = resp.Target.String()
	res.Response = string(resp.Payload)
	return render(c, res)
}
