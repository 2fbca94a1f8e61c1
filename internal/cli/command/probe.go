package command

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/nodelink-go/internal/cli/connection"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

// ProbeResult is what probe reports about a node.
type ProbeResult struct {
	Addr      string        `json:"addr"`
	Transport string        `json:"transport"`
	Peer      string        `json:"peer"`
	Protocol  string        `json:"protocol"`
	ConnID    string        `json:"conn_id" table:"wide"`
	Handshake time.Duration `json:"handshake"`
	PingRTT   time.Duration `json:"ping_rtt,omitempty"`
	Pings     int           `json:"pings,omitempty" table:"wide"`
	TraceID   string        `json:"trace_id,omitempty" table:"wide"`
}

// ProbeCommand returns the probe command.
func ProbeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Handshake with a node and measure ping round trips",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Number of pings; 0 only handshakes",
				Value:   1,
			},
		},
		Action: probe,
	}
}

func probe(c *cli.Context) error {
	flags := ParseGlobalFlags(c)
	count := c.Int("count")
	if count < 0 {
		return fmt.Errorf("--count must not be negative")
	}

	s, err := dial(c.Context, c)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	conn := s.Conn()
	res := ProbeResult{
		Addr:      flags.Addr,
		Transport: string(s.Transport()),
		Protocol:  conn.ProtocolVersion().String(),
		ConnID:    conn.ID(),
		Handshake: s.HandshakeDuration(),
	}
	if p := conn.Peer(); p != nil {
		res.Peer = p.String()
	}

	if count > 0 {
		// All pings of one run share a trace; each ping is its own span.
		runCtx, span := tracer.StartSpan(c.Context, "cli.probe")
		defer span.End()
		span.SetAttribute("count", count)
		res.TraceID = tracer.TraceID(runCtx)

		var total time.Duration
		for i := 0; i < count; i++ {
			rtt, err := ping(runCtx, s, i, flags.Timeout)
			if err != nil {
				span.RecordError(err)
				return err
			}
			total += rtt
			res.Pings++
		}
		res.PingRTT = total / time.Duration(res.Pings)
	}

	return render(c, res)
}

func ping(ctx context.Context, s *connection.Session, i int, timeout time.Duration) (time.Duration, error) {
	ctx, span := tracer.StartSpan(ctx, "cli.probe.ping")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := []byte(fmt.Sprintf("probe-%d", i))
	start := time.Now()
	resp, err := s.Call(ctx, &wire.BinaryMessage{Target: wire.TargetNodePing, Payload: payload})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("ping %d: %w", i, err)
	}
	if resp.Target != wire.TargetNodePong || string(resp.Payload) != string(payload) {
		return 0, fmt.Errorf("ping %d: unexpected %s response", i, resp.Target)
	}
	return time.Since(start), nil
}
