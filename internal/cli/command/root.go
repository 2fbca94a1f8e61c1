package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/nodelink-go/internal/cli/connection"
	"github.com/yndnr/nodelink-go/internal/cli/output"
	"github.com/yndnr/nodelink-go/internal/infra/buildinfo"
	"github.com/yndnr/nodelink-go/internal/server/config"
	"github.com/yndnr/nodelink-go/internal/telemetry/logger"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "nodelink-cli",
		Usage:   "Talk to nodelink cluster nodes",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			ProbeCommand(),
			SendCommand(),
			MetadataCommand(),
			VersionCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Aliases: []string{"a"},
			Usage:   "Node address: host:port, tcp://host:port or http://host:port",
			EnvVars: []string{"NODELINK_ADDR"},
			Value:   config.DefaultListenAddr,
		},
		&cli.StringFlag{
			Name:    "cluster",
			Aliases: []string{"c"},
			Usage:   "Cluster name presented in the handshake",
			EnvVars: []string{"NODELINK_CLUSTER"},
			Value:   config.DefaultClusterName,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout for dial, handshake and each request",
			Value: connection.DefaultTimeout,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, jsonl, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more fields)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Log connection events to stderr",
		},
	}
}

// GlobalFlags defines flags available to all commands.
type GlobalFlags struct {
	Addr    string
	Cluster string
	Timeout time.Duration
	Output  string
	Wide    bool
	Verbose bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Addr:    c.String("addr"),
		Cluster: c.String("cluster"),
		Timeout: c.Duration("timeout"),
		Output:  c.String("output"),
		Wide:    c.Bool("wide"),
		Verbose: c.Bool("verbose"),
	}
}

func (f *GlobalFlags) logger() *slog.Logger {
	if !f.Verbose {
		return logger.Discard()
	}
	l, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: os.Stderr})
	if err != nil {
		return logger.Discard()
	}
	return l
}

// dial opens a session using the global flags.
func dial(ctx context.Context, c *cli.Context) (*connection.Session, error) {
	flags := ParseGlobalFlags(c)
	return connection.Dial(ctx, flags.Addr, connection.Options{
		ClusterName: flags.Cluster,
		Timeout:     flags.Timeout,
		Logger:      flags.logger(),
	})
}

// closeSession shuts s down, bounded by the request timeout.
func closeSession(c *cli.Context, s *connection.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), ParseGlobalFlags(c).Timeout)
	defer cancel()
	_ = s.Close(ctx)
}

// render writes data in the format chosen by --output.
func render(c *cli.Context, data any) error {
	flags := ParseGlobalFlags(c)
	format, err := output.ParseFormat(flags.Output)
	if err != nil {
		return err
	}
	return output.NewFormatter(format, flags.Wide).Format(writer(c), data)
}

func writer(c *cli.Context) io.Writer {
	if c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
