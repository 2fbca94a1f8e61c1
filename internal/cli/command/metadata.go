package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// MetadataCommand returns the metadata command.
func MetadataCommand() *cli.Command {
	return &cli.Command{
		Name:      "metadata",
		Aliases:   []string{"meta"},
		Usage:     "Show a node's metadata versions",
		ArgsUsage: "[kind]",
		Action:    metadata,
	}
}

func metadata(c *cli.Context) error {
	kind := c.Args().First()
	if kind != "" {
		if _, ok := domain.ParseMetadataKind(kind); !ok {
			return fmt.Errorf("unknown metadata kind %q", kind)
		}
	}

	s, err := dial(c.Context, c)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	ctx, cancel := context.WithTimeout(c.Context, ParseGlobalFlags(c).Timeout)
	defer cancel()

	resp, err := s.Call(ctx, &wire.BinaryMessage{Target: wire.TargetMetadataManager, Payload: []byte(kind)})
	if err != nil {
		return fmt.Errorf("metadata request: %w", err)
	}
	if resp.Target != wire.TargetMetadataUpdate {
		return fmt.Errorf("unexpected %s response", resp.Target)
	}

	versions, err := parseVersions(string(resp.Payload))
	if err != nil {
		return err
	}
	return render(c, versions)
}

// parseVersions reads "kind=version" lines.
func parseVersions(s string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed version line %q", line)
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed version line %q: %w", line, err)
		}
		out[k] = n
	}
	return out, nil
}
