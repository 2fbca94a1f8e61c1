// Package command provides CLI command definitions for nodelink-cli.
//
// It uses urfave/cli/v2. Every command that talks to a node opens one
// anonymous connection, does its work and shuts the connection down.
package command
