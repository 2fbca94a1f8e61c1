// Package main provides the entry point for nodelink-cli.
//
// The CLI connects to a node as an anonymous initiator to check
// reachability and poke at targets:
//
//	nodelink-cli --addr 10.0.0.5:5122 probe -n 5
//	nodelink-cli --addr http://10.0.0.5:5123 send --target NodePing --wait hi
//	nodelink-cli metadata schema -o yaml
package main
