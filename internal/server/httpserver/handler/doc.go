// Package handler implements the admin HTTP endpoints of a node.
package handler
