// Package config defines the nodelink-server configuration.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: default values
//   - verify.go: validation (addresses, durations, peers, data dir)
//   - sanitize.go: masking of credentials before logging
//   - cluster.go: conversion into clusterserver.Config
//
// Configuration is loaded via internal/infra/confloader from defaults, a
// YAML file and NODELINK_ environment variables.
package config
