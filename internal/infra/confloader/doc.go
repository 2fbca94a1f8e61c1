// Package confloader loads configuration with koanf.
//
// Sources, later ones overriding earlier ones:
//
//  1. Defaults already present in the target struct
//  2. A YAML file
//  3. Environment variables (NODELINK_SECTION_KEY)
//  4. Explicit maps, typically from command-line flags
//
// Watcher reports edits of the configuration file so reloadable settings
// can be applied without a restart.
package confloader
