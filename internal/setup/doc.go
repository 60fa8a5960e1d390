// Package setup loads host-wide vmup defaults and owns the config directory.
// It is a collection of small scripts and constants, and is therefore the
// only package that is allowed to call a global logger.
package setup
