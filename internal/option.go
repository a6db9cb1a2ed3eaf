package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	version string
	console io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithVersion sets the version reported by the MCP server and the logs.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}

// WithConsole sets where console logs go. The MCP subcommand passes stderr
// because stdout carries the protocol.
func WithConsole(w io.Writer) Option {
	return func(a *application) {
		a.console = w
	}
}
