// Package logging carries the correlation context {run_id, agent, flow_id}
// that ties every log line of a flow together. The context is an explicit
// value attached to a zerolog logger; handlers derive a scoped logger on
// entry and the derived value dies with the scope, so restoration on exit is
// structural rather than manual.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context is the correlation tuple attached to every log line and event.
type Context struct {
	RunID  string
	Agent  string
	FlowID string
}

// Logger derives a logger carrying this context from the global logger.
func (c Context) Logger() zerolog.Logger {
	return c.With(log.Logger)
}

// With derives a logger carrying this context from a parent logger.
func (c Context) With(parent zerolog.Logger) zerolog.Logger {
	lc := parent.With()
	if c.RunID != "" {
		lc = lc.Str("run_id", c.RunID)
	}
	if c.Agent != "" {
		lc = lc.Str("agent", c.Agent)
	}
	if c.FlowID != "" {
		lc = lc.Str("flow", c.FlowID)
	}
	return lc.Logger()
}

// WithFlow returns a copy of the context scoped to a different flow.
func (c Context) WithFlow(flowID string) Context {
	c.FlowID = flowID
	return c
}

// Component returns a logger tagged with a component name, outside of any
// run context.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
