// Package agents contains the cooperating agents of the qualification
// pipeline: scheduler, orchestrator, simulator, backtest, evaluator,
// optimizer and registry. Agents exchange typed messages and share the
// correlation context {run_id, agent, flow_id}.
package agents

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
)

// Policy bounds a numeric value or applies a predicate.
type Policy struct {
	Min       *float64
	Max       *float64
	Predicate func(float64) bool
}

// MessageHandler is the message contract every agent implements. Unknown
// payload kinds return an ErrorResponse with UNKNOWN_MESSAGE_TYPE and never
// panic out of the handler.
type MessageHandler interface {
	HandleMessage(msg domain.AgentMessage) domain.AgentMessage
}

// BaseAgent carries the shared agent state: identity, correlation context,
// episodic memory and policies.
type BaseAgent struct {
	AgentName string
	RunID     string

	memory   map[string]any
	Policies map[string]Policy
}

// NewBaseAgent creates the shared state; an empty runID gets a fresh one.
func NewBaseAgent(agentName, runID string) BaseAgent {
	if runID == "" {
		runID = uuid.NewString()
	}
	return BaseAgent{
		AgentName: agentName,
		RunID:     runID,
		memory:    make(map[string]any),
		Policies:  make(map[string]Policy),
	}
}

// FlowLogger derives a logger carrying the agent's correlation context for a
// flow. The derived logger is scoped to the call, so the context restores
// itself on every exit path.
func (a *BaseAgent) FlowLogger(flowID string) zerolog.Logger {
	return logging.Context{RunID: a.RunID, Agent: a.AgentName, FlowID: flowID}.Logger()
}

// RunLogger derives a logger for a flow under a specific run id.
func (a *BaseAgent) RunLogger(runID, flowID string) zerolog.Logger {
	return logging.Context{RunID: runID, Agent: a.AgentName, FlowID: flowID}.Logger()
}

// StoreMemory stores an episodic memory entry.
func (a *BaseAgent) StoreMemory(key string, value any) {
	a.memory[key] = value
}

// GetMemory retrieves an episodic memory entry.
func (a *BaseAgent) GetMemory(key string) (any, bool) {
	v, ok := a.memory[key]
	return v, ok
}

// ClearMemory drops every episodic entry.
func (a *BaseAgent) ClearMemory() {
	a.memory = make(map[string]any)
}

// ValidatePolicy checks a value against a named policy. Unset policies allow
// everything.
func (a *BaseAgent) ValidatePolicy(name string, value float64) bool {
	policy, ok := a.Policies[name]
	if !ok {
		return true
	}
	if policy.Predicate != nil {
		return policy.Predicate(value)
	}
	if policy.Min != nil && value < *policy.Min {
		return false
	}
	if policy.Max != nil && value > *policy.Max {
		return false
	}
	return true
}

// CreateMessage wraps a payload in an agent message from this agent.
func (a *BaseAgent) CreateMessage(toAgent, flowID string, payload any) domain.AgentMessage {
	return domain.NewAgentMessage(a.AgentName, toAgent, flowID, payload)
}

// CreateErrorResponse builds the standard error payload.
func (a *BaseAgent) CreateErrorResponse(code domain.ErrorCode, message string, details map[string]any) domain.ErrorResponse {
	return domain.ErrorResponse{
		ErrorCode:    code,
		ErrorMessage: message,
		ErrorDetails: details,
		RunID:        a.RunID,
	}
}

// ErrorFromErr maps a Go error onto the wire error payload.
func (a *BaseAgent) ErrorFromErr(err error) domain.ErrorResponse {
	return a.CreateErrorResponse(domain.CodeOf(err), err.Error(), nil)
}

// unknownMessage is the shared default reply for unrecognized payloads.
func (a *BaseAgent) unknownMessage(msg domain.AgentMessage) domain.AgentMessage {
	err := a.CreateErrorResponse(domain.ErrUnknownMessageType,
		"unknown message type", map[string]any{"payload_type": payloadType(msg.Payload)})
	return a.CreateMessage(msg.FromAgent, msg.FlowID, err)
}

// handlerError is the shared reply when a handler itself fails.
func (a *BaseAgent) handlerError(msg domain.AgentMessage, err error) domain.AgentMessage {
	return a.CreateMessage(msg.FromAgent, msg.FlowID,
		a.CreateErrorResponse(domain.ErrHandler, err.Error(), nil))
}

func payloadType(payload any) string {
	switch payload.(type) {
	case domain.StartBacktestRequest, *domain.StartBacktestRequest:
		return "StartBacktestRequest"
	case domain.EvaluationRequest, *domain.EvaluationRequest:
		return "EvaluationRequest"
	case domain.OptimizationRequest, *domain.OptimizationRequest:
		return "OptimizationRequest"
	case domain.StoreResultsRequest, *domain.StoreResultsRequest:
		return "StoreResultsRequest"
	case domain.RetrieveResultsRequest, *domain.RetrieveResultsRequest:
		return "RetrieveResultsRequest"
	case nil:
		return "nil"
	default:
		return "unknown"
	}
}

func floatPtr(v float64) *float64 { return &v }
