package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/quorum/model"
)

// DefaultTimeoutHours is the step timeout used when neither the step nor the
// generator configures one.
const DefaultTimeoutHours = 48

// Generator produces the step definitions an instance is created with.
type Generator struct {
	registry     *Registry
	timeoutHours int
	logger       *zap.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithTimeoutHours sets the timeout applied to generated steps.
func WithTimeoutHours(h int) GeneratorOption {
	return func(g *Generator) {
		if h > 0 {
			g.timeoutHours = h
		}
	}
}

// WithGeneratorLogger sets the generator's logger.
func WithGeneratorLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator creates a Generator dispatching through registry.
func NewGenerator(registry *Registry, opts ...GeneratorOption) *Generator {
	g := &Generator{
		registry:     registry,
		timeoutHours: DefaultTimeoutHours,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Steps returns the ordered step definitions for a request under policy p.
// Policies that carry explicit steps use them as configured; all others are
// generated by the category strategy and expanded to single-agent steps. An
// empty result fails with EMPTY_FLOW.
func (g *Generator) Steps(ctx context.Context, tenantID string, p model.Policy, req model.ApprovalRequest) ([]model.StepDefinition, error) {
	var (
		defs []model.StepDefinition
		err  error
	)
	if len(p.Steps) > 0 || p.ApprovalStrategy == model.StrategyConfigured {
		defs = Configured(p, g.timeoutHours)
	} else {
		var steps []model.FlowStep
		steps, err = g.registry.Generate(ctx, tenantID, p, req)
		if err != nil {
			return nil, model.AsEnvelope("generate flow", err)
		}
		defs = Expand(p, steps, g.timeoutHours)
	}

	if len(defs) == 0 {
		return nil, model.NewEmptyFlowError(p.PolicyName)
	}

	g.logger.Debug("flow generated",
		zap.String("policy_id", p.ID),
		zap.String("category", p.ObjectCategory),
		zap.Int("steps", len(defs)),
	)
	return defs, nil
}

// Expand converts generated flow steps into step definitions. Each step gets
// one required agent and the ALL completion rule.
func Expand(p model.Policy, steps []model.FlowStep, timeoutHours int) []model.StepDefinition {
	if timeoutHours <= 0 {
		timeoutHours = DefaultTimeoutHours
	}
	defs := make([]model.StepDefinition, 0, len(steps))
	for i, s := range steps {
		seq := i + 1
		id := stepID(p, seq)
		name := s.LevelName
		if name == "" {
			name = s.ApproverRole + " Approval"
		}
		defs = append(defs, model.StepDefinition{
			ID:             id,
			Sequence:       seq,
			Code:           s.ApproverRole,
			Name:           name,
			CompletionRule: model.CompletionAll,
			TimeoutHours:   timeoutHours,
			AmountLimit:    s.AmountLimit,
			Agents: []model.StepAgent{{
				ID:       id + "-agent-1",
				Sequence: 1,
				Required: true,
				Rule:     RuleFor(s),
			}},
		})
	}
	return defs
}

// RuleFor derives the agent rule that resolves a generated step.
func RuleFor(s model.FlowStep) model.AgentRule {
	switch {
	case s.AssigneeID != "":
		return model.AgentRule{Type: model.RuleUser, EmployeeID: s.AssigneeID}
	case s.ApproverRole == RoleDirectManager:
		return model.AgentRule{Type: model.RuleHierarchy, Levels: 1}
	default:
		return model.AgentRule{
			Type:        model.RulePosition,
			Code:        s.ApproverRole,
			PlantScoped: true,
			Fallback:    true,
		}
	}
}

// Configured returns a copy of the policy's configured steps numbered 1..n
// with missing ids, completion rules, and timeouts filled in.
func Configured(p model.Policy, timeoutHours int) []model.StepDefinition {
	if timeoutHours <= 0 {
		timeoutHours = DefaultTimeoutHours
	}
	defs := make([]model.StepDefinition, len(p.Steps))
	for i, s := range p.Steps {
		s.Sequence = i + 1
		if s.ID == "" {
			s.ID = stepID(p, s.Sequence)
		}
		if s.CompletionRule == "" {
			s.CompletionRule = model.CompletionAll
		}
		if s.TimeoutHours <= 0 {
			s.TimeoutHours = timeoutHours
		}
		agents := make([]model.StepAgent, len(s.Agents))
		for j, a := range s.Agents {
			if a.ID == "" {
				a.ID = fmt.Sprintf("%s-agent-%d", s.ID, j+1)
			}
			if a.Sequence == 0 {
				a.Sequence = j + 1
			}
			agents[j] = a
		}
		s.Agents = agents
		defs[i] = s
	}
	return defs
}

func stepID(p model.Policy, seq int) string {
	return fmt.Sprintf("%s-step-%d", p.ID, seq)
}
