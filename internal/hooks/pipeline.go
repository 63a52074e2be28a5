// Package hooks implements the declarative decision pipeline gating the
// agentic loop: pre/post tool use, stop, user prompt submit, and agent
// start/end decisions, with regex-scoped rules and sandboxed script actions.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"sync"
)

// DecisionType identifies the category of hook this pipeline evaluates.
// The six types gate the agentic loop at its decision points rather than
// announcing side-channel activity to subscribers.
type DecisionType string

const (
	DecisionPreToolUse       DecisionType = "pre_tool_use"
	DecisionPostToolUse      DecisionType = "post_tool_use"
	DecisionStop             DecisionType = "stop"
	DecisionUserPromptSubmit DecisionType = "user_prompt_submit"
	DecisionAgentStart       DecisionType = "agent_start"
	DecisionAgentEnd         DecisionType = "agent_end"
)

// Decision is the outcome of evaluating a hook against an input.
type Decision string

const (
	Deny    Decision = "deny"
	Allow   Decision = "allow"
	Default Decision = "default"
)

// DecisionInput is the context passed into a pipeline evaluation. Exactly the
// fields relevant to Type are meaningful; others are left zero.
type DecisionInput struct {
	Type       DecisionType
	AgentID    string
	ToolName   string
	ToolInput  json.RawMessage
	ToolResult string
	Prompt     string
	StopReason string
}

// DecisionResult is the pipeline's verdict: whether to deny/allow/default,
// an optional human-readable reason, and optionally replaced tool input (for
// pre_tool_use hooks that mutate rather than just gate).
type DecisionResult struct {
	Decision      Decision
	Reason        string
	ModifiedInput json.RawMessage
}

// ScriptRunner executes a script-action hook inside the agent's own sandboxed
// worker context. It is supplied by the relay (§4.6), since only the relay
// has the capability surface (callTool, log) the script context needs.
type ScriptRunner interface {
	RunScript(ctx context.Context, source string, scriptCtx ScriptContext) (*DecisionResult, error)
}

// ScriptContext is the data a script hook action receives.
type ScriptContext struct {
	Type       DecisionType
	AgentID    string
	ToolName   string
	ToolInput  json.RawMessage
	ToolResult string
	Prompt     string
	StopReason string
}

// RuleAction is the action a declarative rule takes when it matches.
type RuleAction string

const (
	ActionLog    RuleAction = "log"
	ActionDeny   RuleAction = "deny"
	ActionAllow  RuleAction = "allow"
	ActionScript RuleAction = "script"
)

// Rule is one declarative hook registration (spec §3 "Hook registration" plus
// §4.5 declarative rule fields).
type Rule struct {
	ID       string
	Type     DecisionType
	Priority int // default 0; sorted descending

	// ToolNamePattern, when Type is tool-scoped, is matched as a regex
	// against ToolName. Empty matches every tool.
	ToolNamePattern string

	// InputMatchers match named fields of ToolInput against a regex. A
	// missing or non-string field means the rule does not apply (returns
	// Default), not that it is denied.
	InputMatchers map[string]string

	Action RuleAction

	// Script is the action's source when Action == ActionScript.
	Script string

	// ContinueOnError controls what a script failure resolves to. Default
	// true: continue (Default). false: deny with the error message.
	ContinueOnError bool

	Reason string

	nameRe  *regexp.Regexp
	fieldRe map[string]*regexp.Regexp
}

func (r *Rule) compile() error {
	if r.ToolNamePattern != "" {
		re, err := regexp.Compile(r.ToolNamePattern)
		if err != nil {
			return err
		}
		r.nameRe = re
	}
	if len(r.InputMatchers) > 0 {
		r.fieldRe = make(map[string]*regexp.Regexp, len(r.InputMatchers))
		for field, pattern := range r.InputMatchers {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return err
			}
			r.fieldRe[field] = re
		}
	}
	return nil
}

// matches reports whether the rule applies to this input at all (tool name
// pattern + input matchers), independent of the decision it would produce.
func (r *Rule) matches(in DecisionInput) bool {
	if r.Type != in.Type {
		return false
	}
	if r.nameRe != nil && !r.nameRe.MatchString(in.ToolName) {
		return false
	}
	if len(r.fieldRe) == 0 {
		return true
	}
	var fields map[string]any
	if len(in.ToolInput) > 0 {
		_ = json.Unmarshal(in.ToolInput, &fields)
	}
	for field, re := range r.fieldRe {
		val, ok := fields[field]
		if !ok {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		if !re.MatchString(s) {
			return false
		}
	}
	return true
}

// Pipeline evaluates registered rules against a DecisionInput following the
// spec §4.5 algorithm: filter by type, apply tool-name-pattern matching,
// sort by priority descending, then walk in order — first deny wins
// immediately; an allow carrying ModifiedInput short-circuits; other allows
// are remembered; defaults change nothing. Final result is the first-seen
// allow if any, else default. Hook errors are caught, logged, and treated as
// default (never block the pipeline).
type Pipeline struct {
	mu     sync.RWMutex
	rules  []*Rule
	runner ScriptRunner
	logger *slog.Logger
}

// NewPipeline creates an empty decision pipeline. runner may be nil if no
// script-action rules will be registered.
func NewPipeline(runner ScriptRunner, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runner: runner,
		logger: logger.With("component", "hook-pipeline"),
	}
}

// Register adds a declarative rule to the pipeline. Returns an error if any
// of its regex patterns fail to compile.
func (p *Pipeline) Register(rule *Rule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
	return nil
}

// Unregister removes a rule by id.
func (p *Pipeline) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.rules {
		if r.ID == id {
			p.rules = append(p.rules[:i], p.rules[i+1:]...)
			return
		}
	}
}

// HasType reports whether any rule is registered for the given decision
// type, letting a caller (the worker) cheaply skip dispatch entirely when
// no hook of that type exists (spec §3 "Hook registration").
func (p *Pipeline) HasType(t DecisionType) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.rules {
		if r.Type == t {
			return true
		}
	}
	return false
}

// Evaluate runs the pipeline for the given input and returns the final
// decision.
func (p *Pipeline) Evaluate(ctx context.Context, in DecisionInput) DecisionResult {
	p.mu.RLock()
	candidates := make([]*Rule, 0, len(p.rules))
	for _, r := range p.rules {
		if r.matches(in) {
			candidates = append(candidates, r)
		}
	}
	p.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var firstAllow *DecisionResult

	for _, rule := range candidates {
		result := p.runRule(ctx, rule, in)
		if result == nil {
			continue
		}
		switch result.Decision {
		case Deny:
			return *result
		case Allow:
			if result.ModifiedInput != nil {
				return *result
			}
			if firstAllow == nil {
				r := *result
				firstAllow = &r
			}
		case Default:
			// no effect on outcome
		}
	}

	if firstAllow != nil {
		return *firstAllow
	}
	return DecisionResult{Decision: Default}
}

func (p *Pipeline) runRule(ctx context.Context, rule *Rule, in DecisionInput) *DecisionResult {
	switch rule.Action {
	case ActionLog:
		p.logger.Info("hook rule matched", "rule", rule.ID, "type", in.Type, "tool", in.ToolName)
		return &DecisionResult{Decision: Default}
	case ActionDeny:
		return &DecisionResult{Decision: Deny, Reason: rule.Reason}
	case ActionAllow:
		return &DecisionResult{Decision: Allow, Reason: rule.Reason}
	case ActionScript:
		return p.runScript(ctx, rule, in)
	default:
		return &DecisionResult{Decision: Default}
	}
}

func (p *Pipeline) runScript(ctx context.Context, rule *Rule, in DecisionInput) *DecisionResult {
	if p.runner == nil {
		p.logger.Warn("script hook registered with no runner configured", "rule", rule.ID)
		return &DecisionResult{Decision: Default}
	}
	scriptCtx := ScriptContext{
		Type:       in.Type,
		AgentID:    in.AgentID,
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolResult: in.ToolResult,
		Prompt:     in.Prompt,
		StopReason: in.StopReason,
	}
	result, err := p.runner.RunScript(ctx, rule.Script, scriptCtx)
	if err != nil {
		p.logger.Warn("script hook failed", "rule", rule.ID, "error", err)
		if !rule.ContinueOnError {
			return &DecisionResult{Decision: Deny, Reason: err.Error()}
		}
		return &DecisionResult{Decision: Default}
	}
	if result == nil {
		return &DecisionResult{Decision: Default}
	}
	return result
}
