package toolgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/llm"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 10 * 1024
)

// Parameter defines one tool parameter.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler executes a tool.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Definition defines a tool's metadata and handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Capability is the set of tools handed to one model call.
type Capability struct {
	specs []llm.ToolSpec
}

// Specs returns the tool specs for the model request.
func (c *Capability) Specs() []llm.ToolSpec {
	if c == nil {
		return nil
	}
	return c.specs
}

// Names returns the tool names in the capability.
func (c *Capability) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.Name
	}
	return names
}

// Config configures the Gateway.
type Config struct {
	Policy         *Policy
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         zerolog.Logger
}

type registered struct {
	def    Definition
	schema map[string]interface{}
	valid  *gojsonschema.Schema
}

// Gateway manages and executes tools.
type Gateway struct {
	mu             sync.RWMutex
	tools          map[string]*registered
	policy         *Policy
	timeout        time.Duration
	maxOutputBytes int
	logger         zerolog.Logger
}

// New creates an empty Gateway.
func New(cfg Config) *Gateway {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Gateway{
		tools:          make(map[string]*registered),
		policy:         cfg.Policy,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger.With().Str("component", "toolgateway").Logger(),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (g *Gateway) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchema(def)
	valid, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	g.mu.Lock()
	g.tools[def.Name] = &registered{def: def, schema: schemaMap, valid: valid}
	g.mu.Unlock()

	g.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// ListAvailableTools returns the registered tools the policy permits, sorted.
func (g *Gateway) ListAvailableTools() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	g.mu.RUnlock()

	sort.Strings(names)
	return g.policy.Filter(names)
}

// Describe returns the definition of a registered tool.
func (g *Gateway) Describe(name string) (Definition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// CreateToolCapability builds the capability for names. Every name must be
// registered and permitted.
func (g *Gateway) CreateToolCapability(names []string) (*Capability, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	capability := &Capability{specs: make([]llm.ToolSpec, 0, len(names))}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		t, ok := g.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", name)
		}
		if !g.policy.Allows(name) {
			return nil, fmt.Errorf("tool '%s' is not allowed by policy", name)
		}
		capability.specs = append(capability.specs, llm.ToolSpec{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: t.schema,
		})
	}
	return capability, nil
}

// Execute runs call and returns its result text. Tool failures are reported
// in the text; the error is non-nil only when the call could not be
// dispatched.
func (g *Gateway) Execute(ctx context.Context, call llm.ToolCall) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("tool %s not dispatched: %w", call.Name, err)
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "toolgateway.execute",
		attribute.String("tool.name", call.Name))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("tool", call.Name).Logger()
	start := time.Now()
	info, _ := CallFromContext(ctx)

	output, ok := g.run(ctx, logger, call)
	duration := time.Since(start)

	status := "success"
	if !ok {
		status = "failure"
	}
	observability.RecordToolExecution(call.Name, duration, ok)
	observability.RecordToolAudit(ctx, call.Name, info.SessionID, status, map[string]interface{}{
		"call_id":     call.ID,
		"duration_ms": duration.Milliseconds(),
	})

	if !ok {
		return "Error: " + output, nil
	}
	return output, nil
}

func (g *Gateway) run(ctx context.Context, logger zerolog.Logger, call llm.ToolCall) (string, bool) {
	if !g.policy.Allows(call.Name) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return fmt.Sprintf("tool '%s' is not allowed by policy", call.Name), false
	}

	g.mu.RLock()
	t := g.tools[call.Name]
	g.mu.RUnlock()
	if t == nil {
		logger.Warn().Msg("Tool not found")
		return fmt.Sprintf("tool not found: %s", call.Name), false
	}

	params := call.Arguments
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(t.valid, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return fmt.Sprintf("parameter validation failed: %v", err), false
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := t.def.Handler(timeoutCtx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Warn().Err(out.err).Msg("Tool execution failed")
			return fmt.Sprintf("tool %s failed: %v", call.Name, out.err), false
		}
		text, truncated := g.format(out.result)
		logger.Debug().Bool("truncated", truncated).Msg("Tool execution completed")
		return text, true
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn().Dur("timeout", g.timeout).Msg("Tool execution timeout")
			return fmt.Sprintf("tool execution timeout after %v", g.timeout), false
		}
		return fmt.Sprintf("tool %s cancelled", call.Name), false
	}
}

// format renders a handler result as text and truncates it.
func (g *Gateway) format(result interface{}) (string, bool) {
	var text string
	switch v := result.(type) {
	case nil:
		text = ""
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}

	if len(text) <= g.maxOutputBytes {
		return text, false
	}
	g.logger.Warn().
		Int("original", len(text)).
		Int("truncated", g.maxOutputBytes).
		Msg("Output truncated")
	return text[:g.maxOutputBytes] + "\n... [output truncated]", true
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Description == "" {
		return errors.New("tool description cannot be empty")
	}
	if def.Handler == nil {
		return errors.New("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}

// buildSchema generates the JSON Schema for a tool's parameters.
func buildSchema(def Definition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	var required []interface{}

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
