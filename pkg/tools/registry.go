// Package tools maps tool names to callable contracts. Arguments are
// validated against a JSON Schema compiled at registration time, before any
// tool code runs; handler failures and panics become structured results and
// never propagate to the orchestrator.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter declares one schema field of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Items       string      `json:"items,omitempty"` // element type for arrays
}

// Handler is the function signature for tool execution. It receives
// already-validated arguments and must return a structured error rather than
// panicking.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Schema renders the definition as the JSON-schema shaped map handed to LLM
// backends alongside the prompt.
func (d *Definition) Schema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, p := range d.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]interface{}{"type": p.Items}
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return map[string]interface{}{
		"name":         d.Name,
		"description":  d.Description,
		"input_schema": schema,
	}
}

// ValidationError lists per-field schema problems for a rejected invocation.
type ValidationError struct {
	Tool     string   `json:"tool"`
	Problems []string `json:"problems"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("arguments for %s failed validation: %v", e.Tool, e.Problems)
}

// Result is the structured outcome of one tool execution.
type Result struct {
	Success bool          `json:"success"`
	Output  interface{}   `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"-"`
}

// Registry maps tool names to definitions and compiled schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
}

// NewRegistry creates an empty tool registry. timeout bounds every Execute
// call; zero means the 30s default.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: timeout,
	}
}

// Register validates a definition, compiles its argument schema, and makes
// the tool resolvable.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}
	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]interface{}{"type": p.Items}
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Resolve returns the definition for a tool name.
func (r *Registry) Resolve(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns the registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas returns the schema maps of every registered tool, for the LLM
// backend's tool listing.
func (r *Registry) Schemas() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]map[string]interface{}, 0, len(r.tools))
	for _, def := range r.tools {
		schemas = append(schemas, def.Schema())
	}
	return schemas
}

// Validate checks arguments against a tool's compiled schema. A nil return
// means the arguments may be dispatched.
func (r *Registry) Validate(name string, args map[string]interface{}) *ValidationError {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return &ValidationError{Tool: name, Problems: []string{"tool not registered"}}
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Tool: name, Problems: problems}
}

// Execute runs a tool synchronously with validated arguments, measuring wall
// time. The handler runs under a deadline; panics are recovered into a
// failure result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	r.mu.RLock()
	def := r.tools[name]
	r.mu.RUnlock()

	if def == nil {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", name),
			Elapsed: time.Since(start),
		}
	}

	if verr := r.Validate(name, args); verr != nil {
		return Result{
			Success: false,
			Error:   verr.Error(),
			Elapsed: time.Since(start),
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errChan <- fmt.Errorf("tool %s panicked: %v", name, rec)
			}
		}()
		out, err := def.Handler(timeoutCtx, args)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- out
	}()

	select {
	case out := <-resultChan:
		elapsed := time.Since(start)
		log.Debug().Str("tool", name).Dur("duration", elapsed).Msg("Tool execution completed")
		return Result{Success: true, Output: out, Elapsed: elapsed}

	case err := <-errChan:
		elapsed := time.Since(start)
		log.Error().Str("tool", name).Dur("duration", elapsed).Err(err).Msg("Tool execution failed")
		return Result{Success: false, Error: err.Error(), Elapsed: elapsed}

	case <-timeoutCtx.Done():
		elapsed := time.Since(start)
		log.Error().Str("tool", name).Dur("duration", elapsed).Msg("Tool execution timeout")
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool execution timeout after %v", r.timeout),
			Elapsed: elapsed,
		}
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}
	return nil
}
