// Package dsl reads workflow definitions from YAML.
//
// A definition file names its nodes, their dependencies and the work each
// one performs. Function nodes refer to a named function or tool from the
// loader's table:
//
//	name: fetch-and-report
//	timeout: 30s
//	retry:
//	  max_attempts: 3
//	  initial_delay: 100ms
//	  multiplier: 2
//	nodes:
//	  - name: fetch
//	    tool: http_request
//	    params:
//	      url: https://example.com/status
//	  - name: healthy
//	    type: conditional
//	    depends_on: [fetch]
//	    condition: fetch_body
//	  - name: summarize
//	    type: ai
//	    depends_on: [fetch]
//	    system_prompt: Summarize the response.
//	    inputs:
//	      fetch_body: {required: true}
//
// Tool results are written as variables prefixed with the node name and an
// underscore, so the fetch node above sets fetch_status_code and fetch_body.
package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/dagflow/workflow"
	"github.com/dshills/dagflow/workflow/tool"
)

// ErrInvalidDefinition is wrapped by every decoding and validation failure.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Definition is the decoded form of a definition file.
type Definition struct {
	Name    string        `yaml:"name" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Retry   *RetrySpec    `yaml:"retry"`
	Cache   *CacheSpec    `yaml:"cache"`
	Monitor *MonitorSpec  `yaml:"monitor"`
	Nodes   []NodeSpec    `yaml:"nodes" validate:"required,min=1,dive"`
}

// RetrySpec is the YAML form of workflow.RetryPolicy.
type RetrySpec struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"omitempty,gte=1"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// CacheSpec enables result caching; ttl bounds each cached entry.
type CacheSpec struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// MonitorSpec selects which metrics are recorded.
type MonitorSpec struct {
	Enabled  bool `yaml:"enabled"`
	Detailed bool `yaml:"detailed"`
}

// NodeSpec describes one node. Type is case-insensitive and defaults to
// function.
type NodeSpec struct {
	Name      string   `yaml:"name" validate:"required"`
	Type      string   `yaml:"type" validate:"omitempty,oneof=FUNCTION AI CONDITIONAL PARALLEL JOIN"`
	DependsOn []string `yaml:"depends_on" validate:"dive,required"`

	// Function and Tool select the work of a function node; at most one is set.
	Function string `yaml:"function"`
	Tool     string `yaml:"tool"`

	Timeout   time.Duration        `yaml:"timeout" validate:"gte=0"`
	Async     bool                 `yaml:"async"`
	Retry     *RetrySpec           `yaml:"retry"`
	Cacheable bool                 `yaml:"cacheable"`
	Inputs    map[string]InputSpec `yaml:"inputs" validate:"dive"`
	Outputs   []string             `yaml:"outputs" validate:"dive,required"`
	Params    map[string]any       `yaml:"params"`
	ResultKey string               `yaml:"result_key"`

	SystemPrompt string   `yaml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens" validate:"gte=0"`
	Temperature  *float64 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`

	// Condition is a variable name, optionally negated with "!".
	Condition string `yaml:"condition"`

	Branches       []NodeSpec `yaml:"branches" validate:"dive"`
	MaxConcurrency int        `yaml:"max_concurrency" validate:"gte=0"`
	WaitForAll     bool       `yaml:"wait_for_all"`
}

// InputSpec declares one node input.
type InputSpec struct {
	Required bool `yaml:"required"`
	Default  any  `yaml:"default"`
	// Type is one of string, int, float, bool, list or map.
	Type string `yaml:"type" validate:"omitempty,oneof=string int float bool list map"`
}

var inputTypes = map[string]reflect.Type{
	"string": reflect.TypeOf(""),
	"int":    reflect.TypeOf(0),
	"float":  reflect.TypeOf(0.0),
	"bool":   reflect.TypeOf(false),
	"list":   reflect.TypeOf([]any{}),
	"map":    reflect.TypeOf(map[string]any{}),
}

// Loader turns definition files into workflow definitions.
//
// It is safe for concurrent use once constructed.
type Loader struct {
	functions map[string]workflow.Work
	tools     map[string]tool.Tool
	validate  *validator.Validate
}

// Option registers functions or tools with a Loader.
type Option func(*Loader)

// WithFunction makes w available to nodes as function: name. It replaces
// a built-in of the same name.
func WithFunction(name string, w workflow.Work) Option {
	return func(l *Loader) { l.functions[name] = w }
}

// WithTool makes t available to nodes as tool: t.Name().
func WithTool(t tool.Tool) Option {
	return func(l *Loader) { l.tools[t.Name()] = t }
}

// NewLoader returns a loader knowing the built-in functions (see Builtins)
// and the http_request tool.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		functions: Builtins(),
		tools:     make(map[string]tool.Tool),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	h := tool.NewHTTPTool(nil)
	l.tools[h.Name()] = h
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile reads and builds the definition at path.
func (l *Loader) LoadFile(path string) (*workflow.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf, err := l.Build(def)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes and validates a definition without building it. Unknown
// keys are rejected.
func (l *Loader) Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	normalize(def.Nodes)
	if err := l.validate.Struct(&def); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, describe(err))
	}
	return &def, nil
}

// Build resolves function and tool references and runs the workflow
// builder. Graph errors from the builder are returned as they are, so
// errors.Is(err, workflow.ErrInvalidWorkflow) holds for cycles and
// unknown dependencies.
func (l *Loader) Build(def *Definition) (*workflow.WorkflowDefinition, error) {
	b := workflow.NewBuilder()
	for i := range def.Nodes {
		node, err := l.node(&def.Nodes[i])
		if err != nil {
			return nil, err
		}
		if err := b.AddNode(node); err != nil {
			return nil, err
		}
	}

	var opts []workflow.DefinitionOption
	if def.Timeout > 0 {
		opts = append(opts, workflow.WithWorkflowTimeout(def.Timeout))
	}
	if def.Retry != nil {
		opts = append(opts, workflow.WithWorkflowRetry(def.Retry.policy()))
	}
	if def.Cache != nil && def.Cache.Enabled {
		opts = append(opts, workflow.WithResultCaching(def.Cache.TTL))
	}
	if def.Monitor != nil {
		opts = append(opts, workflow.WithMonitoring(def.Monitor.Enabled, def.Monitor.Detailed))
	}
	return b.Build(def.Name, opts...)
}

func (l *Loader) node(ns *NodeSpec) (*workflow.Node, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: node %q: %s", ErrInvalidDefinition, ns.Name, fmt.Sprintf(format, args...))
	}

	n := &workflow.Node{
		Name:         ns.Name,
		Type:         workflow.NodeType(ns.Type),
		Dependencies: ns.DependsOn,
		Config: workflow.NodeConfig{
			Timeout:        ns.Timeout,
			Async:          ns.Async,
			SystemPrompt:   ns.SystemPrompt,
			MaxConcurrency: ns.MaxConcurrency,
			WaitForAll:     ns.WaitForAll,
			ResultKey:      ns.ResultKey,
			Cacheable:      ns.Cacheable,
			Params:         ns.Params,
			MaxTokens:      ns.MaxTokens,
			Temperature:    ns.Temperature,
		},
	}
	if ns.Retry != nil {
		n.Config.Retry = ns.Retry.policy()
	}
	if ns.Condition != "" {
		n.Config.Condition = workflow.VariablePredicate(ns.Condition)
	}

	switch {
	case ns.Function != "" && ns.Tool != "":
		return nil, invalid("function and tool are mutually exclusive")
	case ns.Function != "":
		w, ok := l.functions[ns.Function]
		if !ok {
			return nil, invalid("unknown function %q", ns.Function)
		}
		n.Work = w
	case ns.Tool != "":
		t, ok := l.tools[ns.Tool]
		if !ok {
			return nil, invalid("unknown tool %q", ns.Tool)
		}
		n.Work = tool.Work(t, ns.Name+"_")
	}

	if len(ns.Inputs) > 0 {
		n.Inputs = make(map[string]workflow.Param, len(ns.Inputs))
		for name, in := range ns.Inputs {
			n.Inputs[name] = workflow.Param{Type: inputTypes[in.Type], Required: in.Required, Default: in.Default}
		}
	}
	if len(ns.Outputs) > 0 {
		n.Outputs = make(map[string]workflow.Param, len(ns.Outputs))
		for _, name := range ns.Outputs {
			n.Outputs[name] = workflow.Param{}
		}
	}

	for i := range ns.Branches {
		br, err := l.node(&ns.Branches[i])
		if err != nil {
			return nil, err
		}
		n.Config.Branches = append(n.Config.Branches, br)
	}
	return n, nil
}

func (r *RetrySpec) policy() *workflow.RetryPolicy {
	return &workflow.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
	}
}

// normalize upper-cases node types so validation and NodeType agree.
func normalize(nodes []NodeSpec) {
	for i := range nodes {
		nodes[i].Type = strings.ToUpper(strings.TrimSpace(nodes[i].Type))
		normalize(nodes[i].Branches)
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}
