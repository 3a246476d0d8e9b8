// Package tools holds the assistant's tool catalog and the dispatcher that
// runs model-requested tool calls against it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ehr/assistant/internal/domain/actions"
	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/llm"
)

// Class separates tools that only read from tools that mutate the chart.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// Scope decides when a tool is offered. Patient-scoped tools need a patient
// bound to the conversation.
type Scope string

const (
	ScopeTenant  Scope = "tenant"
	ScopePatient Scope = "patient"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrToolNotAllowed = errors.New("tool not allowed in this conversation")
)

// Session is what a tool knows about the turn invoking it.
type Session struct {
	TenantID       string
	UserID         string
	ConversationID *uuid.UUID
	PatientID      *uuid.UUID
	Now            time.Time
}

// Output is what a handler produces on success.
type Output struct {
	Payload       interface{}
	DataAccessed  []string
	Summary       string
	Visualization *Visualization
	Actions       []actions.Executed
	// Audited is set when the handler already wrote the call's audit
	// entry, as write tools do through the committer.
	Audited bool
}

// Handler executes one tool call. args have already been validated against
// the tool's schema.
type Handler interface {
	Execute(ctx context.Context, sess Session, args json.RawMessage) (*Output, error)
}

type HandlerFunc func(ctx context.Context, sess Session, args json.RawMessage) (*Output, error)

func (f HandlerFunc) Execute(ctx context.Context, sess Session, args json.RawMessage) (*Output, error) {
	return f(ctx, sess, args)
}

type Definition struct {
	Name        string
	Description string
	// Schema is a JSON Schema object describing the arguments.
	Schema  json.RawMessage
	Class   Class
	Scope   Scope
	Risk    auditlog.Risk
	Handler Handler

	compiled *gojsonschema.Schema
}

// Allowed reports whether the tool may run in sess.
func (d *Definition) Allowed(sess Session) bool {
	return d.Scope == ScopeTenant || sess.PatientID != nil
}

// Registry maps tool names to definitions. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register compiles the definition's schema and adds it, replacing any
// tool of the same name.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("tool definition needs a name and a handler")
	}
	switch def.Class {
	case ClassRead, ClassWrite:
	default:
		return fmt.Errorf("tool %s: invalid class %q", def.Name, def.Class)
	}
	switch def.Scope {
	case ScopeTenant, ScopePatient:
	default:
		return fmt.Errorf("tool %s: invalid scope %q", def.Name, def.Scope)
	}
	if def.Risk == "" {
		def.Risk = auditlog.RiskLow
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Schema))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}
	def.compiled = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = &def
	return nil
}

func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Available returns the tools sess may use: tenant-scoped tools always,
// patient-scoped ones only with a bound patient.
func (r *Registry) Available(sess Session) []*Definition {
	var out []*Definition
	for _, d := range r.List() {
		if d.Allowed(sess) {
			out = append(out, d)
		}
	}
	return out
}

// Schemas is Available in the form sent to the model.
func (r *Registry) Schemas(sess Session) []llm.ToolSchema {
	defs := r.Available(sess)
	out := make([]llm.ToolSchema, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return out
}

func (d *Definition) validate(args json.RawMessage) error {
	res, err := d.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &clinical.ValidationError{Reason: "arguments are not valid JSON: " + err.Error()}
	}
	if res.Valid() {
		return nil
	}
	msg := ""
	for i, e := range res.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return &clinical.ValidationError{Reason: "invalid arguments: " + msg}
}
