/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package catalog implements the Tool Catalog (C2): the static
// contract mapping a tool name to the container image that runs it,
// the argv builder that turns resolved parameters into a command
// line, the output parser that turns raw stdout into Findings, a
// timeout, an OWASP category, and a safety classification.
//
// This is a reference implementation of an externally-declared
// contract — the catalog is supplied by the deployment, not invented
// by the orchestrator; it registers twelve built-in reference tools plus
// the twelve canonical tool names, and lets callers register more.
package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/carterpry/restraint/internal/workflow"
)

// SafetyClass tags how aggressive a tool is, independent of the
// restraint evaluator's own rule engine — it's the datum rules key off.
type SafetyClass string

const (
	SafetyReadOnly    SafetyClass = "read_only"
	SafetyNonIntrusive SafetyClass = "non_intrusive"
	SafetyIntrusive   SafetyClass = "intrusive"
	SafetyDestructive SafetyClass = "destructive"
)

// ArgvBuilder turns resolved parameters into a container command line.
type ArgvBuilder func(params map[string]string) ([]string, error)

// OutputParser turns raw combined stdout/stderr into structured Findings.
type OutputParser func(stdout, stderr string, target string) []workflow.Finding

// Entry is one catalog record.
type Entry struct {
	Name          string
	Image         string
	BuildArgv     ArgvBuilder
	ParseOutput   OutputParser
	Timeout       time.Duration
	OWASPCategory string
	Safety        SafetyClass
	ParamSchema   *jsonschema.Schema
}

// Catalog is the registry of known tools.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns a Catalog pre-populated with the built-in reference tools.
func New() *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	for _, e := range builtins() {
		c.Register(e)
	}
	for _, e := range canonicalBuiltins() {
		c.Register(e)
	}
	return c
}

// Register adds or replaces a catalog entry.
func (c *Catalog) Register(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Name] = e
}

// Get looks up a tool by name.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Names lists every registered tool.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	return names
}

// ValidateParams checks params against the tool's declared JSON schema,
// when one is present. Tools without a schema accept anything.
func (c *Catalog) ValidateParams(name string, params map[string]any) error {
	e, ok := c.Get(name)
	if !ok {
		return fmt.Errorf("catalog: unknown tool %q", name)
	}
	if e.ParamSchema == nil {
		return nil
	}
	res, err := e.ParamSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("catalog: resolve schema for %q: %w", name, err)
	}
	return res.Validate(params)
}
