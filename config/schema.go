package config

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// PolicyKind names one operator policy file that has an embedded JSON
// Schema. Policy files are optional; a missing file means built-in
// defaults apply, so validation only runs against files that exist.
type PolicyKind string

// Known policy kinds.
const (
	PolicyBudget     PolicyKind = "budget"
	PolicyRuntime    PolicyKind = "runtime"
	PolicyRecovery   PolicyKind = "recovery"
	PolicyAcceptance PolicyKind = "acceptance"
	PolicyStrategies PolicyKind = "strategies"
	PolicyKnowledge  PolicyKind = "knowledge"
)

// policyFiles maps each kind to its file name under the config
// directory. The names are part of the on-disk contract.
var policyFiles = map[PolicyKind]string{
	PolicyBudget:     "budget-policy.json",
	PolicyRuntime:    "runtime-policy.json",
	PolicyRecovery:   "recovery-policy.json",
	PolicyAcceptance: "acceptance-policy.json",
	PolicyStrategies: "role-strategies.json",
	PolicyKnowledge:  "knowledge-feedback.json",
}

// PolicyKinds returns every known policy kind in stable order.
func PolicyKinds() []PolicyKind {
	return []PolicyKind{
		PolicyBudget,
		PolicyRuntime,
		PolicyRecovery,
		PolicyAcceptance,
		PolicyStrategies,
		PolicyKnowledge,
	}
}

// PolicyFile returns the config file name for kind.
func PolicyFile(kind PolicyKind) (string, bool) {
	name, ok := policyFiles[kind]
	return name, ok
}

// KindForFile returns the policy kind owning the given file name.
func KindForFile(name string) (PolicyKind, bool) {
	base := filepath.Base(name)
	for kind, file := range policyFiles {
		if file == base {
			return kind, true
		}
	}
	return "", false
}

var (
	schemaOnce sync.Once
	schemaSet  map[PolicyKind]*jsonschema.Schema
	schemaErr  error
)

// compiledSchemas compiles the embedded schemas once and caches them.
func compiledSchemas() (map[PolicyKind]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		out := make(map[PolicyKind]*jsonschema.Schema, len(policyFiles))
		for _, kind := range PolicyKinds() {
			name := schemaName(policyFiles[kind])
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemaErr = fmt.Errorf("read embedded schema %s: %w", name, err)
				return
			}
			var doc any
			if err := json.Unmarshal(data, &doc); err != nil {
				schemaErr = fmt.Errorf("parse embedded schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				schemaErr = fmt.Errorf("register schema %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[kind] = schema
		}
		schemaSet = out
	})
	return schemaSet, schemaErr
}

// schemaName maps a policy file name to its schema file name.
func schemaName(file string) string {
	return strings.TrimSuffix(file, ".json") + ".schema.json"
}

// ValidatePolicy checks the policy file at path against the embedded
// schema for kind. A missing file is valid.
func ValidatePolicy(kind PolicyKind, path string) error {
	compiled, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("unknown policy kind %q", kind)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Issue reports one policy file that failed validation.
type Issue struct {
	Kind  PolicyKind `json:"kind"`
	File  string     `json:"file"`
	Error string     `json:"error"`
}

// ValidateDir validates every known policy file under configDir and
// returns one issue per failing file. An empty slice means every
// present policy file is well formed.
func ValidateDir(configDir string) []Issue {
	var issues []Issue
	for _, kind := range PolicyKinds() {
		file := policyFiles[kind]
		if err := ValidatePolicy(kind, filepath.Join(configDir, file)); err != nil {
			issues = append(issues, Issue{Kind: kind, File: file, Error: err.Error()})
		}
	}
	return issues
}
