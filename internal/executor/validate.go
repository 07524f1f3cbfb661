package executor

import (
	"encoding/json"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// validator compiles each distinct input schema once.
type validator struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

func newValidator() *validator {
	return &validator{schemas: map[string]*gojsonschema.Schema{}}
}

func (v *validator) validate(tool string, schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return &ValidationError{Tool: tool, Problems: []string{"tool schema does not compile: " + err.Error()}}
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := compiled.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: tool, Problems: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		problems = append(problems, re.String())
	}
	return &ValidationError{Tool: tool, Problems: problems}
}

func (v *validator) compile(schema map[string]any) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.schemas[key] = s
	return s, nil
}
