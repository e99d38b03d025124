package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	subprocschema "github.com/Paintersrp/subproc/schema"
)

const jobSchemaURL = "job.v1.json"

// SchemaIssue is one violation of the job schema.
type SchemaIssue struct {
	// Field is a dotted path such as channels[1].name, or "job" for the
	// document itself.
	Field   string
	Message string
}

// SchemaError lists every schema violation found in a job document.
type SchemaError struct {
	Issues []SchemaIssue
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema validation failed:")
	for _, issue := range e.Issues {
		fmt.Fprintf(&b, "\n  - %s: %s", issue.Field, issue.Message)
	}
	return b.String()
}

var compileJobSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(jobSchemaURL, bytes.NewReader(subprocschema.JobV1Schema)); err != nil {
		return nil, fmt.Errorf("add job schema resource: %w", err)
	}
	schema, err := compiler.Compile(jobSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}
	return schema, nil
})

func validateAgainstSchema(doc map[string]any) error {
	schema, err := compileJobSchema()
	if err != nil {
		return err
	}
	// The validator wants JSON types (json.Number, map[string]any), not the
	// ones yaml.v3 decodes into.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("prepare job for schema validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("prepare job for schema validation: %w", err)
	}

	err = schema.Validate(instance)
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return &SchemaError{Issues: collectIssues(verr, nil)}
	}
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// collectIssues flattens the cause tree to its leaves. Wrapper nodes only
// say which subschema failed.
func collectIssues(err *jsonschema.ValidationError, out []SchemaIssue) []SchemaIssue {
	if len(err.Causes) == 0 {
		return append(out, SchemaIssue{Field: fieldPath(err.InstanceLocation), Message: err.Message})
	}
	for _, cause := range err.Causes {
		out = collectIssues(cause, out)
	}
	return out
}

// fieldPath turns a JSON pointer into the dotted form used in job errors.
func fieldPath(ptr string) string {
	var b strings.Builder
	for _, segment := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if segment == "" {
			continue
		}
		segment = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(segment); err == nil {
			fmt.Fprintf(&b, "[%s]", segment)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(segment)
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
