package promotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TestRunner produces the batch of results appended by run_tests.
type TestRunner interface {
	Run(ctx context.Context, cr *ChangeRequest) ([]TestResult, error)
}

// Check is one regression check over a change request's snapshot.
type Check interface {
	Name() string
	Run(ctx context.Context, cr *ChangeRequest) (passed bool, details string)
}

// Suite runs a fixed list of checks, so every batch has the same size.
type Suite struct {
	checks []Check
	now    func() time.Time
}

func NewSuite(now func() time.Time, checks ...Check) *Suite {
	if now == nil {
		now = time.Now
	}
	return &Suite{checks: checks, now: now}
}

// DefaultSuite is the three-check battery run by checkers before approval.
func DefaultSuite(now func() time.Time) (*Suite, error) {
	v, err := NewSnapshotValidator()
	if err != nil {
		return nil, err
	}
	return NewSuite(now,
		schemaCheck{validator: v},
		mappingCheck{},
		benchmarkCheck{validator: v, budget: 500 * time.Millisecond},
	), nil
}

func (s *Suite) Size() int { return len(s.checks) }

func (s *Suite) Run(ctx context.Context, cr *ChangeRequest) ([]TestResult, error) {
	out := make([]TestResult, 0, len(s.checks))
	for _, c := range s.checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passed, details := c.Run(ctx, cr)
		out = append(out, TestResult{
			ID:      uuid.NewString(),
			Name:    c.Name(),
			Passed:  passed,
			Details: details,
			RunAt:   s.now(),
		})
	}
	return out, nil
}

var workflowStageIDs = `["input", "validation", "review", "processing", "verification", "authorization", "cross-sell", "feedback", "complete"]`

var workflowSnapshotSchema = `{
  "type": "object",
  "properties": {
    "service_id": {"type": "string"},
    "charge_override": {"type": "number", "minimum": 0},
    "stages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"enum": ` + workflowStageIDs + `},
          "label": {"type": "string"},
          "enabled": {"type": "boolean"},
          "approvalRequired": {"type": "boolean"},
          "approvalThreshold": {"type": ["string", "number"]},
          "validationRules": {"type": "array", "items": {"type": "string"}},
          "customScript": {"type": "string"}
        }
      }
    }
  }
}`

var apiSnapshotSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "stage": {"enum": ` + workflowStageIDs + `}
  }
}`

// SnapshotValidator checks a config snapshot against the schema for its
// change type.
type SnapshotValidator struct {
	schemas map[ChangeType]*jsonschema.Schema
}

func NewSnapshotValidator() (*SnapshotValidator, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[ChangeType]string{
		ChangeWorkflow: workflowSnapshotSchema,
		ChangeAPI:      apiSnapshotSchema,
	}
	v := &SnapshotValidator{schemas: map[ChangeType]*jsonschema.Schema{}}
	for ct, src := range sources {
		url := string(ct) + "-snapshot.json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, err
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", ct, err)
		}
		v.schemas[ct] = schema
	}
	return v, nil
}

func (v *SnapshotValidator) Validate(ct ChangeType, snapshot json.RawMessage) error {
	schema, ok := v.schemas[ct]
	if !ok {
		return fmt.Errorf("no schema for change type %q", ct)
	}
	payload, err := decodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return schema.Validate(payload)
}

func decodeSnapshot(snapshot json.RawMessage) (any, error) {
	var payload any
	dec := json.NewDecoder(bytes.NewReader(snapshot))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	return payload, nil
}

type schemaCheck struct{ validator *SnapshotValidator }

func (schemaCheck) Name() string { return "Regression: core workflow" }

func (c schemaCheck) Run(_ context.Context, cr *ChangeRequest) (bool, string) {
	if err := c.validator.Validate(cr.ChangeType, cr.ConfigSnapshot); err != nil {
		return false, firstLine(err.Error())
	}
	return true, "All stages pass"
}

type mappingCheck struct{}

func (mappingCheck) Name() string { return "Field mapping integrity" }

func (mappingCheck) Run(_ context.Context, cr *ChangeRequest) (bool, string) {
	payload, err := decodeSnapshot(cr.ConfigSnapshot)
	if err != nil {
		return false, err.Error()
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return false, "Snapshot is not a JSON object"
	}
	var nulls []string
	collectNulls("", obj, &nulls)
	if len(nulls) > 0 {
		sort.Strings(nulls)
		return false, "Null values at: " + strings.Join(nulls, ", ")
	}
	return true, "No data loss detected"
}

func collectNulls(prefix string, v any, out *[]string) {
	switch t := v.(type) {
	case nil:
		*out = append(*out, prefix)
	case map[string]any:
		for k, child := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			collectNulls(p, child, out)
		}
	case []any:
		for i, child := range t {
			collectNulls(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	}
}

type benchmarkCheck struct {
	validator *SnapshotValidator
	budget    time.Duration
}

func (benchmarkCheck) Name() string { return "Performance benchmark" }

// Run times a full snapshot validation. Schema failures are schemaCheck's
// verdict; here they only annotate the details.
func (c benchmarkCheck) Run(_ context.Context, cr *ChangeRequest) (bool, string) {
	start := time.Now()
	verr := c.validator.Validate(cr.ChangeType, cr.ConfigSnapshot)
	elapsed := time.Since(start).Round(time.Microsecond)

	passed := elapsed <= c.budget
	details := fmt.Sprintf("Response < %s (%s)", c.budget, elapsed)
	if !passed {
		details = fmt.Sprintf("Response > %s (%s)", c.budget, elapsed)
	}
	if verr != nil {
		details += ", snapshot rejected"
	}
	return passed, details
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
