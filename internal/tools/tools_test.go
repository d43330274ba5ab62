package tools

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/essayflow/internal/schema"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := len(r.List()); got != len(Essay()) {
		t.Fatalf("expected %d contracts, got %d", len(Essay()), got)
	}
	if prod := r.Producers(KeyBrainstormedStories); len(prod) != 1 || prod[0].Name != GoalBrainstorm {
		t.Errorf("unexpected producers of %s: %+v", KeyBrainstormedStories, prod)
	}
	if revs := r.ListByCapability(GoalRevise); len(revs) != 2 {
		t.Errorf("expected revise and polish under %q, got %+v", GoalRevise, revs)
	}
}

// Every built-in sample output validates, and still validates after a JSON
// round trip with identical content.
func TestSampleOutputsRoundTrip(t *testing.T) {
	for _, c := range Essay() {
		t.Run(c.Name, func(t *testing.T) {
			out, err := schema.Compile(c.Name, c.Name+".output", c.OutputSchema)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			sample, ok := SampleOutput(c.Name)
			if !ok {
				t.Fatalf("no sample for %s", c.Name)
			}
			if v := out.Validate(sample); len(v) != 0 {
				t.Fatalf("sample violates schema: %v", v)
			}

			raw, err := json.Marshal(sample)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if v := out.Validate(decoded); len(v) != 0 {
				t.Fatalf("round-tripped sample violates schema: %v", v)
			}
			normalized, _ := schema.Normalize(sample)
			if !reflect.DeepEqual(normalized, any(decoded)) {
				t.Errorf("round trip changed content:\n%v\n%v", normalized, decoded)
			}
		})
	}
}

func TestInputDefaultsValidate(t *testing.T) {
	for _, c := range Essay() {
		in, err := schema.Compile(c.Name, c.Name+".input", c.InputSchema)
		if err != nil {
			t.Fatalf("%s: compile: %v", c.Name, err)
		}
		bad := in.Validate(in.ApplyDefaults(map[string]any{}))
		for _, f := range c.InputSchema.Fields {
			if f.Required {
				continue
			}
			for _, v := range bad {
				if strings.HasPrefix(v, "/"+f.Name+":") {
					t.Errorf("%s: default of %s violates schema: %v", c.Name, f.Name, v)
				}
			}
		}
	}
}

func TestQualityFields(t *testing.T) {
	for _, c := range Essay() {
		switch c.Name {
		case GoalFeedback, GoalGuidance:
			if c.QualityField != "" {
				t.Errorf("%s should not declare a quality field, got %q", c.Name, c.QualityField)
			}
		default:
			if c.QualityField != "quality_score" {
				t.Errorf("%s quality field = %q", c.Name, c.QualityField)
			}
		}
	}
	if _, ok := Feedback().OutputSchema.Field("score"); !ok {
		t.Error("feedback should still report the essay score")
	}
}
