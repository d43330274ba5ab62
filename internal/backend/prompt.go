// Package backend adapts reasoning providers to essayflow.Backend.
package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/essayflow"
)

// SystemPrompt renders the instruction half of a request: what the tool
// does and the exact shape its answer must take.
func SystemPrompt(req essayflow.BackendRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instruction))
	b.WriteString("\n\nRespond with a single JSON object and nothing else.")
	if len(req.OutputSchema) > 0 {
		b.WriteString(" The object must validate against this JSON Schema:\n")
		b.WriteString(indent(req.OutputSchema))
	}
	return b.String()
}

// UserPrompt renders the data half of a request. Feedback from a rejected
// attempt is listed so the model can repair its previous answer.
func UserPrompt(req essayflow.BackendRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n\nInputs:\n%s\n", req.Tool, indent(req.Inputs))

	if len(req.Personalization) > 0 {
		keys := make([]string, 0, len(req.Personalization))
		for k := range req.Personalization {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nWhat we know about the writer:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, compact(req.Personalization[k]))
		}
	}

	if len(req.Feedback) > 0 {
		fmt.Fprintf(&b, "\nYour previous answer (attempt %d) was rejected:\n", req.Attempt-1)
		for _, v := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", v)
		}
		b.WriteString("Return a corrected JSON object.\n")
	}
	return b.String()
}

func indent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
