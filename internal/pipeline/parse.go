package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/essayflow"
)

// ParseObject decodes a backend response into a JSON object. A surrounding
// markdown code fence or leading prose is tolerated.
func ParseObject(raw []byte) (map[string]any, error) {
	body := bytes.TrimSpace(raw)
	if bytes.HasPrefix(body, []byte("```")) {
		if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		body = bytes.TrimSuffix(bytes.TrimSpace(body), []byte("```"))
		body = bytes.TrimSpace(body)
	}
	if len(body) > 0 && body[0] != '{' {
		start := bytes.IndexByte(body, '{')
		end := bytes.LastIndexByte(body, '}')
		if start < 0 || end < start {
			return nil, fmt.Errorf("%w: no object found", essayflow.ErrMalformedResponse)
		}
		body = body[start : end+1]
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", essayflow.ErrMalformedResponse, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: null", essayflow.ErrMalformedResponse)
	}
	return out, nil
}
