package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/essayflow"
)

func TestLoadInto(t *testing.T) {
	r := New()
	cf, err := LoadInto(r, filepath.Join("testdata", "catalog.yaml"))
	if err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if cf.Name != "test-catalog" || len(cf.Tools) != 2 {
		t.Fatalf("unexpected file %+v", cf)
	}

	b, err := r.Get("brainstorm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if keys := b.RequiredKeys(); len(keys) != 1 || keys[0] != "user_profile" {
		t.Errorf("unexpected required keys %v", keys)
	}
	count, _ := b.InputSchema.Field("count")
	if count.Default != 3 {
		t.Errorf("expected default 3, got %#v", count.Default)
	}
	if prod := r.Producers("brainstormed_stories"); len(prod) != 1 || prod[0].Name != "brainstorm" {
		t.Errorf("unexpected producers %+v", prod)
	}
}

func TestLoadContractFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := "name: x\ntools:\n  - name: a\n    capabilitys: [a]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadContractFile(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadContractFile_JSON(t *testing.T) {
	cf := ContractFile{Name: "json", Tools: []essayflow.ToolContract{contract("guide", "guidance")}}
	raw, err := json.Marshal(cf)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadContractFile(path)
	if err != nil {
		t.Fatalf("LoadContractFile: %v", err)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "guide" {
		t.Fatalf("unexpected tools %+v", got.Tools)
	}
}

func TestContractFile_Validate_TableDriven(t *testing.T) {
	producer := func(name, reads, writes string) essayflow.ToolContract {
		c := contract(name, name)
		if reads != "" {
			c.Dependencies = []essayflow.Dependency{{Key: reads, Required: true}}
		}
		if writes != "" {
			c.SideEffects = []essayflow.SideEffect{{Key: writes}}
		}
		return c
	}
	withFollowUp := contract("a", "a")
	withFollowUp.FollowUps = []essayflow.FollowUp{{When: "score < 1", Tool: "ghost"}}

	tests := []struct {
		name    string
		file    ContractFile
		wantErr error
	}{
		{"valid chain", ContractFile{Tools: []essayflow.ToolContract{producer("a", "", "k1"), producer("b", "k1", "k2")}}, nil},
		{"self update is fine", ContractFile{Tools: []essayflow.ToolContract{producer("a", "k1", "k1")}}, nil},
		{"duplicate", ContractFile{Tools: []essayflow.ToolContract{contract("a", "a"), contract("a", "a")}}, essayflow.ErrDuplicateTool},
		{"dangling follow-up", ContractFile{Tools: []essayflow.ToolContract{withFollowUp}}, essayflow.ErrSchema},
		{"cycle", ContractFile{Tools: []essayflow.ToolContract{producer("a", "k2", "k1"), producer("b", "k1", "k2")}}, essayflow.ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFileJSONSchema(t *testing.T) {
	raw, err := FileJSONSchema()
	if err != nil {
		t.Fatalf("FileJSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if _, ok := doc["$defs"]; !ok {
		t.Errorf("expected $defs in reflected schema, got keys %v", keysOf(doc))
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
