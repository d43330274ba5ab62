package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/essayflow/internal/logger"
	"github.com/ZanzyTHEbar/essayflow/internal/registry"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
	"github.com/ZanzyTHEbar/essayflow/pkg/assistant"
)

func loadSettings(envFile string) (*assistant.Settings, error) {
	s, err := assistant.LoadSettings(envFile)
	if err != nil {
		return nil, err
	}
	logger.Init(s.Log)
	return s, nil
}

func runTurn(cmd *cobra.Command, envFile string, f turnFlags, message string) error {
	s, err := loadSettings(envFile)
	if err != nil {
		return err
	}
	if f.backend != "" {
		s.Backend = f.backend
	}
	if f.memory != "" {
		s.Memory = f.memory
	}
	if f.contracts != "" {
		s.ContractsFile = f.contracts
	}
	if f.timeout > 0 {
		s.TurnTimeout = f.timeout
	}

	ctx := cmd.Context()
	a, err := assistant.New(ctx, *s, assistant.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer a.Close()

	if f.seedFile != "" {
		values, err := readSeed(f.seedFile)
		if err != nil {
			return err
		}
		if err := a.Seed(ctx, f.user, values); err != nil {
			return err
		}
	}

	outcome, turnErr := a.HandleTurn(ctx, f.user, message)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}
	return turnErr
}

// readSeed decodes a YAML or JSON object of memory values.
func readSeed(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return values, nil
}

func runTools(cmd *cobra.Command, envFile, contracts string, asJSON bool) error {
	s, err := loadSettings(envFile)
	if err != nil {
		return err
	}
	if contracts != "" {
		s.ContractsFile = contracts
	}

	reg, err := tools.NewRegistry(registry.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	if s.ContractsFile != "" {
		if _, err := registry.LoadInto(reg, s.ContractsFile); err != nil {
			return err
		}
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reg.List())
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCAPABILITIES\tWRITES\tDESCRIPTION")
	for _, c := range reg.List() {
		writes := make([]string, 0, len(c.SideEffects))
		for _, se := range c.SideEffects {
			writes = append(writes, se.Key)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, strings.Join(c.Capabilities, ","), strings.Join(writes, ","), c.Description)
	}
	return w.Flush()
}

func runContractsValidate(cmd *cobra.Command, path string, withBuiltin bool) error {
	reg := registry.New(registry.WithLogger(log.Logger))
	if withBuiltin {
		var err error
		if reg, err = tools.NewRegistry(registry.WithLogger(log.Logger)); err != nil {
			return err
		}
	}
	cf, err := registry.LoadInto(reg, path)
	if err != nil {
		return err
	}
	name := cf.Name
	if name == "" {
		name = path
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tools ok\n", name, len(cf.Tools))
	return nil
}

func runContractsSchema(cmd *cobra.Command) error {
	doc, err := registry.FileJSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
	return err
}
