package main

import (
	"time"

	"github.com/spf13/cobra"
)

type turnFlags struct {
	user      string
	seedFile  string
	backend   string
	memory    string
	contracts string
	timeout   time.Duration
}

func buildTurnCmd(envFile *string) *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one coaching turn and print the outcome as JSON",
		Long: `Run one user turn through planning, tool execution and completion
assessment. The outcome JSON is printed even when the turn fails.

Memory values such as user_profile can be seeded from a YAML or JSON file
of key/value pairs before the turn starts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, *envFile, f, args[0])
		},
	}
	cmd.Flags().StringVarP(&f.user, "user", "u", "cli", "User whose memory the turn reads and writes")
	cmd.Flags().StringVar(&f.seedFile, "seed", "", "YAML/JSON file of memory values written before the turn")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Override ESSAYFLOW_BACKEND (stub, genkit, openai, anthropic)")
	cmd.Flags().StringVar(&f.memory, "memory", "", "Override ESSAYFLOW_MEMORY (memory, file, postgres)")
	cmd.Flags().StringVar(&f.contracts, "contracts", "", "Override ESSAYFLOW_CONTRACTS_FILE")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Override ESSAYFLOW_TURN_TIMEOUT")
	return cmd
}

func buildToolsCmd(envFile *string) *cobra.Command {
	var (
		contracts string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tool contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, *envFile, contracts, asJSON)
		},
	}
	cmd.Flags().StringVar(&contracts, "contracts", "", "Override ESSAYFLOW_CONTRACTS_FILE")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full contracts as JSON")
	return cmd
}

func buildContractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Work with contract files",
	}
	cmd.AddCommand(
		buildContractsValidateCmd(),
		buildContractsSchemaCmd(),
	)
	return cmd
}

func buildContractsValidateCmd() *cobra.Command {
	var withBuiltin bool
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a contract file: schemas, follow-ups, dependency cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContractsValidate(cmd, args[0], withBuiltin)
		},
	}
	cmd.Flags().BoolVar(&withBuiltin, "with-builtin", false, "Also check for conflicts with the built-in essay tools")
	return cmd
}

func buildContractsSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the contract file format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContractsSchema(cmd)
		},
	}
}
