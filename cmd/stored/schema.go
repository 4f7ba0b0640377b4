package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/internal/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage schema rules",
	Long: `Manage the schema rules keys are validated against.

Rules live in the config file and apply in the order they are listed: an
exact key rule always wins over a pattern rule, then earlier over later.`,
}

var (
	schemaKey     string
	schemaPattern string
	schemaDefault string
	schemaAssert  string
)

var schemaAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schema rule to the config file",
	Long: `Add a schema rule to the config file.

Exactly one of --key or --pattern selects the keys the rule covers.
--default is parsed as JSON when possible. --assert is an expression
evaluated against the decoded value, bound as "value".

Example:
  stored schema add --key theme --default '"dark"' --assert 'value in ["dark", "light"]'
  stored schema add --pattern '^counter:' --default 0 --assert 'value >= 0'`,
	Args: cobra.NoArgs,
	RunE: runSchemaAdd,
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured schema rules",
	Args:  cobra.NoArgs,
	RunE:  runSchemaList,
}

var schemaRmCmd = &cobra.Command{
	Use:   "rm INDEX",
	Short: "Remove a schema rule by its list index",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaRm,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaAddCmd)
	schemaCmd.AddCommand(schemaListCmd)
	schemaCmd.AddCommand(schemaRmCmd)

	schemaAddCmd.Flags().StringVar(&schemaKey, "key", "", "exact key the rule covers")
	schemaAddCmd.Flags().StringVar(&schemaPattern, "pattern", "", "regular expression over keys")
	schemaAddCmd.Flags().StringVar(&schemaDefault, "default", "", "default value, parsed as JSON when possible")
	schemaAddCmd.Flags().StringVar(&schemaAssert, "assert", "", "validation expression over \"value\"")
}

func runSchemaAdd(_ *cobra.Command, _ []string) error {
	rule := config.SchemaConfig{
		Key:     schemaKey,
		Pattern: schemaPattern,
		Assert:  schemaAssert,
	}
	if schemaDefault != "" {
		rule.Default = parseValue(schemaDefault)
	}

	if err := config.ValidateSchemas([]config.SchemaConfig{rule}); err != nil {
		return err
	}

	path := configFilePath()
	if err := config.AddSchema(path, rule, cfg.Schemas); err != nil {
		return err
	}
	fmt.Printf("Added schema %q to %s\n", rule.Name(), path)
	return nil
}

func runSchemaList(_ *cobra.Command, _ []string) error {
	if len(cfg.Schemas) == 0 {
		fmt.Println("No schemas configured")
		return nil
	}

	for i, rule := range cfg.Schemas {
		sel := "key=" + rule.Key
		if rule.Key == "" {
			sel = "pattern=" + rule.Pattern
		}

		def, err := (codec.JSON{}).Encode(rule.Default)
		if err != nil {
			def = fmt.Sprintf("%v", rule.Default)
		}

		line := fmt.Sprintf("%d: %s default=%s", i, sel, def)
		if rule.Assert != "" {
			line += fmt.Sprintf(" assert=%q", rule.Assert)
		}
		fmt.Println(line)
	}
	return nil
}

func runSchemaRm(_ *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parsing index %q: %w", args[0], err)
	}

	path := configFilePath()
	if err := config.RemoveSchema(path, index, cfg.Schemas); err != nil {
		return err
	}
	fmt.Printf("Removed schema %d from %s\n", index, path)
	return nil
}
