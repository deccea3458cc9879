// Package keygen implements key-pair generation and inspection. The
// generated public values are copied into the project's cloud variables;
// the serialized key is a secret kept server-side.
package keygen

import (
	"fmt"
	"os"
	"sort"

	"github.com/TheCommCraft/scratchcommunication/security"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outFile     string
	modulusBits int

	Cmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair for secure connections",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect <key-file>",
		Short: "Print the public variables of a persisted key",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the serialized key (secret!) to this file")
	Cmd.Flags().IntVar(&modulusBits, "bits", security.MaxModulusBits, "modulus size in bits")
	Cmd.AddCommand(inspectCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "keygen").Logger()

	keys, err := security.Generate(security.Policy{ModulusBits: modulusBits})
	if err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}
	logger.Info().Int("bits", modulusBits).Msg("key pair generated")

	printPublicData(keys.PublicData())

	if outFile == "" {
		fmt.Println("\n(no --out given; the key was not persisted)")
		return nil
	}
	if err := os.WriteFile(outFile, []byte(keys.String()), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	logger.Info().Str("file", outFile).Msg("serialized key written (keep it secret)")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	keys, err := security.FromString(string(data))
	if err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	printPublicData(keys.PublicData())
	return nil
}

// printPublicData lists the cloud variables to copy into the project, in a
// stable order.
func printPublicData(public map[string]string) {
	names := make([]string, 0, len(public))
	for name := range public {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Copy these cloud variables into the project:")
	for _, name := range names {
		fmt.Printf("  %s = %s\n", name, public[name])
	}
}
