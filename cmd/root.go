package cmd

import (
	"fmt"

	"github.com/TheCommCraft/scratchcommunication/cmd/keygen"
	"github.com/TheCommCraft/scratchcommunication/cmd/serve"
	"github.com/TheCommCraft/scratchcommunication/examples"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	showVersion bool
	debug       bool

	rootCmd = &cobra.Command{
		Use:   "scratchcomm",
		Short: "Message streams and RPC for Scratch projects over cloud variables",
		Args:  cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetLogLevel()
		},
		Run: func(cmd *cobra.Command, args []string) {
			if showVersion {
				fmt.Println(Version)
				return
			}
			cmd.Help()
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("failed to execute")
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Print version information")
	rootCmd.AddCommand(keygen.Cmd)
	rootCmd.AddCommand(serve.Cmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print an example socket configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := examples.SocketConfig()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
}

// SetLogLevel sets the global log level based on debug flag.
// Call this after flags are parsed.
func SetLogLevel() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
