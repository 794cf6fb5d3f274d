package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/clibridge/internal/auth"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "clibridge",
		Short:         "OpenAI-compatible API in front of a local coding CLI",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			runServe(resolveConfigPath(configPath))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults to $CONFIG_PATH)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runServe(resolveConfigPath(configPath))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, hash, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:  %s\n", key)
			fmt.Fprintf(out, "hash: %s\n\n", hash)
			fmt.Fprintln(out, "Add the hash to config.toml and hand the key to clients:")
			fmt.Fprintf(out, "[auth]\napi_key_hashes = [%q]\n", hash)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("CONFIG_PATH")
}
