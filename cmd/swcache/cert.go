package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lucasew/swcache/internal/proxy"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generates the CA used to intercept HTTPS in proxy mode",
	Run: func(cmd *cobra.Command, args []string) {
		outCert, err := cmd.Flags().GetString("out-cert")
		if err != nil {
			fatal(err, "Failed to get out-cert flag")
		}
		outKey, err := cmd.Flags().GetString("out-key")
		if err != nil {
			fatal(err, "Failed to get out-key flag")
		}

		slog.Info("Generating CA certificate and key", "cert", outCert, "key", outKey)
		if err := proxy.GenerateCA(outCert, outKey); err != nil {
			fatal(err, "Failed to generate CA")
		}
		slog.Info("Successfully generated CA certificate and key")
	},
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().String("out-cert", "ca.pem", "Output path for the CA certificate")
	certCmd.Flags().String("out-key", "ca-key.pem", "Output path for the CA private key")
}
