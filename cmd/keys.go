package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mailio/go-mailio-keyshare/util"
	"github.com/spf13/cobra"
)

var outputFile string

func init() {
	secretCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default is stdout)")
	rootCmd.AddCommand(secretCmd)
}

// secretCmd generates the secret the key server encrypts share records with
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a key server secret",
	Long:  "Generate the 32 byte secret the key server uses to encrypt auth and recovery shares at rest (keyshare.serverSecret in conf.yaml)",
	Run: func(cmd *cobra.Command, args []string) {
		secret, err := util.GenerateServerSecret()
		check(err)
		secretJson := map[string]interface{}{
			"type":         "keyshare_server_secret",
			"serverSecret": secret,
			"created":      time.Now().UnixMilli(),
		}
		fileBytes, err := json.MarshalIndent(secretJson, "", "  ")
		check(err)
		if outputFile != "" {
			// fail if file already exists
			if _, err := os.Stat(outputFile); !errors.Is(err, os.ErrNotExist) {
				fmt.Printf("File already exists: %s\n", outputFile)
				os.Exit(1)
			}
			check(os.WriteFile(outputFile, fileBytes, 0600))
			fmt.Printf("Output file: %s\n", outputFile)
		} else {
			fmt.Printf("\n%s\n", string(fileBytes))
		}
	},
}
