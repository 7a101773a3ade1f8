package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// inspectCmd decrypts and prints one document without starting the
// server. Useful for recovery and for checking what a store actually
// contains.
var inspectCmd = &cobra.Command{
	Use:   "inspect [document]",
	Short: "Decrypts and prints a stored document",
	Long: `Prompts for the master password and prints the named document
(tasks or settings) as indented JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveDataDir()
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stderr, "Enter master password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		plaintext, err := vault.OpenDocumentWithPassword(root, string(password), args[0])
		if err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, plaintext, "", "  "); err != nil {
			// Not JSON; print raw.
			os.Stdout.Write(plaintext)
			fmt.Println()
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	},
}
