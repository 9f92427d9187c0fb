package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
	"github.com/avlonitis/ergon/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	passphrase := cfg.Vault.Passphrase
	if passphrase == "" {
		return fmt.Errorf("vault passphrase is required (ERGON_VAULT_PASSPHRASE or config)")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	v := vault.New(passphrase, db)

	switch args[0] {
	case "list":
		return vaultList(v)
	case "set":
		return vaultSet(v, args[1:])
	case "get":
		return vaultGet(v, args[1:])
	case "delete":
		return vaultDelete(v, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ergon vault <command>

Commands:
  list                                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a secret
  set <name> --file <path> [--description <text>]   Store a secret from a file
  get <name>                                        Retrieve and decrypt a secret
  delete <name>                                     Delete a secret

Environment:
  ERGON_VAULT_PASSPHRASE                            Encryption passphrase.
`)
}

func vaultList(v *vault.Vault) error {
	secrets, err := v.List()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: ergon vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value string

	switch args[1] {
	case "--value":
		value = args[2]
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = string(data)
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	if err := v.Set(name, description, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ergon vault get <name>")
	}

	plaintext, err := v.Resolve(args[0])
	if err != nil {
		return err
	}

	fmt.Print(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ergon vault delete <name>")
	}
	if err := v.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
