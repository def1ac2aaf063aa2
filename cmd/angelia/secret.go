package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("vault passphrase is required (ANGELIA_VAULT_PASSPHRASE)")
	}

	secrets, err := vault.NewSecretStore(vault.New(cfg.Vault.Passphrase), cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}

	switch args[0] {
	case "list":
		return secretList(secrets)
	case "set":
		return secretSet(secrets, args[1:])
	case "get":
		return secretGet(secrets, args[1:])
	case "delete":
		return secretDelete(secrets, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: angelia secret <command>

Commands:
  list                List stored secret names
  set <name> <value>  Store a secret
  get <name>          Decrypt and print a secret
  delete <name>       Remove a secret

Secrets are injected into agent process environments by name.

Environment:
  ANGELIA_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func secretList(secrets *vault.SecretStore) error {
	names := secrets.List()
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME")
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return w.Flush()
}

func secretSet(secrets *vault.SecretStore, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: angelia secret set <name> <value>")
	}
	if err := secrets.Set(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Secret %s stored.\n", args[0])
	return nil
}

func secretGet(secrets *vault.SecretStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: angelia secret get <name>")
	}
	value, err := secrets.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func secretDelete(secrets *vault.SecretStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: angelia secret delete <name>")
	}
	if err := secrets.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %s deleted.\n", args[0])
	return nil
}
