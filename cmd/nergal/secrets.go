package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/store"
	"github.com/mtzanidakis/nergal/internal/vault"
)

func runSecrets(args []string) error {
	if len(args) == 0 {
		printSecretsUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("NERGAL_VAULT_PASSPHRASE environment variable or vault.passphrase is required")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	secrets := vault.NewSecrets(vault.New(cfg.Vault.Passphrase), db)

	switch args[0] {
	case "list":
		return secretsList(db, args[1:])
	case "set":
		return secretsSet(db, secrets, args[1:])
	case "delete":
		return secretsDelete(secrets, args[1:])
	default:
		printSecretsUsage()
		return fmt.Errorf("unknown secrets command: %s", args[0])
	}
}

func printSecretsUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nergal secrets <command>

Commands:
  list [<user-id>]                     List users and their secret names
  set <user-id> <name> --value <str>   Store a secret for a user
  delete <user-id> <name>              Delete a user's secret

Environment:
  NERGAL_VAULT_PASSPHRASE              Encryption passphrase (or vault.passphrase).
`)
}

func secretsList(db *store.Store, args []string) error {
	var users []store.User
	if len(args) > 0 {
		id, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		u, err := db.GetUser(id)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("user %d not found", id)
		}
		users = []store.User{*u}
	} else {
		var err error
		if users, err = db.ListUsers(); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tSECRETS")
	for _, u := range users {
		names, err := db.ListUserSecretNames(u.ID)
		if err != nil {
			return err
		}
		list := "-"
		for i, n := range names {
			if i == 0 {
				list = n
			} else {
				list += ", " + n
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.DisplayName(), list)
	}
	return w.Flush()
}

func secretsSet(db *store.Store, secrets *vault.Secrets, args []string) error {
	if len(args) < 4 || args[2] != "--value" {
		return fmt.Errorf("usage: nergal secrets set <user-id> <name> --value <string>")
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}

	// Secrets reference users; create a placeholder for unseen ids
	u, err := db.GetUser(id)
	if err != nil {
		return err
	}
	if u == nil {
		if err := db.UpsertUser(&store.User{ID: id}); err != nil {
			return err
		}
	}

	if err := secrets.Set(id, args[1], args[3]); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved for user %d\n", args[1], id)
	return nil
}

func secretsDelete(secrets *vault.Secrets, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: nergal secrets delete <user-id> <name>")
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	if err := secrets.Delete(id, args[1]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted for user %d\n", args[1], id)
	return nil
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
