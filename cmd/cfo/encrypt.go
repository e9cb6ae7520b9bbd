package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/cfoagent/internal/crypto"
)

// encryptKey seals the wallet key from the environment into a key file the
// agent can load through wallet.encrypted_key_path.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	out := fs.String("out", "wallet.json", "where to write the encrypted key")
	keyEnv := fs.String("key-env", "CFO_WALLET_PRIVATE_KEY", "environment variable holding the hex key")
	passEnv := fs.String("password-env", "CFO_WALLET_KEY_PASSWORD", "environment variable holding the password")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	key, pass := os.Getenv(*keyEnv), os.Getenv(*passEnv)
	if key == "" || pass == "" {
		return fmt.Errorf("encrypt-key: %s and %s must both be set", *keyEnv, *passEnv)
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("encrypt-key: %s exists (use -force)", *out)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("encrypt-key: %w", err)
	}

	blob, err := crypto.EncryptKey(key, pass)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: write: %w", err)
	}

	w, err := crypto.NewWallet(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s for %s\n", *out, w.Address())
	return nil
}
