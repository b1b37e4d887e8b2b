package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shurlinet/shurli/internal/keystore"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keyPath := fs.String("keystore", "meshnode.key", "path to write the sealed identity keystore")
	passphrase := fs.String("passphrase", "", "passphrase to seal the identity with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *passphrase == "" {
		return fmt.Errorf("--passphrase is required")
	}

	kp, seedPhrase, err := keystore.Create(*passphrase)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := keystore.Save(*keyPath, *passphrase, kp); err != nil {
		return fmt.Errorf("failed to save keystore: %w", err)
	}

	fmt.Fprintf(stdout, "Identity created: %s\n", kp.PeerID())
	fmt.Fprintf(stdout, "Keystore written to %s\n", *keyPath)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Recovery seed phrase (keep this safe, it restores your identity):")
	fmt.Fprintln(stdout, seedPhrase)
	return nil
}
