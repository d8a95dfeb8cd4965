package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"fieldsync-go/internal/config"
)

// needsPassphrase reports whether opening the app must unlock the age key.
func needsPassphrase(cfg *config.Config) bool {
	return cfg.Backend.Seal && cfg.Encryption.Type == "age"
}

// readPassphrase takes FIELDSYNC_PASSPHRASE when set and otherwise prompts
// on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv("FIELDSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("passphrase required: set FIELDSYNC_PASSPHRASE or run from a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	return p, nil
}

// readNewPassphrase prompts twice when interactive.
func readNewPassphrase() (string, error) {
	if p := os.Getenv("FIELDSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
