package cli

import (
	"fmt"
	"syscall"

	"golang.org/x/term"
)

// PromptAccountPassword prompts the user to enter a cloud account password
// securely, without echoing characters to the terminal.
func PromptAccountPassword(email string) (string, error) {
	fmt.Printf("Password for %s: ", email)

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := string(passwordBytes)
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

// IsTerminal returns true if stdin is connected to a terminal, used to
// decide whether interactive prompts are possible.
func IsTerminal() bool {
	return term.IsTerminal(int(syscall.Stdin))
}
