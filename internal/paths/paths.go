// Package paths resolves the on-disk locations the account bridge core
// reads and writes: the per-OS config directory and the fixed filenames
// within it that make up the contractual persisted state layout.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	// RegistryFileName is the account/group/settings document.
	RegistryFileName = "accounts.json"

	// CredentialFileName is the encrypted session blob file.
	CredentialFileName = ".sessions.enc"

	// SaltFileName holds the per-installation salt for the machine key.
	SaltFileName = ".salt.bin"

	// TransferHistoryFileName is the sqlite transfer log database.
	TransferHistoryFileName = "transfer_history.db"
)

// ConfigDirectory returns the directory all account bridge state lives in.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\AccountBridge
//   - Unix: os.UserConfigDir()/accountbridge (typically ~/.config/accountbridge)
func ConfigDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "accountbridge")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "AccountBridge")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "accountbridge")
		}
		return filepath.Join(homeDir, ".config", "accountbridge")
	}
	return filepath.Join(configDir, "accountbridge")
}

// EnsureConfigDirectory creates the config directory if it doesn't exist,
// restricted to the owner since it holds encrypted session material.
func EnsureConfigDirectory() error {
	return os.MkdirAll(ConfigDirectory(), 0700)
}

// RegistryPath returns the full path to accounts.json.
func RegistryPath() string {
	return filepath.Join(ConfigDirectory(), RegistryFileName)
}

// CredentialPath returns the full path to .sessions.enc.
func CredentialPath() string {
	return filepath.Join(ConfigDirectory(), CredentialFileName)
}

// SaltPath returns the full path to .salt.bin.
func SaltPath() string {
	return filepath.Join(ConfigDirectory(), SaltFileName)
}

// TransferHistoryPath returns the full path to transfer_history.db.
func TransferHistoryPath() string {
	return filepath.Join(ConfigDirectory(), TransferHistoryFileName)
}

// ConfigDirectoryForUser mirrors ConfigDirectory for a specific user
// profile path.
func ConfigDirectoryForUser(profilePath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(profilePath, "AppData", "Local", "AccountBridge")
	}
	return filepath.Join(profilePath, ".config", "accountbridge")
}
