// Package defaults holds the install-wide names and paths shared by the
// setup engine, the CLI, and the diagnostics commands.
package defaults

import "path/filepath"

const (
	// ServiceAccount is the low-privilege OS account the stack runs
	// under day to day.
	ServiceAccount = "berth"
	// ServiceGroup is the account's primary group.
	ServiceGroup = "berth"
	// DockerGroup grants the service account engine-socket access.
	DockerGroup = "docker"
	// ComposeProject names the compose project, which labels every
	// managed container.
	ComposeProject = "berth"
	// RegistryHost serves the stack's images.
	RegistryHost = "ghcr.io"
	// EnvFileName is the persisted configuration file inside the
	// install directory.
	EnvFileName = ".env"

	runtimeDirName  = ".berth"
	tokenFileName   = "registry-token"
	journalFileName = "journal.db"
)

// HomeDir is the home directory used when the service account does not
// exist yet; once it does, the user database wins.
func HomeDir() string {
	return "/home/" + ServiceAccount
}

// RuntimeDir is the account-private directory for state that must not be
// overwritten by an install sync.
func RuntimeDir(home string) string {
	return filepath.Join(home, runtimeDirName)
}

// TokenPath is where a registry credential is staged for the service
// account during a privilege drop.
func TokenPath(home string) string {
	return filepath.Join(RuntimeDir(home), tokenFileName)
}

// JournalPath is the setup journal database.
func JournalPath(home string) string {
	return filepath.Join(RuntimeDir(home), journalFileName)
}

// EnvFile is the persisted configuration file for an install directory.
func EnvFile(installDir string) string {
	return filepath.Join(installDir, EnvFileName)
}
