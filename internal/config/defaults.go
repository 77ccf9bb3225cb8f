package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "devcompanion"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/devcompanion/
//   - Linux:   $XDG_DATA_HOME/devcompanion or ~/.local/share/devcompanion/
//   - Windows: %APPDATA%\devcompanion\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appDir)
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return filepath.Join(homeDir(), "."+appDir)
	}
}

// PlatformConfigDir returns the platform-specific config directory. macOS
// and Windows keep config next to the data.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
	return PlatformDataDir()
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appDir)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func xdgDir(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appDir)
	}
	return filepath.Join(append(append([]string{homeDir()}, fallback...), appDir)...)
}

func windowsDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appDir)
	}
	return filepath.Join(homeDir(), "AppData", fallback, appDir)
}

// DefaultExcludePatterns returns path elements the file watcher skips.
func DefaultExcludePatterns() []string {
	return []string{
		// VCS and tooling metadata
		".git",
		".hg",
		".svn",
		".idea",
		".vscode",

		// Dependencies and build output
		"node_modules",
		"vendor",
		"__pycache__",
		".venv",
		"target",
		"dist",
		"build",

		// Editor temporaries
		"*.swp",
		"*.swo",
		"*~",
		"*.tmp",
		".#*",
	}
}

// SupportedConfigFormats returns the supported configuration file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the config directory,
// then the data directory. It returns "" when no file exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
