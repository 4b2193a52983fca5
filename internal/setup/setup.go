// Package setup registers the stdio tool server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ServerName is the key the tool server is registered under.
const ServerName = "dental-scribe"

// ClientConfig is the MCP client configuration file. Unknown top-level keys
// are preserved on rewrite.
type ClientConfig struct {
	MCPServers map[string]ServerEntry     `json:"mcpServers"`
	Extra      map[string]json.RawMessage `json:"-"`
}

// ServerEntry is a single MCP server launch command.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls registration.
type Options struct {
	ConfigPath string // Client config file; DefaultClientConfigPath when empty
	BinaryPath string // server-lite binary; the running executable when empty
	DataDir    string // DENTAL_DATA_DIR passed to the server
}

// Status describes what is currently registered.
type Status struct {
	ConfigPath   string
	Registered   bool
	BinaryPath   string
	BinaryExists bool
	DataDir      string
	Issues       []string
}

// DefaultClientConfigPath returns the desktop client's config file path.
func DefaultClientConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, "Claude")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return filepath.Join(configDir, "claude_desktop_config.json"), nil
}

// LoadClientConfig reads a client config. A missing file yields an empty one.
func LoadClientConfig(path string) (*ClientConfig, error) {
	config := &ClientConfig{MCPServers: map[string]ServerEntry{}, Extra: map[string]json.RawMessage{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	for key, value := range raw {
		if key == "mcpServers" {
			if err := json.Unmarshal(value, &config.MCPServers); err != nil {
				return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
			}
			continue
		}
		config.Extra[key] = value
	}
	if config.MCPServers == nil {
		config.MCPServers = map[string]ServerEntry{}
	}
	return config, nil
}

// SaveClientConfig writes the config, creating its directory.
func SaveClientConfig(path string, config *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := make(map[string]interface{}, len(config.Extra)+1)
	for key, value := range config.Extra {
		out[key] = value
	}
	out["mcpServers"] = config.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or replaces the tool server entry and returns the config
// path written.
func Register(opts Options) (string, error) {
	path, err := resolvePath(opts.ConfigPath)
	if err != nil {
		return "", err
	}

	binary := opts.BinaryPath
	if binary == "" {
		binary, err = os.Executable()
		if err != nil {
			return "", fmt.Errorf("could not determine server binary: %w", err)
		}
	}

	config, err := LoadClientConfig(path)
	if err != nil {
		return "", err
	}

	entry := ServerEntry{
		Command: binary,
		Args:    []string{"serve"},
		Env:     map[string]string{"DENTAL_TRANSPORT": "stdio"},
	}
	if opts.DataDir != "" {
		entry.Env["DENTAL_DATA_DIR"] = opts.DataDir
	}
	config.MCPServers[ServerName] = entry

	if err := SaveClientConfig(path, config); err != nil {
		return "", err
	}
	return path, nil
}

// Unregister removes the tool server entry. It reports whether one existed.
func Unregister(configPath string) (bool, error) {
	path, err := resolvePath(configPath)
	if err != nil {
		return false, err
	}
	config, err := LoadClientConfig(path)
	if err != nil {
		return false, err
	}
	if _, ok := config.MCPServers[ServerName]; !ok {
		return false, nil
	}
	delete(config.MCPServers, ServerName)
	return true, SaveClientConfig(path, config)
}

// GetStatus inspects the client config for the tool server entry.
func GetStatus(configPath string) (*Status, error) {
	path, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	status := &Status{ConfigPath: path, Issues: []string{}}

	config, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	entry, ok := config.MCPServers[ServerName]
	if !ok {
		status.Issues = append(status.Issues, "tool server is not registered")
		return status, nil
	}

	status.Registered = true
	status.BinaryPath = entry.Command
	status.DataDir = entry.Env["DENTAL_DATA_DIR"]
	if info, err := os.Stat(entry.Command); err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
	} else {
		status.BinaryExists = true
		if info.Mode()&0111 == 0 {
			status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
		}
	}
	return status, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return DefaultClientConfigPath()
}
