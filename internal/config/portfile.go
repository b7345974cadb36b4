package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PortFilePath resolves where the port-discovery file lives:
// CIDELDILL_PORT_FILE, then $CIDELDILL_HOME/port, then ~/.cideldill/port.
func PortFilePath() string {
	if p := os.Getenv("CIDELDILL_PORT_FILE"); p != "" {
		return p
	}
	if home := os.Getenv("CIDELDILL_HOME"); home != "" {
		return filepath.Join(home, "port")
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cideldill", "port")
	}
	return filepath.Join(userHome, ".cideldill", "port")
}

// WritePortFile records the listening port for client discovery: one line,
// the port number.
func WritePortFile(port int) (string, error) {
	path := PortFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create port file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", port)), 0o644); err != nil {
		return "", fmt.Errorf("write port file: %w", err)
	}
	return path, nil
}

// ReadPortFile returns the discovered port, or an error when no server has
// written one.
func ReadPortFile() (int, error) {
	b, err := os.ReadFile(PortFilePath())
	if err != nil {
		return 0, fmt.Errorf("read port file: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse port file: %w", err)
	}
	return port, nil
}

// DiscoverServerURL resolves the server base URL for a client:
// CIDELDILL_SERVER_URL wins, else the port file.
func DiscoverServerURL() (string, error) {
	if url := os.Getenv("CIDELDILL_SERVER_URL"); url != "" {
		return strings.TrimRight(url, "/"), nil
	}
	port, err := ReadPortFile()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}
