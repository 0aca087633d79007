package node

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/denisbrodbeck/machineid"
)

const nodeIDFile = "node-id"

type Identity struct {
	NodeID string
	Device string
}

// LoadIdentity returns the identity stored in dir, creating one on first use.
func LoadIdentity(dir string) (Identity, error) {
	if data, err := os.ReadFile(filepath.Join(dir, nodeIDFile)); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return Identity{NodeID: id, Device: deviceName()}, nil
		}
	}

	return NewIdentity(dir)
}

// NewIdentity generates a fresh node id and stores it in dir.
func NewIdentity(dir string) (Identity, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Identity{}, fmt.Errorf("failed to create state dir: %w", err)
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return Identity{}, fmt.Errorf("failed to generate node id: %w", err)
	}
	id := hex.EncodeToString(b)

	if err := os.WriteFile(filepath.Join(dir, nodeIDFile), []byte(id), 0644); err != nil {
		return Identity{}, fmt.Errorf("failed to save node id: %w", err)
	}

	return Identity{NodeID: id, Device: deviceName()}, nil
}

func deviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	mid, err := machineid.ProtectedID("peersync")
	if err != nil || len(mid) < 8 {
		return host
	}

	return fmt.Sprintf("%s (%s)", host, mid[:8])
}
