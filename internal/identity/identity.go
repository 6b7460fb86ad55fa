// Package identity manages ULID generation and the persistent identity of a
// ChronoQ server instance. The node ID is generated on first start, stored in
// the data directory, and stays stable across restarts; timer and
// subscription IDs come from the same monotonic generator so they sort by
// creation time.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// A single shared monotonic entropy source keeps ULIDs lexicographically
// ordered even when several are generated within the same millisecond.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID panics when NewID fails. Intended for tests and init paths only.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("identity.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NodeID returns this node's stable ULID, reading it from dataDir/node_id or
// generating and persisting a new one on first start. A non-empty override
// other than "auto" wins over the persisted value (useful in tests and
// container deployments).
func NodeID(dataDir, override string) (string, error) {
	if dataDir == "" {
		return "", errors.New("identity: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("identity: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := Validate(override); err != nil {
			return "", fmt.Errorf("identity: invalid node id override %q: %w", override, err)
		}
		return override, nil
	}

	path := filepath.Join(dataDir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return "", fmt.Errorf("identity: persisted node id %q is invalid: %w", id, err)
		}
		return id, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("identity: read node id: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("identity: generate node id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("identity: persist node id: %w", err)
	}
	return id, nil
}
