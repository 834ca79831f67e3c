package hsm

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dverbeek/tierstore/internal/storage"
)

// Config keys shared by connectors that derive status from a sibling
// file next to the archived copy.
const (
	KeyStatusSuffix   = "status_suffix"
	KeyStatusOnMatch  = "status_on_match"
	KeyStatusDefault  = "status_default"
	KeyVerifyChecksum = "verify_checksum"
)

// StatusMapping derives an archival status from the existence of a
// sibling file with a configured suffix. With no suffix configured, or
// no matching sibling, the default status is returned; that is never
// an error. With checksum verification enabled the sibling must hold
// the hex SHA-1 of the archived bytes.
type StatusMapping struct {
	Suffix  string
	OnMatch Status
	Default Status
	Verify  bool
}

// StatusMappingFromConfig reads the mapping keys out of a connector
// configuration.
func StatusMappingFromConfig(config map[string]string) (StatusMapping, error) {
	verify, err := storage.GetBool(config, KeyVerifyChecksum, false)
	if err != nil {
		return StatusMapping{}, err
	}
	return StatusMapping{
		Suffix:  storage.GetString(config, KeyStatusSuffix, ""),
		OnMatch: ParseStatus(storage.GetString(config, KeyStatusOnMatch, "archived")),
		Default: ParseStatus(storage.GetString(config, KeyStatusDefault, "migrating")),
		Verify:  verify,
	}, nil
}

// Query resolves the status for an archived file path.
func (m StatusMapping) Query(archived string) (Status, error) {
	if m.Suffix == "" {
		return m.Default, nil
	}

	sibling := archived + m.Suffix
	raw, err := os.ReadFile(sibling)
	if err != nil {
		if os.IsNotExist(err) {
			return m.Default, nil
		}
		return m.Default, fmt.Errorf("hsm: read status sibling: %w", err)
	}

	if m.Verify {
		sum, err := fileDigest(archived)
		if err != nil {
			return m.Default, err
		}
		if strings.TrimSpace(string(raw)) != sum {
			return StatusFailed, nil
		}
	}
	return m.OnMatch, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hsm: open archive for digest: %w", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hsm: digest archive: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
