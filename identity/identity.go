package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"caesartv/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	UnknownDeviceID   = "unknown_device"
	UnknownDeviceName = "Unknown Device"
	deviceIDFile      = "device-id"
)

// Resolve returns the device identity. The id comes from the override, then
// the persisted id file under dataDir, then a freshly generated uuid that is
// persisted for the next start.
func Resolve(idOverride, nameOverride, dataDir string) models.Device {
	return models.Device{
		ID:   resolveID(idOverride, dataDir),
		Name: resolveName(nameOverride),
	}
}

func resolveID(override, dataDir string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}

	path := filepath.Join(dataDir, deviceIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to read device id from %s: %v", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Warnf("failed to create data dir %s: %v", dataDir, err)
		return UnknownDeviceID
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		log.Warnf("failed to persist device id to %s: %v", path, err)
		return UnknownDeviceID
	}
	log.Infof("generated device id %s", id)
	return id
}

func resolveName(override string) string {
	if name := strings.TrimSpace(override); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return UnknownDeviceName
	}
	return host
}
