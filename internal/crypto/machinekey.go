package crypto

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/rescale-labs/accountbridge/internal/constants"
)

// MachineKey derives a 256-bit key from stable machine identifiers (host ID,
// hostname, kernel type such as "linux", platform such as "ubuntu")
// concatenated with a per-installation
// random salt. The result is reproducible across runs on the same machine
// but infeasible to guess on another one, since the salt never leaves disk.
//
// Callers are responsible for persisting installSalt (see paths.SaltFileName)
// and passing the same bytes back on every call.
func MachineKey(ctx context.Context, installSalt []byte) ([]byte, error) {
	if len(installSalt) != constants.SaltSize {
		return nil, fmt.Errorf("%w: install salt must be %d bytes, got %d", ErrCipherInitFailed, constants.SaltSize, len(installSalt))
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading machine identity: %v", ErrCipherInitFailed, err)
	}

	material := fmt.Sprintf("%s|%s|%s|%s", info.HostID, info.Hostname, info.OS, info.Platform)

	h := sha256.New()
	h.Write([]byte(material))
	h.Write(installSalt)
	return h.Sum(nil), nil
}
