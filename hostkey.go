package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy controls how unknown or mismatched host keys are handled.
// Silently trusting any host key is a known-risky default, so the policy is
// always explicit: the safe default rejects unknown hosts, and the insecure
// mode has to be asked for.
type HostKeyPolicy string

const (
	// HostKeyRejectUnknown accepts only hosts already present in the
	// known_hosts file. This is the default.
	HostKeyRejectUnknown HostKeyPolicy = "reject-unknown"
	// HostKeyAcceptNew records unknown hosts on first contact (with a
	// warning) and rejects any subsequent key change.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyInsecure accepts any host key. For throwaway test hosts only.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// AllowedHostKeyPolicies lists the valid policy names.
var AllowedHostKeyPolicies = []HostKeyPolicy{HostKeyRejectUnknown, HostKeyAcceptNew, HostKeyInsecure}

// Validate implements the Validator interface for HostKeyPolicy
func (p HostKeyPolicy) Validate() error {
	for _, allowed := range AllowedHostKeyPolicies {
		if p == allowed {
			return nil
		}
	}
	return fmt.Errorf("invalid host key policy: '%s'. Allowed policies are: %v", p, AllowedHostKeyPolicies)
}

// ensureKnownHostsFile creates the known_hosts file (and its directory) if
// it does not exist yet, with restrictive permissions.
func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), ConfigDirMode); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, ConfigFileMode)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts file %s: %w", path, err)
	}
	return f.Close()
}

// newHostKeyCallback builds the ssh.HostKeyCallback implementing the given
// policy against an OpenSSH-format known_hosts file.
func newHostKeyCallback(policy HostKeyPolicy, knownHostsPath string, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if policy == HostKeyInsecure {
		insecure := ssh.InsecureIgnoreHostKey()
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			logger.Warn("host key verification disabled, accepting any key",
				zap.String("host", hostname),
				zap.String("fingerprint", ssh.FingerprintSHA256(key)))
			return insecure(hostname, remote, key)
		}, nil
	}

	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, err
	}

	verify, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts file %s: %w", knownHostsPath, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return &HostKeyError{Host: hostname, Err: err}
		}

		if len(keyErr.Want) > 0 {
			// The host presented a different key than the one on record.
			// Never auto-accept a changed key under any policy.
			return &HostKeyError{
				Host: hostname,
				Err:  fmt.Errorf("host key mismatch, recorded key differs (possible MITM): %w", keyErr),
			}
		}

		if policy == HostKeyRejectUnknown {
			return &HostKeyError{
				Host: hostname,
				Err:  fmt.Errorf("host key verification failed: %s is not in %s", hostname, knownHostsPath),
			}
		}

		// accept-new: record the key on first contact.
		if err := appendKnownHost(knownHostsPath, hostname, remote, key); err != nil {
			return &HostKeyError{Host: hostname, Err: err}
		}
		logger.Warn("recorded new host key on first contact",
			zap.String("host", hostname),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)))
		return nil
	}, nil
}

// appendKnownHost writes one known_hosts line for the given host and key.
func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if normalized := knownhosts.Normalize(remote.String()); normalized != addresses[0] {
			addresses = append(addresses, normalized)
		}
	}
	line := knownhosts.Line(addresses, key)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, ConfigFileMode)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	return nil
}
