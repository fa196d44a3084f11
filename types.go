package main

import (
	"sync"
	"time"
)

// Strongly-typed IDs for type safety
type SessionID string
type JobID string
type ProfileID string

func (s SessionID) String() string { return string(s) }
func (j JobID) String() string     { return string(j) }
func (p ProfileID) String() string { return string(p) }

// Connection status constants
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

// String representation for JSON serialization and CLI output
func (cs ConnectionStatus) String() string {
	switch cs {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobKind identifies what a transfer job does.
type JobKind int

const (
	JobUpload JobKind = iota
	JobDownload
	JobOpen
	JobSave
	JobDelete
)

func (k JobKind) String() string {
	switch k {
	case JobUpload:
		return "upload"
	case JobDownload:
		return "download"
	case JobOpen:
		return "open"
	case JobSave:
		return "save"
	case JobDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutating reports whether the job kind writes to the remote filesystem.
// Mutating jobs hold an exclusive per-path lock while in flight.
func (k JobKind) Mutating() bool {
	return k == JobUpload || k == JobSave || k == JobDelete
}

// JobState is the lifecycle state of a transfer job.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// EntryKind classifies a remote directory entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntryOther
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	default:
		return "other"
	}
}

// RemoteEntry represents a file or directory entry on the remote server.
type RemoteEntry struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Kind          EntryKind `json:"kind"`
	Size          int64     `json:"size"`
	Mode          string    `json:"mode"`
	ModifiedTime  time.Time `json:"modifiedTime"`
	IsSymlink     bool      `json:"isSymlink"`
	SymlinkTarget string    `json:"symlinkTarget,omitempty"`
}

// DirectoryListing is the contents of one remote directory, tagged with the
// path it describes and a version number. A listing is never presented as
// current if its version is older than the latest successful listing.
type DirectoryListing struct {
	Path      string        `json:"path"`
	Version   uint64        `json:"version"`
	Entries   []RemoteEntry `json:"entries"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

// Contains reports whether the listing includes an entry with the given name.
func (l *DirectoryListing) Contains(name string) bool {
	for _, e := range l.Entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Credential holds connect-time secrets. It is resolved at connect time
// (prompt, key file, agent) and is never persisted.
type Credential struct {
	Password              string
	KeyPath               string
	KeyPassphrase         string
	UseAgent              bool
	AllowKeyAutoDiscovery bool
}

// SessionInfo is a read-only snapshot of the current session.
type SessionInfo struct {
	ID       SessionID        `json:"id"`
	Host     string           `json:"host"`
	Port     int              `json:"port"`
	Username string           `json:"username"`
	Status   ConnectionStatus `json:"status"`
}

// Target returns the user@host form for display.
func (si *SessionInfo) Target() string {
	if si == nil {
		return ""
	}
	return si.Username + "@" + si.Host
}

// Validation interface for type validation
type Validator interface {
	Validate() error
}

// Cleanup interface for resource management
type Cleanup interface {
	Close() error
}

// Resource limits and timing constants
const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 30 * time.Second

	MaxTrackedJobs = 256
	MaxProfiles    = 1000

	progressEmitInterval = 150 * time.Millisecond
)

// Config constants
const (
	ConfigFileName  = "config.yaml"
	ConfigDirName   = "Drift"
	ProfilesDirName = "Profiles"
	KnownHostsName  = "known_hosts"
	ConfigFileMode  = 0600
	ConfigDirMode   = 0750
)

// ResourceManager handles overall resource lifecycle
type ResourceManager struct {
	resources []Cleanup
	mutex     sync.Mutex
}

// NewResourceManager creates a new resource manager
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		resources: make([]Cleanup, 0),
	}
}

// Register adds a resource for lifecycle management
func (rm *ResourceManager) Register(resource Cleanup) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.resources = append(rm.resources, resource)
}

// Cleanup closes all registered resources
func (rm *ResourceManager) Cleanup() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	var lastError error
	for _, resource := range rm.resources {
		if err := resource.Close(); err != nil {
			lastError = err
		}
	}
	rm.resources = rm.resources[:0]
	return lastError
}

// Close implements the Cleanup interface for ResourceManager
func (rm *ResourceManager) Close() error {
	return rm.Cleanup()
}
