package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Profile storage constants
const (
	MaxProfileFileSize = 1024 * 1024 // 1MB sanity limit per profile file
	WatcherDebounceMs  = 300 * time.Millisecond
	WatcherStopTimeout = 2 * time.Second
)

// ConnectionProfile is a saved, reusable connection target. It holds only
// non-secret fields: passwords and passphrases are never persisted and are
// resolved at connect time (prompt, agent, or key file on disk).
type ConnectionProfile struct {
	ID       ProfileID `yaml:"id" json:"id"`
	Name     string    `yaml:"name" json:"name"`
	Host     string    `yaml:"host" json:"host"`
	Port     int       `yaml:"port" json:"port"`
	Username string    `yaml:"username" json:"username"`
	// KeyPath references a private key file; the key itself stays on disk.
	KeyPath  string `yaml:"key_path,omitempty" json:"keyPath,omitempty"`
	UseAgent bool   `yaml:"use_agent,omitempty" json:"useAgent,omitempty"`
	// HostKeyPolicy overrides the global policy when set.
	HostKeyPolicy HostKeyPolicy `yaml:"host_key_policy,omitempty" json:"hostKeyPolicy,omitempty"`

	Created      time.Time `yaml:"created" json:"created"`
	LastModified time.Time `yaml:"last_modified" json:"lastModified"`
	LastUsed     time.Time `yaml:"last_used,omitempty" json:"lastUsed,omitempty"`
}

// Validate implements the Validator interface for ConnectionProfile
func (p *ConnectionProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if len(p.Name) > 255 {
		return fmt.Errorf("profile name is too long (max 255 characters)")
	}
	if p.Host == "" {
		return fmt.Errorf("profile host cannot be empty")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("profile port must be between 0 and 65535, got: %d", p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("profile username cannot be empty")
	}
	if p.HostKeyPolicy != "" {
		if err := p.HostKeyPolicy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectConfig builds a connect request from the profile. The credential
// carries only what the profile can offer (key path, agent preference);
// passwords come from the caller.
func (p *ConnectionProfile) ConnectConfig() ConnectConfig {
	port := p.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return ConnectConfig{
		Host:     p.Host,
		Port:     port,
		Username: p.Username,
		Credential: Credential{
			KeyPath:  p.KeyPath,
			UseAgent: p.UseAgent,
		},
		HostKeyPolicy: p.HostKeyPolicy,
	}
}

// ProfileStore manages connection profiles as one YAML file per profile in
// the profiles directory, named Name-ID.yaml. External edits to the
// directory are picked up live by a file watcher.
type ProfileStore struct {
	mu       sync.RWMutex
	dir      string
	profiles map[ProfileID]*ConnectionProfile
	logger   *zap.Logger

	watcher       *fsnotify.Watcher
	stopChan      chan bool
	doneChan      chan struct{}
	debounceMutex sync.Mutex
	debounceTimer *time.Timer
	// onChange fires (debounced) after external file events changed the
	// in-memory set.
	onChange func()
}

// NewProfileStore creates a store rooted at the given directory.
func NewProfileStore(dir string, logger *zap.Logger) *ProfileStore {
	return &ProfileStore{
		dir:      dir,
		profiles: make(map[ProfileID]*ConnectionProfile),
		logger:   logger,
	}
}

// Initialize creates the profiles directory, loads existing profiles, and
// starts the file watcher.
func (ps *ProfileStore) Initialize() error {
	if err := os.MkdirAll(ps.dir, ConfigDirMode); err != nil {
		return fmt.Errorf("failed to create profiles directory: %w", err)
	}
	if err := ps.Load(); err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	if err := ps.StartWatcher(); err != nil {
		return fmt.Errorf("failed to start profile watcher: %w", err)
	}
	return nil
}

// Load (re)loads all profiles from the profiles directory. Unreadable or
// invalid files are skipped with a warning so one bad file cannot block
// the rest.
func (ps *ProfileStore) Load() error {
	loaded := make(map[ProfileID]*ConnectionProfile)

	err := filepath.WalkDir(ps.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".yaml") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			ps.logger.Warn("failed to stat profile file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.Size() > MaxProfileFileSize {
			ps.logger.Warn("profile file exceeds size limit, skipping", zap.String("path", path))
			return nil
		}

		profile, err := ps.loadFile(path)
		if err != nil {
			ps.logger.Warn("failed to load profile", zap.String("path", path), zap.Error(err))
			return nil
		}

		if len(loaded) >= MaxProfiles {
			ps.logger.Warn("profile limit reached, ignoring remaining files",
				zap.Int("limit", MaxProfiles))
			return filepath.SkipAll
		}
		loaded[profile.ID] = profile
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk profiles directory: %w", err)
	}

	ps.mu.Lock()
	ps.profiles = loaded
	ps.mu.Unlock()

	ps.logger.Info("profiles loaded", zap.Int("count", len(loaded)), zap.String("dir", ps.dir))
	return nil
}

// loadFile loads a single profile from file with validation
func (ps *ProfileStore) loadFile(path string) (*ConnectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("profile file is empty")
	}

	var profile ConnectionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("profile has no id")
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile data: %w", err)
	}
	return &profile, nil
}

// Save creates or updates a profile. A new profile gets a generated ID; a
// renamed profile's old file is removed so the directory stays one file
// per profile.
func (ps *ProfileStore) Save(profile *ConnectionProfile) error {
	if profile == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	if profile.ID == "" {
		if len(ps.profiles) >= MaxProfiles {
			return fmt.Errorf("profile limit reached (%d)", MaxProfiles)
		}
		profile.ID = ProfileID(uuid.New().String())
		profile.Created = now
	}
	profile.LastModified = now

	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	filename := sanitizeFilename(fmt.Sprintf("%s-%s.yaml", profile.Name, profile.ID))
	filePath := filepath.Join(ps.dir, filename)

	// Remove the previous file when the profile was renamed.
	if existing, err := ps.findProfileFileLocked(profile.ID); err == nil && existing != filePath {
		if rmErr := os.Remove(existing); rmErr != nil && !os.IsNotExist(rmErr) {
			ps.logger.Warn("failed to remove old profile file",
				zap.String("path", existing), zap.Error(rmErr))
		}
	}

	if err := os.WriteFile(filePath, data, ConfigFileMode); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}

	ps.profiles[profile.ID] = profile
	return nil
}

// Delete removes a profile and its file.
func (ps *ProfileStore) Delete(id ProfileID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.profiles[id]; !exists {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}

	if filePath, err := ps.findProfileFileLocked(id); err == nil {
		if rmErr := os.Remove(filePath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove profile file: %w", rmErr)
		}
	}

	delete(ps.profiles, id)
	return nil
}

// Get returns a profile by ID.
func (ps *ProfileStore) Get(id ProfileID) (*ConnectionProfile, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	profile, exists := ps.profiles[id]
	if !exists {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	copied := *profile
	return &copied, nil
}

// GetByName returns a profile by its display name.
func (ps *ProfileStore) GetByName(name string) (*ConnectionProfile, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, profile := range ps.profiles {
		if profile.Name == name {
			copied := *profile
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("profile %q: %w", name, ErrNotFound)
}

// List returns all profiles sorted by name.
func (ps *ProfileStore) List() []*ConnectionProfile {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	profiles := make([]*ConnectionProfile, 0, len(ps.profiles))
	for _, profile := range ps.profiles {
		copied := *profile
		profiles = append(profiles, &copied)
	}
	sort.Slice(profiles, func(i, k int) bool {
		return profiles[i].Name < profiles[k].Name
	})
	return profiles
}

// MarkUsed records that a profile was just used for a connection.
func (ps *ProfileStore) MarkUsed(id ProfileID) {
	ps.mu.Lock()
	profile, exists := ps.profiles[id]
	if exists {
		profile.LastUsed = time.Now()
	}
	ps.mu.Unlock()

	if exists {
		if err := ps.Save(profile); err != nil {
			ps.logger.Warn("failed to persist profile usage",
				zap.String("profileId", id.String()), zap.Error(err))
		}
	}
}

// findProfileFileLocked finds the file holding a profile ID. Profile files
// are named Name-ID.yaml.
func (ps *ProfileStore) findProfileFileLocked(id ProfileID) (string, error) {
	if id == "" {
		return "", fmt.Errorf("profile ID cannot be empty")
	}

	var foundFile string
	err := filepath.WalkDir(ps.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".yaml") {
			return nil
		}
		if profileIDFromFilename(d.Name()) == id {
			foundFile = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search for profile file: %w", err)
	}
	if foundFile == "" {
		return "", fmt.Errorf("profile file not found for ID: %s", id)
	}
	return foundFile, nil
}

// profileIDFromFilename extracts the ID from a Name-ID.yaml filename. The
// ID is a UUID, so it spans the last five dash-separated segments.
func profileIDFromFilename(name string) ProfileID {
	name = strings.TrimSuffix(name, ".yaml")
	parts := strings.Split(name, "-")
	if len(parts) < 6 {
		return ""
	}
	return ProfileID(strings.Join(parts[len(parts)-5:], "-"))
}

// sanitizeFilename strips characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.Trim(sanitized, ". ")
	if sanitized == "" {
		sanitized = "profile"
	}
	return sanitized
}

// StartWatcher starts monitoring the profiles directory for external edits.
func (ps *ProfileStore) StartWatcher() error {
	ps.StopWatcher()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(ps.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch profiles directory: %w", err)
	}

	ps.mu.Lock()
	ps.watcher = watcher
	ps.stopChan = make(chan bool, 1)
	ps.doneChan = make(chan struct{})
	stopChan := ps.stopChan
	doneChan := ps.doneChan
	ps.mu.Unlock()

	go func() {
		defer func() {
			watcher.Close()
			close(doneChan)
		}()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				ps.handleFileEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ps.logger.Warn("profile watcher error", zap.Error(err))
			case <-stopChan:
				return
			}
		}
	}()

	ps.logger.Debug("profile file watcher started", zap.String("dir", ps.dir))
	return nil
}

// StopWatcher stops the watcher and waits for its goroutine to exit.
func (ps *ProfileStore) StopWatcher() {
	ps.mu.Lock()
	watcher := ps.watcher
	stopChan := ps.stopChan
	doneChan := ps.doneChan
	ps.watcher = nil
	ps.stopChan = nil
	ps.doneChan = nil
	ps.mu.Unlock()

	if watcher == nil {
		return
	}

	ps.debounceMutex.Lock()
	if ps.debounceTimer != nil {
		ps.debounceTimer.Stop()
		ps.debounceTimer = nil
	}
	ps.debounceMutex.Unlock()

	select {
	case stopChan <- true:
	default:
	}

	select {
	case <-doneChan:
	case <-time.After(WatcherStopTimeout):
		ps.logger.Warn("profile watcher goroutine did not exit in time")
	}
}

// handleFileEvent processes one file system event for a profile file.
func (ps *ProfileStore) handleFileEvent(event fsnotify.Event) {
	baseName := filepath.Base(event.Name)
	if !strings.HasSuffix(strings.ToLower(baseName), ".yaml") {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Create == fsnotify.Create:
		profile, err := ps.loadFile(event.Name)
		if err != nil {
			ps.logger.Warn("failed to reload changed profile",
				zap.String("path", event.Name), zap.Error(err))
			return
		}
		ps.mu.Lock()
		ps.profiles[profile.ID] = profile
		ps.mu.Unlock()
		ps.logger.Debug("reloaded changed profile", zap.String("name", profile.Name))

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		id := profileIDFromFilename(baseName)
		if id == "" {
			return
		}
		ps.mu.Lock()
		if _, exists := ps.profiles[id]; exists {
			delete(ps.profiles, id)
			ps.logger.Debug("removed deleted profile", zap.String("profileId", id.String()))
		}
		ps.mu.Unlock()
	}

	ps.notifyChangedDebounced()
}

// notifyChangedDebounced coalesces rapid file events into one onChange call.
func (ps *ProfileStore) notifyChangedDebounced() {
	ps.mu.RLock()
	onChange := ps.onChange
	ps.mu.RUnlock()
	if onChange == nil {
		return
	}

	ps.debounceMutex.Lock()
	defer ps.debounceMutex.Unlock()

	if ps.debounceTimer != nil {
		ps.debounceTimer.Stop()
	}
	ps.debounceTimer = time.AfterFunc(WatcherDebounceMs, onChange)
}

// Close implements the Cleanup interface for ProfileStore
func (ps *ProfileStore) Close() error {
	ps.StopWatcher()
	return nil
}
