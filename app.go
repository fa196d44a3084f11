package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// App composes the managers into the command surface every front end
// (CLI today, GUI or remote API later) talks to. All remote operations
// require a connected session and fail with ErrNoSession otherwise.
type App struct {
	config    *ConfigManager
	sessions  *SessionManager
	cache     *DirCache
	transfers *TransferCoordinator
	profiles  *ProfileStore
	bus       *EventBus
	resources *ResourceManager
	logger    *zap.Logger
}

// NewApp creates the application, loads configuration and profiles, and
// wires the managers together.
func NewApp(logger *zap.Logger) (*App, error) {
	config := NewConfigManager(logger)
	if err := config.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Get()

	bus := NewEventBus(logger)
	sessions := NewSessionManager(logger)
	cache := NewDirCache(logger)
	transfers := NewTransferCoordinator(cfg.Transfer, bus, logger)

	app := &App{
		config:    config,
		sessions:  sessions,
		cache:     cache,
		transfers: transfers,
		bus:       bus,
		resources: NewResourceManager(),
		logger:    logger,
	}

	// A successful delete makes the cached listing lie; invalidate so the
	// next read forces a refresh.
	transfers.onDelete = func(remotePath string) {
		app.cache.Invalidate()
	}
	// A connection-lost error observed by any job fails the whole session.
	transfers.onTransportFailure = sessions.MarkFailed
	// Session teardown cancels dependent work before the transport closes.
	// A non-nil reason is the transport error that killed the session.
	sessions.onTeardown = func(reason error) {
		app.transfers.CancelAll(reason)
		app.cache.Reset()
	}

	if profilesDir, err := config.ProfilesDir(); err != nil {
		logger.Warn("profiles unavailable", zap.Error(err))
	} else {
		store := NewProfileStore(profilesDir, logger)
		if err := store.Initialize(); err != nil {
			logger.Warn("failed to initialize profiles", zap.Error(err))
		} else {
			app.profiles = store
			app.resources.Register(store)
		}
	}

	app.resources.Register(sessions)
	app.resources.Register(transfers)
	app.resources.Register(bus)
	return app, nil
}

// Connect establishes a session and navigates to the login directory so a
// successful connect always yields a usable current listing.
func (a *App) Connect(cfg ConnectConfig) (*SessionInfo, error) {
	appCfg := a.config.Get()
	if cfg.HostKeyPolicy == "" {
		cfg.HostKeyPolicy = appCfg.HostKeyPolicy
	}
	if cfg.KnownHostsPath == "" {
		path, err := a.config.KnownHostsPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve known_hosts path: %w", err)
		}
		cfg.KnownHostsPath = path
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = appCfg.ConnectTimeout()
	}
	if cfg.SFTP.MaxPacketSize == 0 {
		cfg.SFTP = appCfg.SFTP
	}

	info, err := a.sessions.Connect(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := a.Navigate("."); err != nil {
		a.logger.Warn("connected but initial listing failed", zap.Error(err))
	}
	return info, nil
}

// ConnectProfile connects using a saved profile. The password (if any) is
// supplied by the caller at connect time; profiles never store secrets.
func (a *App) ConnectProfile(name, password string) (*SessionInfo, error) {
	if a.profiles == nil {
		return nil, fmt.Errorf("profile store unavailable")
	}
	profile, err := a.profiles.GetByName(name)
	if err != nil {
		return nil, err
	}

	cfg := profile.ConnectConfig()
	cfg.Credential.Password = password
	cfg.Credential.AllowKeyAutoDiscovery = password == "" && profile.KeyPath == ""

	info, err := a.Connect(cfg)
	if err != nil {
		return nil, err
	}
	a.profiles.MarkUsed(profile.ID)
	return info, nil
}

// Disconnect tears down the session. Idempotent.
func (a *App) Disconnect() error {
	return a.sessions.Disconnect()
}

// CurrentSession returns the session snapshot, or nil when disconnected.
func (a *App) CurrentSession() *SessionInfo {
	return a.sessions.Current()
}

// SessionStatus returns the session lifecycle state and the error that
// caused a Failed state, if any.
func (a *App) SessionStatus() (ConnectionStatus, error) {
	return a.sessions.Status(), a.sessions.LastError()
}

// Navigate changes the current remote directory and returns its listing.
// Relative paths (including "..") resolve against the current directory.
func (a *App) Navigate(path string) (*DirectoryListing, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}

	listing, err := a.cache.Navigate(transport, a.resolvePath(path))
	if err != nil {
		a.failSessionOnLoss(id, err)
		return nil, err
	}
	return listing, nil
}

// Refresh re-lists the current directory, recovering from a stale cache.
func (a *App) Refresh() (*DirectoryListing, error) {
	path := a.cache.Path()
	if path == "" {
		path = "."
	}
	return a.Navigate(path)
}

// Listing returns the cached listing of the current directory. It fails
// with ErrStale after an invalidation until Refresh or Navigate succeeds.
func (a *App) Listing() (*DirectoryListing, error) {
	if _, _, err := a.sessions.Transport(); err != nil {
		return nil, err
	}
	return a.cache.Current()
}

// Upload starts an upload of a local file into a remote directory. An
// empty remoteDir targets the current directory.
func (a *App) Upload(localPath, remoteDir string) (*TransferJob, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}
	if remoteDir == "" {
		remoteDir = a.cache.Path()
		if remoteDir == "" {
			return nil, fmt.Errorf("no current remote directory, navigate first")
		}
	} else {
		remoteDir = a.resolvePath(remoteDir)
	}
	return a.transfers.Upload(id, transport, localPath, remoteDir)
}

// Download starts a download of a remote file into a local directory.
func (a *App) Download(remotePath, localDir string) (*TransferJob, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}
	return a.transfers.Download(id, transport, a.resolvePath(remotePath), localDir)
}

// Open starts a job that fetches a remote text file for editing. The
// decoded content is available from the job result once it succeeds.
func (a *App) Open(remotePath string) (*TransferJob, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}
	return a.transfers.OpenForEdit(id, transport, a.resolvePath(remotePath))
}

// Save starts a job that overwrites a remote file with new content.
func (a *App) Save(remotePath, content string) (*TransferJob, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}
	return a.transfers.SaveEdit(id, transport, a.resolvePath(remotePath), content)
}

// Delete starts a job that removes a remote file, or a directory tree when
// recursive is set.
func (a *App) Delete(remotePath string, recursive bool) (*TransferJob, error) {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return nil, err
	}
	return a.transfers.Delete(id, transport, a.resolvePath(remotePath), recursive)
}

// Rename renames a remote file or directory and refreshes the listing.
func (a *App) Rename(oldPath, newPath string) error {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return err
	}
	if err := transport.Rename(a.resolvePath(oldPath), a.resolvePath(newPath)); err != nil {
		a.failSessionOnLoss(id, err)
		return err
	}
	a.cache.Invalidate()
	return nil
}

// Mkdir creates a remote directory and refreshes the listing.
func (a *App) Mkdir(remotePath string) error {
	id, transport, err := a.sessions.Transport()
	if err != nil {
		return err
	}
	if err := transport.Mkdir(a.resolvePath(remotePath)); err != nil {
		a.failSessionOnLoss(id, err)
		return err
	}
	a.cache.Invalidate()
	return nil
}

// Jobs returns snapshots of tracked transfer jobs, oldest first.
func (a *App) Jobs() []JobSnapshot {
	return a.transfers.Jobs()
}

// Job returns a tracked transfer job by id.
func (a *App) Job(id JobID) (*TransferJob, bool) {
	return a.transfers.Job(id)
}

// CancelJob requests cancellation of one job.
func (a *App) CancelJob(id JobID) error {
	return a.transfers.Cancel(id)
}

// Events subscribes to job progress events.
func (a *App) Events(buffer int) (<-chan JobEvent, func()) {
	return a.bus.Subscribe(buffer)
}

// Profiles returns the profile store, or nil when unavailable.
func (a *App) Profiles() *ProfileStore {
	return a.profiles
}

// Config returns a copy of the active configuration.
func (a *App) Config() AppConfig {
	return a.config.Get()
}

// Close releases all managed resources.
func (a *App) Close() error {
	return a.resources.Cleanup()
}

// resolvePath resolves a possibly-relative remote path against the current
// directory. Absolute paths pass through untouched.
func (a *App) resolvePath(path string) string {
	if path == "" {
		return "."
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	current := a.cache.Path()
	if current == "" {
		return path
	}
	if path == ".." {
		return parentRemotePath(current)
	}
	if path == "." {
		return current
	}
	return joinRemotePath(current, path)
}

// failSessionOnLoss moves the session to Failed when an operation surfaced
// a connection-lost error.
func (a *App) failSessionOnLoss(id SessionID, err error) {
	if IsConnectionLost(err) {
		a.sessions.MarkFailed(id, err)
	}
}
