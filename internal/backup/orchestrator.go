package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/netos-community/appcatalog/internal/model"
)

const (
	defaultInterval = 6 * time.Hour
	defaultTag      = "netos-community-apps-backup"
	flightKey       = "backup"
)

// State is a step of the startup procedure.
type State int32

const (
	StateBooting State = iota
	StateCheckingRemote
	StateRestoring
	StateInitializing
	StateBackingUpInitial
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateCheckingRemote:
		return "checking_remote"
	case StateRestoring:
		return "restoring"
	case StateInitializing:
		return "initializing"
	case StateBackingUpInitial:
		return "backing_up_initial"
	case StateSteady:
		return "steady"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Orchestrator owns the startup decision, the periodic loop and every
// backup or restore of the local store.
type Orchestrator struct {
	cfg    Config
	store  LocalStore
	repo   Repository // nil when no remote is configured
	oracle *Oracle
	log    zerolog.Logger

	enabled atomic.Bool
	state   atomic.Int32

	handleMu sync.RWMutex
	handle   Handle

	flight singleflight.Group
	runMu  sync.Mutex // serializes backup and restore executions

	statusMu     sync.Mutex
	lastBackupAt time.Time
	lastErr      string

	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	loopOnce sync.Once
	stopOnce sync.Once
}

// NewOrchestrator builds an orchestrator. repo may be nil, in which case the
// process runs local-only.
func NewOrchestrator(store LocalStore, repo Repository, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.Tag) == "" {
		cfg.Tag = defaultTag
	}
	if cfg.RestorePolicy == "" {
		cfg.RestorePolicy = RestoreLocalWins
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		repo:   repo,
		oracle: NewOracle(store, log),
		log:    log,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start runs the startup decision procedure once and, when a remote is usable,
// starts the periodic loop. Remote failures never fail Start; only a local
// store that cannot be initialized does.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(StateCheckingRemote)

	if o.repo == nil {
		o.log.Info().Msg("remote backup not configured, running local-only")
		return o.startLocalOnly()
	}
	if err := o.repo.Probe(ctx); err != nil {
		o.log.Warn().Err(err).Msg("remote backup unreachable, running local-only")
		return o.startLocalOnly()
	}
	o.enabled.Store(true)

	h, err := o.resolveHandle(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("could not resolve remote backup, running local-only")
		o.enabled.Store(false)
		return o.startLocalOnly()
	}

	local := o.oracle.Inspect()
	switch {
	case !local.Empty && (h == "" || o.cfg.RestorePolicy != RestoreRemoteWins):
		o.log.Info().Interface("table_counts", local.Counts).Msg("local store has data, keeping it")
		o.setState(StateInitializing)
		if err := o.store.EnsureSchema(); err != nil {
			return fmt.Errorf("initialize local store: %w", err)
		}
		o.setState(StateBackingUpInitial)
		if _, err := o.TriggerBackup(ctx); err != nil {
			o.log.Warn().Err(err).Msg("initial backup failed")
		}

	case h != "":
		o.setState(StateRestoring)
		res, err := o.restoreFrom(ctx, h)
		if err == nil {
			o.log.Info().Str("handle", string(h)).Int64("size_bytes", res.SizeBytes).Msg("restored local store from remote backup")
			break
		}
		o.log.Warn().Err(err).Str("handle", string(h)).Msg("restore failed, initializing fresh store")
		if errors.Is(err, ErrRemoteUnavailable) {
			// Shipping a fresh store would overwrite the backup we failed to read.
			o.enabled.Store(false)
			o.log.Warn().Msg("remote backup disabled for this process")
		}
		o.setState(StateInitializing)
		if err := o.store.EnsureSchema(); err != nil {
			return fmt.Errorf("initialize local store: %w", err)
		}

	default:
		o.log.Info().Msg("no local data and no remote backup, initializing fresh store")
		o.setState(StateInitializing)
		if err := o.store.EnsureSchema(); err != nil {
			return fmt.Errorf("initialize local store: %w", err)
		}
	}

	o.setState(StateSteady)
	if o.enabled.Load() {
		o.startLoop()
	}
	return nil
}

func (o *Orchestrator) startLocalOnly() error {
	o.enabled.Store(false)
	o.setState(StateInitializing)
	if err := o.store.EnsureSchema(); err != nil {
		return fmt.Errorf("initialize local store: %w", err)
	}
	o.setState(StateSteady)
	return nil
}

// resolveHandle returns the configured handle when it still exists, otherwise
// the first object matching the tag. An empty handle means no backup exists.
func (o *Orchestrator) resolveHandle(ctx context.Context) (Handle, error) {
	if h := o.cfg.Handle; h != "" {
		ok, err := o.repo.Exists(ctx, h)
		if err != nil {
			return "", err
		}
		if ok {
			o.setHandle(h)
			return h, nil
		}
		o.log.Warn().Str("handle", string(h)).Msg("configured backup handle not found, discovering by tag")
	}

	h, err := o.repo.Discover(ctx, o.cfg.Tag)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	o.log.Info().Str("handle", string(h)).Msg("discovered remote backup")
	o.setHandle(h)
	return h, nil
}

func (o *Orchestrator) startLoop() {
	o.loopOnce.Do(func() {
		o.wg.Add(1)
		go o.loop()
	})
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.backgroundBackup("periodic")
		case <-o.kick:
			o.backgroundBackup("triggered")
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) backgroundBackup(reason string) {
	res, err := o.TriggerBackup(context.Background())
	switch {
	case err == nil:
		o.log.Debug().Str("reason", reason).Str("handle", string(res.Handle)).Msg("background backup done")
	case errors.Is(err, ErrBackupDisabled), errors.Is(err, ErrEmptySnapshot):
	default:
		o.log.Error().Err(err).Str("reason", reason).Msg("background backup failed")
	}
}

// TriggerAsync requests a backup from the background loop without waiting.
// Requests made while one is already queued are coalesced.
func (o *Orchestrator) TriggerAsync() {
	if !o.enabled.Load() {
		return
	}
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// TriggerBackup ships the current local store to the remote. Concurrent calls
// join the backup already in flight and share its result. The shared run does
// not observe the first caller's cancellation; guarded repositories still bound
// it with their own timeout.
func (o *Orchestrator) TriggerBackup(ctx context.Context) (Result, error) {
	if !o.enabled.Load() {
		return Result{}, ErrBackupDisabled
	}
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := o.flight.Do(flightKey, func() (any, error) {
		return o.runBackup(runCtx)
	})
	res, _ := v.(Result)
	res.Shared = shared
	return res, err
}

func (o *Orchestrator) runBackup(ctx context.Context) (Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	local := o.oracle.Inspect()
	if local.Empty {
		o.log.Warn().Msg("local store is empty, refusing to overwrite remote backup")
		return Result{}, ErrEmptySnapshot
	}

	raw, err := o.store.Snapshot()
	if err != nil {
		return Result{}, o.recordFailure(fmt.Errorf("%w: snapshot: %v", ErrIO, err))
	}
	env, err := Encode(raw, local.Counts)
	if err != nil {
		return Result{}, o.recordFailure(err)
	}

	h, err := o.upload(ctx, env)
	if err != nil {
		return Result{}, o.recordFailure(err)
	}

	o.statusMu.Lock()
	o.lastBackupAt = env.CreatedAt
	o.lastErr = ""
	o.statusMu.Unlock()

	o.log.Info().Str("handle", string(h)).Int64("size_bytes", env.SizeBytes).
		Interface("table_counts", env.TableCounts).Msg("backup uploaded")
	return Result{Handle: h, SizeBytes: env.SizeBytes, TableCounts: env.TableCounts, At: env.CreatedAt}, nil
}

// upload updates the known object or creates one, and remembers the handle
// the remote ends up using.
func (o *Orchestrator) upload(ctx context.Context, env *Envelope) (Handle, error) {
	var (
		h   = o.Handle()
		nh  Handle
		err error
	)
	if h != "" {
		nh, err = o.repo.Update(ctx, h, env)
		if errors.Is(err, ErrNotFound) {
			o.log.Warn().Str("handle", string(h)).Msg("remote backup vanished, creating a new one")
			nh, err = o.repo.Create(ctx, o.cfg.Tag, env)
		}
	} else {
		nh, err = o.repo.Create(ctx, o.cfg.Tag, env)
	}
	if err != nil {
		return "", err
	}
	if nh != h {
		o.log.Info().Str("old", string(h)).Str("new", string(nh)).Msg("remote backup handle changed")
		o.setHandle(nh)
	}
	return nh, nil
}

// TriggerRestore replaces the local store with the remote backup. It is an
// operator action: a populated local store is overwritten, after a safety
// copy when a local dir is configured.
func (o *Orchestrator) TriggerRestore(ctx context.Context) (Result, error) {
	if !o.enabled.Load() {
		return Result{}, ErrBackupDisabled
	}

	h := o.Handle()
	if h == "" {
		found, err := o.repo.Discover(ctx, o.cfg.Tag)
		if err != nil {
			return Result{}, fmt.Errorf("no remote backup to restore: %w", err)
		}
		o.setHandle(found)
		h = found
	}

	if local := o.oracle.Inspect(); !local.Empty {
		o.log.Warn().Interface("table_counts", local.Counts).Msg("operator restore will overwrite populated local store")
	}
	res, err := o.restoreFrom(ctx, h)
	if err != nil {
		return Result{}, err
	}
	o.log.Info().Str("handle", string(h)).Int64("size_bytes", res.SizeBytes).Msg("operator restore complete")
	return res, nil
}

func (o *Orchestrator) restoreFrom(ctx context.Context, h Handle) (Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	env, err := o.repo.Fetch(ctx, h)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", h, err)
	}
	raw, err := Decode(env)
	if err != nil {
		return Result{}, err
	}

	if o.cfg.LocalDir != "" && !o.oracle.IsEmpty() {
		path, err := writeSafetyCopy(o.store, o.cfg.LocalDir, o.cfg.KeepLast)
		if err != nil {
			return Result{}, fmt.Errorf("%w: pre-restore copy: %v", ErrIO, err)
		}
		o.log.Info().Str("path", path).Msg("wrote pre-restore safety copy")
	}

	if err := o.store.Replace(raw); err != nil {
		if errors.Is(err, model.ErrInvalidDatabase) {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrCorruptEnvelope, h, err)
		}
		return Result{}, fmt.Errorf("%w: replace local store: %v", ErrIO, err)
	}
	return Result{Handle: h, SizeBytes: env.SizeBytes, TableCounts: env.TableCounts, At: env.CreatedAt}, nil
}

func (o *Orchestrator) recordFailure(err error) error {
	o.statusMu.Lock()
	o.lastErr = err.Error()
	o.statusMu.Unlock()
	return err
}

// Handle returns the remote handle learned so far.
func (o *Orchestrator) Handle() Handle {
	o.handleMu.RLock()
	defer o.handleMu.RUnlock()
	return o.handle
}

func (o *Orchestrator) setHandle(h Handle) {
	o.handleMu.Lock()
	o.handle = h
	o.handleMu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// State returns the current startup state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Enabled reports whether remote backups are active.
func (o *Orchestrator) Enabled() bool {
	return o.enabled.Load()
}

// Status reports the backup subsystem and local store state.
func (o *Orchestrator) Status() Status {
	local := o.oracle.Inspect()
	st := Status{
		State:         o.State().String(),
		BackupEnabled: o.enabled.Load(),
		RemoteHandle:  o.Handle(),
		LocalExists:   local.Exists,
		LocalEmpty:    local.Empty,
		TableCounts:   local.Counts,
	}
	o.statusMu.Lock()
	if !o.lastBackupAt.IsZero() {
		at := o.lastBackupAt
		st.LastBackupAt = &at
	}
	st.LastError = o.lastErr
	o.statusMu.Unlock()

	if sr, ok := o.store.(SchemaReporter); ok {
		if cur, pending, err := sr.SchemaVersion(); err == nil {
			st.SchemaVersion, st.PendingMigrations = cur, pending
		}
	}
	return st
}

// Stop ends the periodic loop. A backup already running is allowed to finish
// or time out.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
	})
}
