package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stationhq/beacon/pkg/content"
)

// State is the lifecycle state of a plugin instance.
type State string

const (
	StateDiscovered  State = "discovered"
	StateValidated   State = "validated"
	StateInitialized State = "initialized"
	StateStarted     State = "started"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
	StateCleanedUp   State = "cleaned_up"
	StateFailed      State = "failed"
)

// maxRecordedErrors bounds the per-instance error history.
const maxRecordedErrors = 10

// DefaultInvokeTimeout bounds every plugin invocation unless overridden.
const DefaultInvokeTimeout = 30 * time.Second

// Instance is one configured plugin. The manager owns it exclusively; the
// aggregator and scheduler only hold references.
type Instance struct {
	desc     *Descriptor
	impl     Plugin
	loadedAt time.Time

	mu       sync.Mutex
	state    State
	lastErr  error
	errorLog []string
}

// Name returns the plugin name.
func (i *Instance) Name() string { return i.desc.Name }

// Kind returns the plugin kind.
func (i *Instance) Kind() Kind { return i.desc.Kind }

// Descriptor returns the immutable descriptor.
func (i *Instance) Descriptor() *Descriptor { return i.desc }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastError returns the most recent fault recorded on this instance.
func (i *Instance) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// Errors returns the bounded error history, oldest first.
func (i *Instance) Errors() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.errorLog))
	copy(out, i.errorLog)
	return out
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) recordError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastErr = err
	i.errorLog = append(i.errorLog, err.Error())
	if len(i.errorLog) > maxRecordedErrors {
		i.errorLog = i.errorLog[len(i.errorLog)-maxRecordedErrors:]
	}
}

// beginInvoke transitions Started -> Running, serving as the mutual
// exclusion signal against overlapping invocations of the same instance.
func (i *Instance) beginInvoke() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case StateRunning:
		return ErrBusy
	case StateStarted:
		i.state = StateRunning
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotStarted, i.desc.Name, i.state)
	}
}

// endInvoke releases the instance after the plugin call actually returned.
// A fault (panic) parks the instance in Failed; anything else returns it to
// Started.
func (i *Instance) endInvoke(fault bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if fault {
		i.state = StateFailed
		return
	}
	if i.state == StateRunning {
		i.state = StateStarted
	}
}

// Manager owns the lifecycle of every loaded plugin instance and isolates
// their faults from each other and from the process.
type Manager struct {
	registry      *Registry
	invokeTimeout time.Duration
	log           *logrus.Logger
	faultHook     func(plugin string)

	mu        sync.RWMutex
	instances map[string]*Instance
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithInvokeTimeout overrides the per-invocation timeout.
func WithInvokeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.invokeTimeout = d }
}

// WithFaultHook registers a callback invoked whenever a plugin panic,
// timeout, or lifecycle hook failure is recorded. Feeds fault counters
// without coupling this package to a metrics registry.
func WithFaultHook(fn func(plugin string)) ManagerOption {
	return func(m *Manager) { m.faultHook = fn }
}

func (m *Manager) notifyFault(name string) {
	if m.faultHook != nil {
		m.faultHook(name)
	}
}

// NewManager creates a plugin manager backed by the given registry.
func NewManager(registry *Registry, log *logrus.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logrus.New()
	}
	m := &Manager{
		registry:      registry,
		invokeTimeout: DefaultInvokeTimeout,
		log:           log,
		instances:     make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load builds, validates, configures and initializes one plugin instance
// from a manifest. The instance is registered even when a lifecycle hook
// fails, so operators can see the Failed state and its recorded error; the
// failure never affects other instances.
func (m *Manager) Load(manifest *Manifest) (*Instance, error) {
	m.mu.RLock()
	_, exists := m.instances[manifest.Name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("plugin already loaded: %s", manifest.Name)
	}

	impl, err := m.registry.Build(manifest)
	if err != nil {
		return nil, NewConfigError(manifest.Name, "load", err)
	}

	inst := &Instance{
		desc:     &manifest.Descriptor,
		impl:     impl,
		loadedAt: time.Now(),
		state:    StateValidated,
	}

	m.mu.Lock()
	m.instances[manifest.Name] = inst
	m.mu.Unlock()

	if cv, ok := impl.(ConfigValidator); ok {
		if err := m.guard(inst, "validate_config", func() error { return cv.ValidateConfig(manifest.Config) }); err != nil {
			cfgErr := NewConfigError(manifest.Name, "validate_config", err)
			inst.recordError(cfgErr)
			inst.setState(StateFailed)
			return inst, cfgErr
		}
	}

	if err := m.guard(inst, "initialize", func() error { return impl.Initialize(manifest.Config) }); err != nil {
		initErr := NewError(ErrorFault, manifest.Name, "initialize", err)
		inst.recordError(initErr)
		inst.setState(StateFailed)
		m.notifyFault(manifest.Name)
		return inst, initErr
	}
	inst.setState(StateInitialized)

	m.log.WithField("plugin", manifest.Name).
		Infof("Loaded plugin %s v%s (%s)", manifest.Name, manifest.Version, manifest.Kind)
	return inst, nil
}

// Enable starts an initialized or stopped instance.
func (m *Manager) Enable(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	switch inst.State() {
	case StateStarted, StateRunning:
		return nil
	case StateInitialized, StateStopped:
	default:
		return fmt.Errorf("cannot enable plugin %s in state %s", name, inst.State())
	}

	if err := m.guard(inst, "start", inst.impl.Start); err != nil {
		startErr := NewError(ErrorFault, name, "start", err)
		inst.recordError(startErr)
		inst.setState(StateFailed)
		m.notifyFault(name)
		return startErr
	}
	inst.setState(StateStarted)
	m.log.Infof("Enabled plugin %s", name)
	return nil
}

// Disable stops a started instance. An instance with an invocation in
// flight reports ErrBusy; callers retry after it resolves.
func (m *Manager) Disable(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	switch inst.State() {
	case StateStopped, StateInitialized:
		return nil
	case StateRunning:
		return ErrBusy
	case StateStarted:
	default:
		return fmt.Errorf("cannot disable plugin %s in state %s", name, inst.State())
	}

	if err := m.guard(inst, "stop", inst.impl.Stop); err != nil {
		stopErr := NewError(ErrorFault, name, "stop", err)
		inst.recordError(stopErr)
		inst.setState(StateFailed)
		m.notifyFault(name)
		return stopErr
	}
	inst.setState(StateStopped)
	m.log.Infof("Disabled plugin %s", name)
	return nil
}

// Unload stops and cleans up an instance and removes it from the table.
func (m *Manager) Unload(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if inst.State() == StateStarted {
		if err := m.Disable(name); err != nil && err != ErrBusy {
			m.log.WithError(err).Warnf("Stop during unload of %s failed", name)
		}
	}

	if err := m.guard(inst, "cleanup", inst.impl.Cleanup); err != nil {
		inst.recordError(NewError(ErrorFault, name, "cleanup", err))
		m.notifyFault(name)
	}
	inst.setState(StateCleanedUp)

	m.mu.Lock()
	delete(m.instances, name)
	m.mu.Unlock()
	return nil
}

// Shutdown unloads every instance. Individual failures are logged, not
// propagated; shutdown always completes.
func (m *Manager) Shutdown() {
	for _, inst := range m.List() {
		if err := m.Unload(inst.Name()); err != nil {
			m.log.WithError(err).Warnf("Failed to unload plugin %s", inst.Name())
		}
	}
}

// Get returns the instance for a plugin name.
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// List returns all instances, sorted by name.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListByKind returns only instances of the given kind that are currently
// Started or Running.
func (m *Manager) ListByKind(kind Kind) []*Instance {
	var out []*Instance
	for _, inst := range m.List() {
		if inst.Kind() != kind {
			continue
		}
		switch inst.State() {
		case StateStarted, StateRunning:
			out = append(out, inst)
		}
	}
	return out
}

// Invoke wraps a plugin call with the manager's timeout and panic
// isolation. Plugin panics become structured ErrorFault errors recorded on
// the instance; a timed-out call returns immediately to the caller while
// the instance stays Running until the plugin code actually returns, which
// preserves the no-overlap invariant for well-behaved and misbehaving
// plugins alike.
func (m *Manager) Invoke(ctx context.Context, name, op string, call func(context.Context, Plugin) (any, error)) (any, error) {
	inst, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := inst.beginInvoke(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			fault := false
			if rec := recover(); rec != nil {
				out = outcome{nil, NewError(ErrorFault, name, op, fmt.Errorf("panic: %v", rec))}
				fault = true
				m.notifyFault(name)
			}
			if out.err != nil {
				inst.recordError(out.err)
			}
			inst.endInvoke(fault)
			done <- out
		}()
		out.val, out.err = call(ctx, inst.impl)
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		err := NewError(ErrorFault, name, op, ctx.Err())
		inst.recordError(err)
		m.notifyFault(name)
		m.log.WithField("plugin", name).Warnf("Invocation %s timed out", op)
		return nil, err
	}
}

// FetchContent invokes a source plugin's fetch through the isolation
// wrapper. Plain plugin errors are classified as transient fetch failures.
func (m *Manager) FetchContent(ctx context.Context, name string) ([]content.RawItem, error) {
	v, err := m.Invoke(ctx, name, "fetch_content", func(ctx context.Context, p Plugin) (any, error) {
		src, ok := p.(SourcePlugin)
		if !ok {
			return nil, NewConfigError(name, "fetch_content", fmt.Errorf("plugin is not a source"))
		}
		items, err := src.FetchContent(ctx)
		if err != nil {
			if _, classified := KindOf(err); classified {
				return nil, err
			}
			return nil, NewFetchError(name, err)
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	items, _ := v.([]content.RawItem)
	return items, nil
}

// Post validates content against the destination's rules and posts it, all
// within a single isolated invocation. A validation failure is terminal; a
// post failure is transient unless the plugin classified it otherwise.
func (m *Manager) Post(ctx context.Context, name string, c content.ShareableContent) (*PostResult, error) {
	v, err := m.Invoke(ctx, name, "post_content", func(ctx context.Context, p Plugin) (any, error) {
		dest, ok := p.(DestinationPlugin)
		if !ok {
			return nil, NewConfigError(name, "post_content", fmt.Errorf("plugin is not a destination"))
		}

		if validation := dest.ValidateContent(c); !validation.Valid {
			return nil, NewValidationError(name, "validate_content",
				fmt.Errorf("content rejected: %v", validation.Errors))
		}

		result, err := dest.PostContent(ctx, c)
		if err != nil {
			if _, classified := KindOf(err); classified {
				return nil, err
			}
			return nil, NewPostError(name, err)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	result, _ := v.(*PostResult)
	return result, nil
}

// guard runs a lifecycle hook with panic recovery.
func (m *Manager) guard(inst *Instance, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", op, rec)
			m.log.WithField("plugin", inst.Name()).Errorf("Recovered panic in %s: %v", op, rec)
		}
	}()
	return fn()
}
