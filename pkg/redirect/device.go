package redirect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/metrics"
	"github.com/deskgate/deskgate/pkg/session"
)

// DeviceType is the kind of redirected peripheral.
type DeviceType string

const (
	DeviceUSB        DeviceType = "usb"
	DevicePrinter    DeviceType = "printer"
	DeviceCamera     DeviceType = "camera"
	DeviceMicrophone DeviceType = "microphone"
	DeviceSpeaker    DeviceType = "speaker"
	DeviceSmartcard  DeviceType = "smartcard"
	DeviceScanner    DeviceType = "scanner"
	DeviceStorage    DeviceType = "storage"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceUSB, DevicePrinter, DeviceCamera, DeviceMicrophone,
		DeviceSpeaker, DeviceSmartcard, DeviceScanner, DeviceStorage:
		return true
	}
	return false
}

// Permission is the access granted to the remote host.
type Permission string

const (
	PermRead      Permission = "read"
	PermWrite     Permission = "write"
	PermReadWrite Permission = "readwrite"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermRead || p == PermWrite || p == PermReadWrite
}

// DeviceState is where a device is in its attach lifecycle.
type DeviceState string

const (
	DeviceAttaching    DeviceState = "attaching"
	DeviceConnected    DeviceState = "connected"
	DeviceFailed       DeviceState = "failed"
	DeviceDisconnected DeviceState = "disconnected"
)

// DeviceSpec describes a device a client wants to redirect.
type DeviceSpec struct {
	Type       DeviceType `json:"type"`
	Name       string     `json:"name"`
	VendorID   string     `json:"vendor_id,omitempty"`
	ProductID  string     `json:"product_id,omitempty"`
	Serial     string     `json:"serial,omitempty"`
	Permission Permission `json:"permission,omitempty"`
}

// Validate checks the spec and fills the default permission.
func (s *DeviceSpec) Validate() error {
	const op = "redirect.device"
	if !s.Type.Valid() {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "unknown device type %q", s.Type)
	}
	if s.Name == "" {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "device name is required")
	}
	if s.Permission == "" {
		s.Permission = PermReadWrite
	}
	if !s.Permission.Valid() {
		return gwerrors.Newf(gwerrors.InvalidConfig, op, "unknown permission %q", s.Permission)
	}
	return nil
}

// Device is a redirected device as seen by callers.
type Device struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	DeviceSpec
	Connected    bool        `json:"connected"`
	State        DeviceState `json:"state"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
}

type device struct {
	Device
}

func (d *device) sessionID() string   { return d.SessionID }
func (d *device) activity() time.Time { return d.LastActivity }

// DeviceDriver performs the actual attach and detach. Attach may block
// until the device is usable; it runs on its own goroutine.
type DeviceDriver interface {
	Attach(ctx context.Context, d Device) error
	Detach(ctx context.Context, d Device) error
}

// DeviceOutcome receives the result of an attach.
type DeviceOutcome func(d Device, err error)

// DeviceRegistryConfig configures a DeviceRegistry.
type DeviceRegistryConfig struct {
	// AttachTimeout bounds a driver Attach.
	// Default: 10 seconds.
	AttachTimeout time.Duration

	// IdleTimeout is how long a device may go without activity before
	// Cleanup removes it.
	// Default: 30 minutes.
	IdleTimeout time.Duration

	// MaxPerSession caps devices per session. Zero means unlimited.
	MaxPerSession int
}

// Options carries the collaborators shared by both registries.
type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Audit     audit.Sink
	Publisher session.Publisher
}

func (o *Options) applyDefaults(component string) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Logger = o.Logger.With(zap.String("component", component))
	if o.Audit == nil {
		o.Audit = audit.Discard
	}
}

func (o *Options) publish(t session.EventType, sessionID string, payload any, err error) {
	if o.Publisher == nil {
		return
	}
	o.Publisher.Publish(session.Event{Type: t, SessionID: sessionID, At: time.Now(), Payload: payload, Err: err})
}

// DeviceRegistry tracks devices per session.
type DeviceRegistry struct {
	cfg    DeviceRegistryConfig
	opts   Options
	driver DeviceDriver
	store  *scoped[*device]

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewDeviceRegistry creates a registry attaching devices through driver.
func NewDeviceRegistry(driver DeviceDriver, cfg DeviceRegistryConfig, opts Options) *DeviceRegistry {
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	opts.applyDefaults("device_registry")
	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceRegistry{
		cfg:    cfg,
		opts:   opts,
		driver: driver,
		store:  newScoped[*device](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect registers a device and starts attaching it. The returned device
// is in DeviceAttaching; the outcome is delivered to done (which may be
// nil) and published as deviceStatus.
func (r *DeviceRegistry) Connect(sessionID string, spec DeviceSpec, done DeviceOutcome) (Device, error) {
	if sessionID == "" {
		return Device{}, gwerrors.Newf(gwerrors.InvalidConfig, "redirect.device", "session id is required")
	}
	if err := spec.Validate(); err != nil {
		return Device{}, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Device{}, gwerrors.E(gwerrors.ShuttingDown, "redirect.device", sessionID, nil)
	}
	r.pending.Add(1)
	r.mu.Unlock()

	now := time.Now()
	d := &device{Device{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		DeviceSpec:   spec,
		State:        DeviceAttaching,
		CreatedAt:    now,
		LastActivity: now,
	}}
	if err := r.store.add(d.ID, d, r.cfg.MaxPerSession); err != nil {
		r.pending.Done()
		return Device{}, gwerrors.Newf(gwerrors.LimitExceeded, "redirect.device", "session %s already has %d devices", sessionID, r.cfg.MaxPerSession)
	}
	snapshot := d.Device

	go r.attach(snapshot, done)
	return snapshot, nil
}

func (r *DeviceRegistry) attach(d Device, done DeviceOutcome) {
	defer r.pending.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AttachTimeout)
	err := r.driver.Attach(ctx, d)
	cancel()

	var result Device
	found := r.store.update(d.ID, func(cur *device) {
		if cur.State != DeviceAttaching {
			return
		}
		cur.LastActivity = time.Now()
		if err != nil {
			cur.State = DeviceFailed
			cur.Error = err.Error()
		} else {
			cur.State = DeviceConnected
			cur.Connected = true
		}
		result = cur.Device
	})
	if !found || result.ID == "" {
		// Disconnected while attaching; undo a successful attach.
		if err == nil {
			r.detach(d)
		}
		return
	}

	r.opts.Metrics.DeviceConnect(err == nil)
	ev := audit.Event{SessionID: d.SessionID, Detail: fmt.Sprintf("%s %q", d.Type, d.Name), At: time.Now()}
	if err != nil {
		ev.Type = audit.DeviceFailed
		ev.Detail += ": " + err.Error()
		r.opts.Logger.Warn("device attach failed",
			zap.String("session_id", d.SessionID),
			zap.String("device_id", d.ID),
			zap.String("type", string(d.Type)),
			zap.Error(err))
	} else {
		ev.Type = audit.DeviceConnected
		r.opts.Logger.Info("device attached",
			zap.String("session_id", d.SessionID),
			zap.String("device_id", d.ID),
			zap.String("type", string(d.Type)))
	}
	r.opts.Audit.Record(ev)
	r.opts.publish(session.EventDeviceStatus, d.SessionID, result, err)
	if done != nil {
		done(result, err)
	}
}

func (r *DeviceRegistry) detach(d Device) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AttachTimeout)
	defer cancel()
	if err := r.driver.Detach(ctx, d); err != nil {
		r.opts.Logger.Warn("device detach failed", zap.String("device_id", d.ID), zap.Error(err))
	}
}

// Disconnect detaches and removes a device.
func (r *DeviceRegistry) Disconnect(sessionID, deviceID string) error {
	d, ok := r.store.remove(sessionID, deviceID)
	if !ok {
		return gwerrors.E(gwerrors.NotFound, "redirect.device", deviceID, nil)
	}
	r.end(d)
	return nil
}

// end finishes a removed device.
func (r *DeviceRegistry) end(d *device) {
	var snapshot Device
	r.store.mu.Lock()
	wasConnected := d.Connected
	d.Connected = false
	d.State = DeviceDisconnected
	d.LastActivity = time.Now()
	snapshot = d.Device
	r.store.mu.Unlock()

	if wasConnected {
		r.detach(snapshot)
	}
	r.opts.Audit.Record(audit.Event{
		Type:      audit.DeviceDisconnected,
		SessionID: snapshot.SessionID,
		Detail:    fmt.Sprintf("%s %q", snapshot.Type, snapshot.Name),
		At:        time.Now(),
	})
	r.opts.publish(session.EventDeviceStatus, snapshot.SessionID, snapshot, nil)
}

// Touch records activity on a device.
func (r *DeviceRegistry) Touch(sessionID, deviceID string) error {
	if _, ok := r.store.get(sessionID, deviceID); !ok {
		return gwerrors.E(gwerrors.NotFound, "redirect.device", deviceID, nil)
	}
	r.store.update(deviceID, func(d *device) { d.LastActivity = time.Now() })
	return nil
}

// Get returns a device of the session.
func (r *DeviceRegistry) Get(sessionID, deviceID string) (Device, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	d, ok := r.store.items[deviceID]
	if !ok || d.SessionID != sessionID {
		return Device{}, false
	}
	return d.Device, true
}

// List returns the session's devices.
func (r *DeviceRegistry) List(sessionID string) []Device {
	return list(r.store, sessionID, func(d *device) Device { return d.Device })
}

// RemoveSession disconnects every device of a session.
func (r *DeviceRegistry) RemoveSession(sessionID string) int {
	removed := r.store.removeSession(sessionID)
	for _, d := range removed {
		r.end(d)
	}
	return len(removed)
}

// Follow removes a session's devices when the session ends.
func (r *DeviceRegistry) Follow(bus *session.Bus) (unsubscribe func()) {
	return bus.Subscribe(func(ev session.Event) {
		r.RemoveSession(ev.SessionID)
	}, session.EventSessionDisconnected, session.EventSessionError)
}

// Cleanup removes devices idle since before now-IdleTimeout.
func (r *DeviceRegistry) Cleanup(now time.Time) int {
	removed := r.store.removeIdle(now.Add(-r.cfg.IdleTimeout))
	for _, d := range removed {
		r.opts.Logger.Info("removing idle device", zap.String("session_id", d.SessionID), zap.String("device_id", d.ID))
		r.end(d)
	}
	return len(removed)
}

// Close aborts pending attaches and waits for them to return.
func (r *DeviceRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	waited := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
