package redirect

import (
	"context"

	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// PolicyDriver is a DeviceDriver for hosts that redirect devices on their
// own once told about them. It admits the device types in Allowed, or
// every type when Allowed is empty, and logs each attach and detach.
type PolicyDriver struct {
	allowed map[DeviceType]bool
	logger  *zap.Logger
}

// NewPolicyDriver returns a driver admitting the given types.
func NewPolicyDriver(allowed []DeviceType, logger *zap.Logger) *PolicyDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &PolicyDriver{logger: logger.With(zap.String("component", "device_driver"))}
	if len(allowed) > 0 {
		d.allowed = make(map[DeviceType]bool, len(allowed))
		for _, t := range allowed {
			d.allowed[t] = true
		}
	}
	return d
}

func (d *PolicyDriver) Attach(ctx context.Context, dev Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.allowed != nil && !d.allowed[dev.Type] {
		return gwerrors.Newf(gwerrors.Unauthorized, "redirect.attach", "device type %s is not allowed", dev.Type)
	}
	d.logger.Info("device attached",
		zap.String("session_id", dev.SessionID),
		zap.String("device_id", dev.ID),
		zap.String("type", string(dev.Type)),
		zap.String("name", dev.Name),
		zap.String("permission", string(dev.Permission)))
	return nil
}

func (d *PolicyDriver) Detach(_ context.Context, dev Device) error {
	d.logger.Info("device detached",
		zap.String("session_id", dev.SessionID),
		zap.String("device_id", dev.ID))
	return nil
}
