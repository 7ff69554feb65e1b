package redirect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

func TestPolicyDriver(t *testing.T) {
	driver := NewPolicyDriver([]DeviceType{DevicePrinter}, zaptest.NewLogger(t))
	r := NewDeviceRegistry(driver, DeviceRegistryConfig{}, Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { r.Close(context.Background()) })

	type res struct {
		d   Device
		err error
	}
	results := make(chan res, 2)
	done := func(d Device, err error) { results <- res{d, err} }

	_, err := r.Connect("s1", DeviceSpec{Type: DevicePrinter, Name: "office"}, done)
	require.NoError(t, err)
	_, err = r.Connect("s1", DeviceSpec{Type: DeviceCamera, Name: "webcam"}, done)
	require.NoError(t, err)

	outcomes := map[DeviceType]res{}
	for range 2 {
		select {
		case got := <-results:
			outcomes[got.d.Type] = got
		case <-time.After(5 * time.Second):
			t.Fatal("attach did not finish")
		}
	}
	assert.NoError(t, outcomes[DevicePrinter].err)
	assert.Equal(t, DeviceConnected, outcomes[DevicePrinter].d.State)
	assert.ErrorIs(t, outcomes[DeviceCamera].err, gwerrors.ErrUnauthorized)
	assert.Equal(t, DeviceFailed, outcomes[DeviceCamera].d.State)
}

func TestPolicyDriverAllowsAllByDefault(t *testing.T) {
	driver := NewPolicyDriver(nil, nil)
	assert.NoError(t, driver.Attach(context.Background(), Device{DeviceSpec: DeviceSpec{Type: DeviceScanner}}))
	assert.NoError(t, driver.Detach(context.Background(), Device{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, driver.Attach(ctx, Device{}), context.Canceled)
}
