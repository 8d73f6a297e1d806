package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrUnavailable is returned when no WebGPU adapter or device can be opened.
var ErrUnavailable = errors.New("gpu: webgpu unavailable")

// Context holds the single WebGPU context for the process
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// AdapterName and Backend describe the selected adapter.
	AdapterName string
	Backend     string

	once sync.Once
	err  error
}

var shared Context

// GetContext returns the shared GPU context, initializing it on first use.
// A failed initialization is remembered and returned on every call.
func GetContext() (*Context, error) {
	shared.once.Do(func() { shared.err = shared.init() })
	if shared.err != nil {
		return nil, shared.err
	}
	if shared.Device == nil || shared.Queue == nil {
		return nil, fmt.Errorf("%w: device or queue not initialized", ErrUnavailable)
	}
	return &shared, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("%w: failed to create instance", ErrUnavailable)
	}

	// discrete NVIDIA adapters are often not the default on hybrid laptops
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		slog.Debug("webgpu adapter", "name", info.Name, "vendor", info.VendorName,
			"device_id", fmt.Sprintf("0x%X", info.DeviceId), "type", info.AdapterType.String())
		if strings.Contains(strings.ToLower(info.Name), "nvidia") || strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		if c.Adapter, err = c.Instance.RequestAdapter(opts); err != nil {
			slog.Debug("webgpu adapter request failed", "options", opts, "error", err)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("%w: all adapter requests failed: %v", ErrUnavailable, err)
	}

	info := c.Adapter.GetInfo()
	c.AdapterName = strings.TrimSpace(info.Name)
	c.Backend = info.BackendType.String()
	slog.Info("using webgpu adapter", "name", c.AdapterName, "vendor", info.VendorName, "backend", c.Backend)

	if c.Device, err = c.Adapter.RequestDevice(nil); err != nil {
		return fmt.Errorf("%w: request device: %v", ErrUnavailable, err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
