package gpu

import (
	"context"
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// readTimeout bounds a single readback when the caller's context has no
// deadline.
const readTimeout = 10 * time.Second

// NewStorageBuffer creates an uninitialized storage buffer of n float32s.
func NewStorageBuffer(c *Context, label string, n int, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %w", label, err)
	}
	return buf, nil
}

// ReadBuffer copies the first size float32s of buffer back to the host. It
// polls the device until the map completes, ctx is done or readTimeout
// passes.
func ReadBuffer(ctx context.Context, c *Context, buffer *wgpu.Buffer, size int) ([]float32, error) {
	sizeBytes := uint64(size * 4)
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer staging.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, staging, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("MapAsync failed: %w", err)
	}

	timeout := time.After(readTimeout)
Loop:
	for {
		// Poll(false) does not block, so cancellation stays responsive
		c.Device.Poll(false, nil)

		select {
		case <-done:
			break Loop
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("ReadBuffer timed out after %s", readTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	result := make([]float32, size)
	copy(result, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return result, nil
}
