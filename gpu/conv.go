package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/nssm/nn"
)

const (
	workgroupSize = 256
	// maxWorkgroupsPerDim is the WebGPU default limit; larger dispatches
	// spill into the y dimension.
	maxWorkgroupsPerDim = 65535
)

// ConvSpec fixes everything a compiled convolution kernel depends on. It is
// comparable and keys the accelerator's kernel cache.
type ConvSpec struct {
	nn.ConvGeometry
	Transposed bool
}

func (s ConvSpec) label() string {
	op := "conv2d"
	if s.Transposed {
		op = "conv_transpose2d"
	}
	return fmt.Sprintf("%s_b%d_%dx%dx%d_to_%dx%dx%d_k%d", op,
		s.Batch, s.InChannels, s.InH, s.InW, s.OutChannels, s.OutH, s.OutW, s.Kernel)
}

// ConvLayer holds the pipeline and buffers of one convolution geometry.
type ConvLayer struct {
	Spec ConvSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
}

// NewConvLayer compiles the kernel for spec and allocates its buffers.
func NewConvLayer(c *Context, spec ConvSpec) (*ConvLayer, error) {
	l := &ConvLayer{Spec: spec}
	label := spec.label()
	if err := l.Compile(c, label); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("compile %s: %w", label, err)
	}
	if err := l.AllocateBuffers(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.CreateBindGroup(c, label); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("bind group %s: %w", label, err)
	}
	return l, nil
}

func (l *ConvLayer) AllocateBuffers(c *Context, labelPrefix string) error {
	g := l.Spec.ConvGeometry
	var err error
	if l.InputBuffer, err = NewStorageBuffer(c, labelPrefix+"_In", g.InputSize(), wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if l.WeightBuffer, err = NewStorageBuffer(c, labelPrefix+"_W", g.WeightSize(), wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if l.BiasBuffer, err = NewStorageBuffer(c, labelPrefix+"_B", g.OutChannels, wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	l.OutputBuffer, err = NewStorageBuffer(c, labelPrefix+"_Out", g.OutputSize(), wgpu.BufferUsageCopySrc)
	return err
}

// GenerateShader emits one invocation per output element. Transposed
// kernels gather from the input positions that scatter into the element,
// so no atomics are needed.
func (l *ConvLayer) GenerateShader() string {
	g := l.Spec.ConvGeometry
	body := `
        let ih = i32(oh * STRIDE + kh) - PADDING;
        let iw = i32(ow * STRIDE + kw) - PADDING;
        if (ih < 0 || ih >= i32(IN_H) || iw < 0 || iw >= i32(IN_W)) { continue; }
        let w_idx = ((oc * IN_C + ic) * K + kh) * K + kw;
        sum = sum + input[((b * IN_C + ic) * IN_H + u32(ih)) * IN_W + u32(iw)] * weight[w_idx];`
	if l.Spec.Transposed {
		body = `
        let th = i32(oh) + PADDING - i32(kh);
        let tw = i32(ow) + PADDING - i32(kw);
        if (th < 0 || tw < 0) { continue; }
        if (u32(th) % STRIDE != 0u || u32(tw) % STRIDE != 0u) { continue; }
        let ih = u32(th) / STRIDE;
        let iw = u32(tw) / STRIDE;
        if (ih >= IN_H || iw >= IN_W) { continue; }
        let w_idx = ((ic * OUT_C + oc) * K + kh) * K + kw;
        sum = sum + input[((b * IN_C + ic) * IN_H + ih) * IN_W + iw] * weight[w_idx];`
	}

	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> input : array<f32>;
@group(0) @binding(1) var<storage, read> weight : array<f32>;
@group(0) @binding(2) var<storage, read> bias : array<f32>;
@group(0) @binding(3) var<storage, read_write> output : array<f32>;

const TOTAL : u32 = %du;
const IN_C : u32 = %du;
const OUT_C : u32 = %du;
const IN_H : u32 = %du;
const IN_W : u32 = %du;
const OUT_H : u32 = %du;
const OUT_W : u32 = %du;
const K : u32 = %du;
const STRIDE : u32 = %du;
const PADDING : i32 = %d;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid : vec3<u32>, @builtin(num_workgroups) groups : vec3<u32>) {
    let idx = gid.y * groups.x * %du + gid.x;
    if (idx >= TOTAL) { return; }

    let ow = idx %% OUT_W;
    let oh = (idx / OUT_W) %% OUT_H;
    let oc = (idx / (OUT_W * OUT_H)) %% OUT_C;
    let b = idx / (OUT_W * OUT_H * OUT_C);

    var sum = bias[oc];
    for (var ic : u32 = 0u; ic < IN_C; ic = ic + 1u) {
    for (var kh : u32 = 0u; kh < K; kh = kh + 1u) {
    for (var kw : u32 = 0u; kw < K; kw = kw + 1u) {%s
    }
    }
    }
    output[idx] = sum;
}
`, g.OutputSize(), g.InChannels, g.OutChannels, g.InH, g.InW, g.OutH, g.OutW, g.Kernel, g.Stride, g.Padding,
		workgroupSize, workgroupSize, body)
}

func (l *ConvLayer) Compile(c *Context, labelPrefix string) error {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

func (l *ConvLayer) CreateBindGroup(c *Context, labelPrefix string) error {
	var err error
	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

// Upload writes the input, weights and bias for the next dispatch. A nil
// bias is uploaded as zeros.
func (l *ConvLayer) Upload(c *Context, in, weight, bias []float32) {
	if bias == nil {
		bias = make([]float32, l.Spec.OutChannels)
	}
	c.Queue.WriteBuffer(l.InputBuffer, 0, wgpu.ToBytes(in))
	c.Queue.WriteBuffer(l.WeightBuffer, 0, wgpu.ToBytes(weight))
	c.Queue.WriteBuffer(l.BiasBuffer, 0, wgpu.ToBytes(bias))
}

func (l *ConvLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	x, y := workgroups(l.Spec.OutputSize())
	pass.DispatchWorkgroups(x, y, 1)
}

// workgroups splits n invocations into an x by y grid of workgroups.
func workgroups(n int) (uint32, uint32) {
	groups := (n + workgroupSize - 1) / workgroupSize
	x := min(groups, maxWorkgroupsPerDim)
	y := (groups + x - 1) / x
	return uint32(x), uint32(y)
}

func (l *ConvLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.WeightBuffer, l.BiasBuffer, l.OutputBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
}
