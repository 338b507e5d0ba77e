// Package gpu describes the slice of an explicit GPU API the renderer is
// written against. The vulkan package implements it on top of a real driver
// and the sim package implements it in memory.
package gpu

import (
	"errors"
	"fmt"
	"math"

	"github.com/spaghettifunk/vkframe/engine/core"
)

// Handles are opaque non-zero identifiers. Zero is the null handle.
type (
	Buffer              uint64
	DeviceMemory        uint64
	Image               uint64
	ImageView           uint64
	Sampler             uint64
	DescriptorSetLayout uint64
	DescriptorPool      uint64
	DescriptorSet       uint64
	CommandPool         uint64
	CommandBuffer       uint64
	Fence               uint64
	Semaphore           uint64
	ShaderModule        uint64
	PipelineLayout      uint64
	Pipeline            uint64
	RenderPass          uint64
	Framebuffer         uint64
	Queue               uint64
)

const (
	// WaitForever disables the timeout of a fence wait or image acquire.
	WaitForever uint64 = math.MaxUint64
	// WholeSize selects the remainder of a buffer or mapping.
	WholeSize uint64 = math.MaxUint64
)

var ErrTimeout = fmt.Errorf("wait timed out: %w", core.ErrDeviceFailure)

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthStencilAttachment
)

type MemoryProperty uint32

const (
	MemoryPropertyDeviceLocal MemoryProperty = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

func (m MemoryProperty) Has(required MemoryProperty) bool {
	return m&required == required
}

func (m MemoryProperty) String() string {
	if m == 0 {
		return "none"
	}
	names := []string{"device-local", "host-visible", "host-coherent", "host-cached"}
	s := ""
	for i, n := range names {
		if m&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

type SharingMode uint8

const (
	SharingExclusive SharingMode = iota
	SharingConcurrent
)

type DescriptorType uint8

const (
	DescriptorUniformBuffer DescriptorType = iota
	DescriptorStorageBuffer
	DescriptorCombinedImageSampler
	descriptorTypeCount
)

// DescriptorTypeCount is the number of descriptor types known to the package.
const DescriptorTypeCount = int(descriptorTypeCount)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorUniformBuffer:
		return "uniform-buffer"
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorCombinedImageSampler:
		return "combined-image-sampler"
	}
	return fmt.Sprintf("descriptor-type(%d)", uint8(t))
}

type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageFragment
	ShaderStageCompute

	ShaderStageAllGraphics = ShaderStageVertex | ShaderStageFragment
)

type Format uint32

const (
	FormatUndefined Format = iota
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
	FormatB8G8R8A8Srgb
	FormatB8G8R8A8Unorm
	FormatR16G16Sfloat
	FormatR16G16B16A16Sfloat
	FormatR32G32B32A32Sfloat
	FormatR32G32Sfloat
	FormatR32G32B32Sfloat
	FormatR32Sfloat
	FormatD32Sfloat
	FormatD32SfloatS8Uint
	FormatD24UnormS8Uint
)

// BytesPerTexel returns the size of one texel, or zero for undefined formats.
func (f Format) BytesPerTexel() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8Srgb, FormatB8G8R8A8Srgb, FormatB8G8R8A8Unorm,
		FormatR16G16Sfloat, FormatR32Sfloat, FormatD32Sfloat, FormatD24UnormS8Uint:
		return 4
	case FormatR16G16B16A16Sfloat, FormatR32G32Sfloat, FormatD32SfloatS8Uint:
		return 8
	case FormatR32G32B32Sfloat:
		return 12
	case FormatR32G32B32A32Sfloat:
		return 16
	}
	return 0
}

func (f Format) IsDepth() bool {
	return f == FormatD32Sfloat || f == FormatD32SfloatS8Uint || f == FormatD24UnormS8Uint
}

func (f Format) HasStencil() bool {
	return f == FormatD32SfloatS8Uint || f == FormatD24UnormS8Uint
}

type ImageTiling uint8

const (
	TilingOptimal ImageTiling = iota
	TilingLinear
)

type ImageLayout uint8

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutShaderReadOnly
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutPresentSrc
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "undefined"
	case LayoutGeneral:
		return "general"
	case LayoutTransferSrc:
		return "transfer-src"
	case LayoutTransferDst:
		return "transfer-dst"
	case LayoutShaderReadOnly:
		return "shader-read-only"
	case LayoutColorAttachment:
		return "color-attachment"
	case LayoutDepthStencilAttachment:
		return "depth-stencil-attachment"
	case LayoutPresentSrc:
		return "present-src"
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

type ImageAspect uint8

const (
	AspectColor ImageAspect = 1 << iota
	AspectDepth
	AspectStencil
)

type ImageViewType uint8

const (
	ViewType2D ImageViewType = iota
	ViewTypeCube
)

type Filter uint8

const (
	FilterLinear Filter = iota
	FilterNearest
)

type AddressMode uint8

const (
	AddressRepeat AddressMode = iota
	AddressClampToEdge
	AddressMirroredRepeat
)

type PipelineBindPoint uint8

const (
	BindPointGraphics PipelineBindPoint = iota
	BindPointCompute
)

type IndexType uint8

const (
	IndexTypeUint16 IndexType = iota
	IndexTypeUint32
)

func (t IndexType) Size() uint64 {
	if t == IndexTypeUint16 {
		return 2
	}
	return 4
}

type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
)

type Access uint32

const AccessNone Access = 0

const (
	AccessShaderRead Access = 1 << iota
	AccessShaderWrite
	AccessColorAttachmentWrite
	AccessDepthStencilWrite
	AccessTransferRead
	AccessTransferWrite
)

type CommandBufferUsage uint8

const (
	UsageOneTimeSubmit CommandBufferUsage = 1 << iota
	UsageRenderPassContinue
	UsageSimultaneous
)

type CullMode uint8

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

type Extent3D struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

type MemoryType struct {
	Flags     MemoryProperty
	HeapIndex uint32
}

type MemoryProperties struct {
	Types     []MemoryType
	HeapSizes []uint64
}

type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	// TypeBits has bit i set when memory type i may back the resource.
	TypeBits uint32
}

// QueueFamilyIndices resolves each queue capability to a family index, or -1.
type QueueFamilyIndices struct {
	Graphics int32
	Present  int32
	Compute  int32
}

func (q QueueFamilyIndices) Complete() bool {
	return q.Graphics >= 0 && q.Present >= 0 && q.Compute >= 0
}

// Distinct returns the distinct families of graphics and compute, in that order.
func (q QueueFamilyIndices) Distinct() []uint32 {
	out := []uint32{uint32(q.Graphics)}
	if q.Compute != q.Graphics {
		out = append(out, uint32(q.Compute))
	}
	return out
}

type BufferCreateInfo struct {
	Size          uint64
	Usage         BufferUsage
	Sharing       SharingMode
	QueueFamilies []uint32
}

type ImageCreateInfo struct {
	Extent         Extent2D
	Format         Format
	Tiling         ImageTiling
	Usage          ImageUsage
	MipLevels      uint32
	ArrayLayers    uint32
	CubeCompatible bool
	Sharing        SharingMode
	QueueFamilies  []uint32
}

type ImageViewCreateInfo struct {
	Image      Image
	Type       ImageViewType
	Format     Format
	Aspect     ImageAspect
	BaseLayer  uint32
	LayerCount uint32
}

type SamplerCreateInfo struct {
	MagFilter     Filter
	MinFilter     Filter
	AddressMode   AddressMode
	MaxAnisotropy float32
}

type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  ShaderStage
}

type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

type DescriptorPoolCreateInfo struct {
	MaxSets uint32
	Sizes   []DescriptorPoolSize
}

type DescriptorBufferInfo struct {
	Buffer Buffer
	Offset uint64
	Range  uint64
}

type DescriptorImageInfo struct {
	Sampler Sampler
	View    ImageView
	Layout  ImageLayout
}

type WriteDescriptorSet struct {
	Set     DescriptorSet
	Binding uint32
	Type    DescriptorType
	Buffers []DescriptorBufferInfo
	Images  []DescriptorImageInfo
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	BufferOffset uint64
	Aspect       ImageAspect
	BaseLayer    uint32
	LayerCount   uint32
	Extent       Extent3D
}

type ImageBarrier struct {
	Image      Image
	OldLayout  ImageLayout
	NewLayout  ImageLayout
	SrcAccess  Access
	DstAccess  Access
	Aspect     ImageAspect
	BaseLayer  uint32
	LayerCount uint32
}

type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

type Rect2D struct {
	X, Y   int32
	Extent Extent2D
}

// ClearValue clears either a color or a depth/stencil attachment.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
	IsDepth bool
}

func ClearColor(r, g, b, a float32) ClearValue {
	return ClearValue{Color: [4]float32{r, g, b, a}}
}

func ClearDepthStencil(depth float32, stencil uint32) ClearValue {
	return ClearValue{Depth: depth, Stencil: stencil, IsDepth: true}
}

type RenderPassBeginInfo struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Area        Rect2D
	ClearValues []ClearValue
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStage
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type ShaderModuleCreateInfo struct {
	Name string
	// Code is SPIR-V for hardware devices. The sim device reads it as the
	// name of a registered kernel, or runs its SPIR-V kernel option.
	Code []byte
}

type PipelineLayoutCreateInfo struct {
	SetLayouts       []DescriptorSetLayout
	PushConstantSize uint32
}

type VertexAttribute struct {
	Location uint32
	Format   Format
	Offset   uint32
}

type GraphicsPipelineCreateInfo struct {
	Layout         PipelineLayout
	RenderPass     RenderPass
	VertexShader   ShaderModule
	FragmentShader ShaderModule
	VertexStride   uint32
	Attributes     []VertexAttribute
	DepthTest      bool
	DepthWrite     bool
	Cull           CullMode
	Blend          bool
}

type ComputePipelineCreateInfo struct {
	Layout     PipelineLayout
	Shader     ShaderModule
	EntryPoint string
}

type SwapchainCreateInfo struct {
	Extent        Extent2D
	MinImageCount uint32
	ClearColor    [4]float32
	ClearDepth    float32
}

// ResultError carries the name of a failed driver call. It wraps one of the
// core error kinds.
type ResultError struct {
	Op     string
	Result string
	Kind   error
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Result)
}

func (e *ResultError) Unwrap() error {
	return e.Kind
}

// IsOutOfDate reports whether err asks for the surface to be rebuilt.
func IsOutOfDate(err error) bool {
	return errors.Is(err, core.ErrSurfaceOutOfDate)
}
