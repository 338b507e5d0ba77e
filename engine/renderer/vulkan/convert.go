package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

var formats = map[gpu.Format]vk.Format{
	gpu.FormatUndefined:          vk.FormatUndefined,
	gpu.FormatR8G8B8A8Unorm:      vk.FormatR8g8b8a8Unorm,
	gpu.FormatR8G8B8A8Srgb:       vk.FormatR8g8b8a8Srgb,
	gpu.FormatB8G8R8A8Srgb:       vk.FormatB8g8r8a8Srgb,
	gpu.FormatB8G8R8A8Unorm:      vk.FormatB8g8r8a8Unorm,
	gpu.FormatR16G16Sfloat:       vk.FormatR16g16Sfloat,
	gpu.FormatR16G16B16A16Sfloat: vk.FormatR16g16b16a16Sfloat,
	gpu.FormatR32G32B32A32Sfloat: vk.FormatR32g32b32a32Sfloat,
	gpu.FormatR32G32Sfloat:       vk.FormatR32g32Sfloat,
	gpu.FormatR32G32B32Sfloat:    vk.FormatR32g32b32Sfloat,
	gpu.FormatR32Sfloat:          vk.FormatR32Sfloat,
	gpu.FormatD32Sfloat:          vk.FormatD32Sfloat,
	gpu.FormatD32SfloatS8Uint:    vk.FormatD32SfloatS8Uint,
	gpu.FormatD24UnormS8Uint:     vk.FormatD24UnormS8Uint,
}

func toFormat(f gpu.Format) vk.Format {
	if v, ok := formats[f]; ok {
		return v
	}
	return vk.FormatUndefined
}

func fromFormat(f vk.Format) gpu.Format {
	for k, v := range formats {
		if v == f {
			return k
		}
	}
	return gpu.FormatUndefined
}

func toLayout(l gpu.ImageLayout) vk.ImageLayout {
	switch l {
	case gpu.LayoutGeneral:
		return vk.ImageLayoutGeneral
	case gpu.LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case gpu.LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case gpu.LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpu.LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case gpu.LayoutDepthStencilAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case gpu.LayoutPresentSrc:
		return vk.ImageLayoutPresentSrc
	}
	return vk.ImageLayoutUndefined
}

func toDescriptorType(t gpu.DescriptorType) vk.DescriptorType {
	switch t {
	case gpu.DescriptorStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case gpu.DescriptorCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	}
	return vk.DescriptorTypeUniformBuffer
}

// flags maps every set bit of in through table.
func flags[F ~uint32 | ~uint8](in F, table map[F]uint32) uint32 {
	var out uint32
	for bit, v := range table {
		if in&bit != 0 {
			out |= v
		}
	}
	return out
}

var shaderStages = map[gpu.ShaderStage]uint32{
	gpu.ShaderStageVertex:   uint32(vk.ShaderStageVertexBit),
	gpu.ShaderStageFragment: uint32(vk.ShaderStageFragmentBit),
	gpu.ShaderStageCompute:  uint32(vk.ShaderStageComputeBit),
}

func toShaderStages(s gpu.ShaderStage) vk.ShaderStageFlags {
	return vk.ShaderStageFlags(flags(s, shaderStages))
}

var bufferUsages = map[gpu.BufferUsage]uint32{
	gpu.BufferUsageTransferSrc: uint32(vk.BufferUsageTransferSrcBit),
	gpu.BufferUsageTransferDst: uint32(vk.BufferUsageTransferDstBit),
	gpu.BufferUsageUniform:     uint32(vk.BufferUsageUniformBufferBit),
	gpu.BufferUsageStorage:     uint32(vk.BufferUsageStorageBufferBit),
	gpu.BufferUsageIndex:       uint32(vk.BufferUsageIndexBufferBit),
	gpu.BufferUsageVertex:      uint32(vk.BufferUsageVertexBufferBit),
}

func toBufferUsage(u gpu.BufferUsage) vk.BufferUsageFlags {
	return vk.BufferUsageFlags(flags(u, bufferUsages))
}

var imageUsages = map[gpu.ImageUsage]uint32{
	gpu.ImageUsageTransferSrc:            uint32(vk.ImageUsageTransferSrcBit),
	gpu.ImageUsageTransferDst:            uint32(vk.ImageUsageTransferDstBit),
	gpu.ImageUsageSampled:                uint32(vk.ImageUsageSampledBit),
	gpu.ImageUsageStorage:                uint32(vk.ImageUsageStorageBit),
	gpu.ImageUsageColorAttachment:        uint32(vk.ImageUsageColorAttachmentBit),
	gpu.ImageUsageDepthStencilAttachment: uint32(vk.ImageUsageDepthStencilAttachmentBit),
}

func toImageUsage(u gpu.ImageUsage) vk.ImageUsageFlags {
	return vk.ImageUsageFlags(flags(u, imageUsages))
}

var memoryProperties = map[gpu.MemoryProperty]uint32{
	gpu.MemoryPropertyDeviceLocal:  uint32(vk.MemoryPropertyDeviceLocalBit),
	gpu.MemoryPropertyHostVisible:  uint32(vk.MemoryPropertyHostVisibleBit),
	gpu.MemoryPropertyHostCoherent: uint32(vk.MemoryPropertyHostCoherentBit),
	gpu.MemoryPropertyHostCached:   uint32(vk.MemoryPropertyHostCachedBit),
}

func fromMemoryProperty(f vk.MemoryPropertyFlags) gpu.MemoryProperty {
	var out gpu.MemoryProperty
	for k, v := range memoryProperties {
		if uint32(f)&v != 0 {
			out |= k
		}
	}
	return out
}

var pipelineStages = map[gpu.PipelineStage]uint32{
	gpu.StageTopOfPipe:             uint32(vk.PipelineStageTopOfPipeBit),
	gpu.StageVertexShader:          uint32(vk.PipelineStageVertexShaderBit),
	gpu.StageFragmentShader:        uint32(vk.PipelineStageFragmentShaderBit),
	gpu.StageEarlyFragmentTests:    uint32(vk.PipelineStageEarlyFragmentTestsBit),
	gpu.StageColorAttachmentOutput: uint32(vk.PipelineStageColorAttachmentOutputBit),
	gpu.StageComputeShader:         uint32(vk.PipelineStageComputeShaderBit),
	gpu.StageTransfer:              uint32(vk.PipelineStageTransferBit),
	gpu.StageBottomOfPipe:          uint32(vk.PipelineStageBottomOfPipeBit),
}

func toPipelineStage(s gpu.PipelineStage) vk.PipelineStageFlags {
	return vk.PipelineStageFlags(flags(s, pipelineStages))
}

var accesses = map[gpu.Access]uint32{
	gpu.AccessShaderRead:           uint32(vk.AccessShaderReadBit),
	gpu.AccessShaderWrite:          uint32(vk.AccessShaderWriteBit),
	gpu.AccessColorAttachmentWrite: uint32(vk.AccessColorAttachmentWriteBit),
	gpu.AccessDepthStencilWrite:    uint32(vk.AccessDepthStencilAttachmentWriteBit),
	gpu.AccessTransferRead:         uint32(vk.AccessTransferReadBit),
	gpu.AccessTransferWrite:        uint32(vk.AccessTransferWriteBit),
}

func toAccess(a gpu.Access) vk.AccessFlags {
	return vk.AccessFlags(flags(a, accesses))
}

var aspects = map[gpu.ImageAspect]uint32{
	gpu.AspectColor:   uint32(vk.ImageAspectColorBit),
	gpu.AspectDepth:   uint32(vk.ImageAspectDepthBit),
	gpu.AspectStencil: uint32(vk.ImageAspectStencilBit),
}

func toAspect(a gpu.ImageAspect) vk.ImageAspectFlags {
	return vk.ImageAspectFlags(flags(a, aspects))
}

var commandBufferUsages = map[gpu.CommandBufferUsage]uint32{
	gpu.UsageOneTimeSubmit:      uint32(vk.CommandBufferUsageOneTimeSubmitBit),
	gpu.UsageRenderPassContinue: uint32(vk.CommandBufferUsageRenderPassContinueBit),
	gpu.UsageSimultaneous:       uint32(vk.CommandBufferUsageSimultaneousUseBit),
}

func toCommandBufferUsage(u gpu.CommandBufferUsage) vk.CommandBufferUsageFlags {
	return vk.CommandBufferUsageFlags(flags(u, commandBufferUsages))
}

func toBindPoint(b gpu.PipelineBindPoint) vk.PipelineBindPoint {
	if b == gpu.BindPointCompute {
		return vk.PipelineBindPointCompute
	}
	return vk.PipelineBindPointGraphics
}

func toIndexType(t gpu.IndexType) vk.IndexType {
	if t == gpu.IndexTypeUint16 {
		return vk.IndexTypeUint16
	}
	return vk.IndexTypeUint32
}

func toCullMode(c gpu.CullMode) vk.CullModeFlags {
	switch c {
	case gpu.CullBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	case gpu.CullFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	}
	return vk.CullModeFlags(vk.CullModeNone)
}

func toFilter(f gpu.Filter) vk.Filter {
	if f == gpu.FilterNearest {
		return vk.FilterNearest
	}
	return vk.FilterLinear
}

func toAddressMode(a gpu.AddressMode) vk.SamplerAddressMode {
	switch a {
	case gpu.AddressClampToEdge:
		return vk.SamplerAddressModeClampToEdge
	case gpu.AddressMirroredRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	}
	return vk.SamplerAddressModeRepeat
}

func toSharing(s gpu.SharingMode, families []uint32) (vk.SharingMode, []uint32) {
	if s == gpu.SharingConcurrent && len(families) > 1 {
		return vk.SharingModeConcurrent, families
	}
	return vk.SharingModeExclusive, nil
}

func toExtent(e gpu.Extent2D) vk.Extent2D {
	return vk.Extent2D{Width: e.Width, Height: e.Height}
}
