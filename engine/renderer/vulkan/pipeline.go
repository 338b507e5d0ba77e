package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
)

// spirvWords reinterprets SPIR-V bytes as the little-endian words the
// driver expects.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("vulkan: spir-v size %d is not a multiple of 4: %w", len(code), core.ErrInitializationFailure)
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != 0x07230203 {
		return nil, fmt.Errorf("vulkan: bad spir-v magic %#x: %w", words[0], core.ErrInitializationFailure)
	}
	return words, nil
}

// shaderModuleInfo builds the create info for code. CodeSize is in bytes.
func shaderModuleInfo(code []byte) (vk.ShaderModuleCreateInfo, error) {
	words, err := spirvWords(code)
	if err != nil {
		return vk.ShaderModuleCreateInfo{}, err
	}
	return vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}, nil
}

func (d *Device) CreateShaderModule(info gpu.ShaderModuleCreateInfo) (gpu.ShaderModule, error) {
	createInfo, err := shaderModuleInfo(info.Code)
	if err != nil {
		return 0, fmt.Errorf("shader %q: %w", info.Name, err)
	}
	var m vk.ShaderModule
	if err := check("vkCreateShaderModule", vk.CreateShaderModule(d.logical, &createInfo, nil, &m)); err != nil {
		return 0, fmt.Errorf("shader %q: %w", info.Name, err)
	}
	return gpu.ShaderModule(d.shaders.add(m)), nil
}

func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	if h, ok := d.shaders.remove(uint64(m)); ok {
		vk.DestroyShaderModule(d.logical, h, nil)
	}
}

func (d *Device) CreatePipelineLayout(info gpu.PipelineLayoutCreateInfo) (gpu.PipelineLayout, error) {
	setLayouts := make([]vk.DescriptorSetLayout, len(info.SetLayouts))
	for i, l := range info.SetLayouts {
		setLayouts[i] = d.setLayouts.must(uint64(l))
	}
	createInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(setLayouts)),
		PSetLayouts:    setLayouts,
	}
	// 128 bytes is the only push constant size every device guarantees.
	if info.PushConstantSize > 0 {
		if info.PushConstantSize > 128 {
			return 0, fmt.Errorf("vulkan: push constant size %d exceeds 128: %w", info.PushConstantSize, core.ErrInitializationFailure)
		}
		createInfo.PushConstantRangeCount = 1
		createInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageAll),
			Offset:     0,
			Size:       info.PushConstantSize,
		}}
	}
	var l vk.PipelineLayout
	err := d.locks.SafeCall(PipelineManagement, func() error {
		return check("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.logical, &createInfo, nil, &l))
	})
	if err != nil {
		return 0, err
	}
	return gpu.PipelineLayout(d.layouts.add(l)), nil
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	if h, ok := d.layouts.remove(uint64(l)); ok {
		_ = d.locks.SafeCall(PipelineManagement, func() error {
			vk.DestroyPipelineLayout(d.logical, h, nil)
			return nil
		})
	}
}

func shaderStage(stage vk.ShaderStageFlagBits, module vk.ShaderModule, entry string) vk.PipelineShaderStageCreateInfo {
	if entry == "" {
		entry = "main"
	}
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stage,
		Module: module,
		PName:  safeString(entry),
	}
}

// CreateGraphicsPipeline builds a triangle-list pipeline with dynamic
// viewport and scissor against the given render pass.
func (d *Device) CreateGraphicsPipeline(info gpu.GraphicsPipelineCreateInfo) (gpu.Pipeline, error) {
	vs, ok := d.shaders.get(uint64(info.VertexShader))
	if !ok {
		return 0, fmt.Errorf("vulkan: unknown vertex shader %d: %w", info.VertexShader, core.ErrInvalidObjectState)
	}
	fs, ok := d.shaders.get(uint64(info.FragmentShader))
	if !ok {
		return 0, fmt.Errorf("vulkan: unknown fragment shader %d: %w", info.FragmentShader, core.ErrInvalidObjectState)
	}
	stages := []vk.PipelineShaderStageCreateInfo{
		shaderStage(vk.ShaderStageVertexBit, vs, ""),
		shaderStage(vk.ShaderStageFragmentBit, fs, ""),
	}

	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                toCullMode(info.Cull),
		FrontFace:               vk.FrontFaceCounterClockwise,
		DepthBiasEnable:         vk.False,
	}

	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:  vk.False,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if info.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		// Less-or-equal lets the skybox draw at the far plane.
		depthStencil.DepthCompareOp = vk.CompareOpLessOrEqual
	}
	if info.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	blend := vk.PipelineColorBlendAttachmentState{
		BlendEnable: vk.False,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
			vk.ColorComponentBBit | vk.ColorComponentABit),
	}
	if info.Blend {
		blend.BlendEnable = vk.True
		blend.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
		blend.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.ColorBlendOp = vk.BlendOpAdd
		blend.SrcAlphaBlendFactor = vk.BlendFactorSrcAlpha
		blend.DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.AlphaBlendOp = vk.BlendOpAdd
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{blend},
	}

	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	attributes := make([]vk.VertexInputAttributeDescription, len(info.Attributes))
	for i, a := range info.Attributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  0,
			Format:   toFormat(a.Format),
			Offset:   a.Offset,
		}
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}
	if info.VertexStride > 0 {
		vertexInput.VertexBindingDescriptionCount = 1
		vertexInput.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    info.VertexStride,
			InputRate: vk.VertexInputRateVertex,
		}}
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	createInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              d.layouts.must(uint64(info.Layout)),
		RenderPass:          d.passes.must(uint64(info.RenderPass)),
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pipelines := make([]vk.Pipeline, 1)
	err := d.locks.SafeCall(PipelineManagement, func() error {
		return check("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(
			d.logical, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{createInfo}, nil, pipelines))
	})
	if err != nil {
		return 0, err
	}
	return gpu.Pipeline(d.pipelines.add(pipelines[0])), nil
}

func (d *Device) CreateComputePipeline(info gpu.ComputePipelineCreateInfo) (gpu.Pipeline, error) {
	cs, ok := d.shaders.get(uint64(info.Shader))
	if !ok {
		return 0, fmt.Errorf("vulkan: unknown compute shader %d: %w", info.Shader, core.ErrInvalidObjectState)
	}
	createInfo := vk.ComputePipelineCreateInfo{
		SType:              vk.StructureTypeComputePipelineCreateInfo,
		Stage:              shaderStage(vk.ShaderStageComputeBit, cs, info.EntryPoint),
		Layout:             d.layouts.must(uint64(info.Layout)),
		BasePipelineHandle: vk.NullPipeline,
		BasePipelineIndex:  -1,
	}
	pipelines := make([]vk.Pipeline, 1)
	err := d.locks.SafeCall(PipelineManagement, func() error {
		return check("vkCreateComputePipelines", vk.CreateComputePipelines(
			d.logical, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{createInfo}, nil, pipelines))
	})
	if err != nil {
		return 0, err
	}
	return gpu.Pipeline(d.pipelines.add(pipelines[0])), nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	if h, ok := d.pipelines.remove(uint64(p)); ok {
		_ = d.locks.SafeCall(PipelineManagement, func() error {
			vk.DestroyPipeline(d.logical, h, nil)
			return nil
		})
	}
}
