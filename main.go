/*
vkframe renders the testbed scene with the frame orchestration engine,
either to a window through Vulkan or headless on the in-memory device.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/vkframe/engine"
	"github.com/spaghettifunk/vkframe/engine/config"
	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/platform"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/vulkan"
	"github.com/spaghettifunk/vkframe/testbed"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	backend := flag.String("backend", "", "renderer backend: vulkan or headless")
	ticks := flag.Uint64("ticks", 0, "stop after this many frames, 0 runs until closed")
	skybox := flag.String("skybox", "assets/skybox", "directory holding the six skybox faces")
	model := flag.String("model", "", "Wavefront OBJ model to display")
	material := flag.String("material", "", "material file applied to the model")
	flag.Parse()

	if err := run(*configPath, *backend, *ticks, testbed.Options{
		SkyboxDir: *skybox,
		Model:     *model,
		Material:  *material,
	}); err != nil {
		core.LogError("%s", err)
		os.Exit(1)
	}
}

func run(configPath, backend string, ticks uint64, opts testbed.Options) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if backend != "" {
		cfg.Renderer.Backend = backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := core.NewEventBus()
	engineOpts := engine.Options{
		Bus:      bus,
		Game:     testbed.NewTestGame(opts),
		MaxTicks: ticks,
	}

	if cfg.Renderer.Backend == config.BackendVulkan {
		plat := platform.New(bus)
		if err := plat.Startup(cfg.Window.Title, 100, 100, cfg.Window.Width, cfg.Window.Height); err != nil {
			return err
		}
		defer plat.Shutdown()
		engineOpts.Window = plat
		engineOpts.Device = func(cfg *config.Config, _ engine.Window) (gpu.Device, error) {
			d, err := vulkan.New(vulkan.Options{
				AppName:    cfg.Window.Title,
				Validation: cfg.Renderer.Validation,
				Surface:    plat,
				Anisotropy: 16,
			})
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}

	e, err := engine.New(cfg, engineOpts)
	if err != nil {
		return err
	}
	if err := e.Initialize(); err != nil {
		return err
	}
	runErr := e.Run(ctx)
	return errors.Join(runErr, e.Shutdown())
}
