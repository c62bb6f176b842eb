package pipe

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the opaque per-instance state a vendor plugin returns from Init.
type Handle any

// PluginConfig is passed to Plugin.Init.
type PluginConfig struct {
	Name   string
	Ports  PortConfig
	Params map[string]string
}

// Plugin is the vendor enhancement contract. Implementations must not retain
// job buffers after Run returns.
type Plugin interface {
	Init(ctx context.Context, cfg PluginConfig) (Handle, error)
	Run(ctx context.Context, h Handle, job *Job) error
	Deinit(h Handle) error
}

// PluginFuncs adapts a set of functions to Plugin. Nil functions are no-ops.
type PluginFuncs struct {
	InitFunc   func(ctx context.Context, cfg PluginConfig) (Handle, error)
	RunFunc    func(ctx context.Context, h Handle, job *Job) error
	DeinitFunc func(h Handle) error
}

func (p PluginFuncs) Init(ctx context.Context, cfg PluginConfig) (Handle, error) {
	if p.InitFunc == nil {
		return struct{}{}, nil
	}
	return p.InitFunc(ctx, cfg)
}

func (p PluginFuncs) Run(ctx context.Context, h Handle, job *Job) error {
	if p.RunFunc == nil {
		return nil
	}
	return p.RunFunc(ctx, h, job)
}

func (p PluginFuncs) Deinit(h Handle) error {
	if p.DeinitFunc == nil {
		return nil
	}
	return p.DeinitFunc(h)
}

// PluginTransform drives a Plugin: Init on pipe start, Run per frame, Deinit
// on pipe stop.
type PluginTransform struct {
	BaseTransform

	plugin Plugin
	cfg    PluginConfig

	mu     sync.Mutex
	handle Handle
}

// NewPlugin wraps p. params are passed through to Init.
func NewPlugin(name string, p Plugin, params map[string]string) *PluginTransform {
	return &PluginTransform{plugin: p, cfg: PluginConfig{Name: name, Params: params}}
}

func (t *PluginTransform) Configure(ports PortConfig) error {
	t.mu.Lock()
	t.cfg.Ports = ports
	t.mu.Unlock()
	return nil
}

func (t *PluginTransform) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		return nil
	}
	h, err := t.plugin.Init(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("plugin %s init: %w", t.cfg.Name, err)
	}
	if h == nil {
		return fmt.Errorf("plugin %s init returned no handle", t.cfg.Name)
	}
	t.handle = h
	return nil
}

func (t *PluginTransform) Run(ctx context.Context, job *Job) error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return fmt.Errorf("plugin %s: %w", t.cfg.Name, ErrNotInitialized)
	}
	return t.plugin.Run(ctx, h, job)
}

func (t *PluginTransform) Deinit() error {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := t.plugin.Deinit(h); err != nil {
		return fmt.Errorf("plugin %s deinit: %w", t.cfg.Name, err)
	}
	return nil
}
