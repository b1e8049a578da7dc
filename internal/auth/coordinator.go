// Package auth selects which sign-in flow a device uses and exposes a
// single sign-in surface to the session manager.
package auth

import (
	"context"
	"net/url"

	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/auth/flow"
	"github.com/hearthview/hearthview/internal/config"
)

// SignInOptions lets callers override the platform default.
type SignInOptions struct {
	// UseDeviceFlow forces a device-class flow on or off; nil keeps the
	// platform default.
	UseDeviceFlow *bool
	// ForceAccountSelection forces the provider's account chooser.
	ForceAccountSelection bool
}

// Coordinator owns one instance of each constructed flow variant and
// picks between them. The platform class and the device-flow mode are
// resolved once at startup and never re-checked.
type Coordinator struct {
	platform       string
	deviceFlowMode string
	providers      map[string]flow.CredentialProvider
	web            *flow.RedirectFlow
}

// Deps are the coordinator's collaborators, injected explicitly. Any
// flow may be nil when its prerequisites are not configured; selecting
// a nil flow fails fast with a configuration error.
type Deps struct {
	Platform       string
	DeviceFlowMode string
	Device         *flow.DeviceFlow
	Hybrid         *flow.HybridFlow
	Web            *flow.RedirectFlow
}

// NewCoordinator wires the available flows.
func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		platform:       deps.Platform,
		deviceFlowMode: deps.DeviceFlowMode,
		providers:      make(map[string]flow.CredentialProvider),
		web:            deps.Web,
	}
	if deps.Device != nil {
		c.providers[deps.Device.Name()] = deps.Device
	}
	if deps.Hybrid != nil {
		c.providers[deps.Hybrid.Name()] = deps.Hybrid
	}
	if deps.Web != nil {
		c.providers[deps.Web.Name()] = deps.Web
	}
	return c
}

// SignIn runs the selected flow once.
func (c *Coordinator) SignIn(ctx context.Context, opts SignInOptions) (*flow.Result, error) {
	p, err := c.selectProvider(opts)
	if err != nil {
		return nil, err
	}
	return p.SignIn(ctx, flow.Options{ForceAccountSelection: opts.ForceAccountSelection})
}

// selectProvider applies the platform default, the configured device
// flow mode and any explicit override.
func (c *Coordinator) selectProvider(opts SignInOptions) (flow.CredentialProvider, error) {
	wantDevice := c.platform == config.PlatformTV
	if opts.UseDeviceFlow != nil {
		wantDevice = *opts.UseDeviceFlow
	}

	name := flow.MethodWeb
	if wantDevice {
		name = flow.MethodDevice
		if c.deviceFlowMode == config.DeviceFlowHybrid {
			name = flow.MethodHybrid
		}
	}

	p, ok := c.providers[name]
	if !ok {
		return nil, &autherr.ConfigurationError{Flow: name, Reason: "flow not constructed"}
	}
	if wantDevice && p.Capabilities().NeedsBrowser {
		return nil, &autherr.ConfigurationError{Flow: name, Reason: "selected flow requires a browser"}
	}
	return p, nil
}

// ConsumeCallback forwards a possible OAuth callback to the web flow.
// Returns (nil, nil) when no web flow exists or the query is not a
// callback, so normal startup proceeds.
func (c *Coordinator) ConsumeCallback(ctx context.Context, query url.Values) (*flow.Result, error) {
	if c.web == nil {
		return nil, nil
	}
	return c.web.ConsumeCallback(ctx, query)
}

// Cleanup releases every flow's timers.
func (c *Coordinator) Cleanup() {
	for _, p := range c.providers {
		p.Cleanup()
	}
}
