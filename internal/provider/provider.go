// Package provider holds the registry of call providers and assembles their
// buttons into per-context button groups.
package provider

import (
	"context"
	"errors"

	"github.com/confkit/webconferencing/internal/portal"
)

// ErrDeclined is returned by a provider's CallButton or Init when the
// provider is simply not applicable to the given context. It is a normal
// opt-out signal, never logged as a failure.
var ErrDeclined = errors.New("provider: not applicable")

// CallProvider is the minimal capability set every call provider exposes.
type CallProvider interface {
	// Type is the provider's stable identifier (e.g. "webrtc").
	Type() string
	// Title is the human-readable provider name.
	Title() string
	// SupportedTypes lists the target kinds the provider handles
	// (e.g. "user", "chat_room").
	SupportedTypes() []string
	// CallButton produces a button bound to the given context, or fails with
	// ErrDeclined when the provider opts out of this context.
	CallButton(ctx context.Context, c *portal.CallContext) (*Button, error)
}

// Initializer is the optional one-time init hook. A provider whose Init
// fails stays registered but is excluded from button building until it is
// re-activated.
type Initializer interface {
	Init(ctx context.Context, c *portal.CallContext) error
}

// SettingsProvider is the optional settings-surface capability.
type SettingsProvider interface {
	ShowSettings(ctx context.Context) error
}

// Button is a renderable call button handle: what to show and what a click
// does. Rendering itself belongs to the UI layer.
type Button struct {
	Provider string
	Label    string
	OnClick  func(ctx context.Context) error
}

// ButtonGroup is the aggregation for one context: exactly one default button
// and the rest collapsed into a secondary menu.
type ButtonGroup struct {
	Default *Button
	Others  []*Button
}
