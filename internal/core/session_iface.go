package core

import "github.com/dkeye/Desk/internal/domain"

// StatusListener is told about session-level changes. Calls run on the
// event loop and must not block.
type StatusListener interface {
	OnConnected(kind domain.TransportKind)
	OnDisconnected()
	OnReconnecting()
	OnFatalError(code domain.ErrorCode)
}

// PlatformLoop is the host application's window/message loop.
type PlatformLoop interface {
	OnExitRequested(func())
	OnRenderTargetReset(func())
}

type ConfigStore interface {
	Load() (domain.SessionConfig, error)
}

// NopStatus ignores every notification.
type NopStatus struct{}

func (NopStatus) OnConnected(domain.TransportKind) {}
func (NopStatus) OnDisconnected()                  {}
func (NopStatus) OnReconnecting()                  {}
func (NopStatus) OnFatalError(domain.ErrorCode)    {}
