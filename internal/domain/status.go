package domain

// ServiceStatus is the host service availability reported over signaling.
type ServiceStatus int

const (
	ServiceUp ServiceStatus = iota
	ServiceDown
)

func (s ServiceStatus) String() string {
	if s == ServiceDown {
		return "down"
	}
	return "up"
}

// ServiceStatusFromCode maps a reported code to a status. Any non-success
// code is Down; Down is the only failure signal.
func ServiceStatusFromCode(c ErrorCode) ServiceStatus {
	if c == CodeSuccess {
		return ServiceUp
	}
	return ServiceDown
}

// RenderResult is what a video sink reports for one frame.
type RenderResult int

const (
	RenderOK RenderResult = iota
	RenderDropped
	// RenderReset asks the engine to rebuild the video sink.
	RenderReset
)

func (r RenderResult) String() string {
	switch r {
	case RenderOK:
		return "ok"
	case RenderDropped:
		return "dropped"
	case RenderReset:
		return "reset"
	default:
		return "unknown"
	}
}

// JoinResult is the outcome of a join-room request.
type JoinResult interface {
	isJoinResult()
}

type JoinAccepted struct{}

type JoinRejected struct {
	Code ErrorCode
}

func (JoinAccepted) isJoinResult() {}
func (JoinRejected) isJoinResult() {}
