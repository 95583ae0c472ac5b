package session

// State is the lifecycle state of the stream session.
type State int

const (
	Idle State = iota
	Connecting
	RetryWait // connection failed, waiting for the retry deadline or a switch
	Streaming
	Switching    // user asked for another feed, tearing down the stream
	Reconnecting // frame read failed, tearing down to reconnect the same feed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case RetryWait:
		return "RETRY_WAIT"
	case Streaming:
		return "STREAMING"
	case Switching:
		return "SWITCHING"
	case Reconnecting:
		return "RECONNECTING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
