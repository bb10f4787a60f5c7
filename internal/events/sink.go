package events

import (
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// LogSink writes envelopes to log until ch closes. Events a host should act
// on are logged at warn level, the rest at debug.
func LogSink(ch <-chan Envelope, log *logger.Logger) {
	for env := range ch {
		switch env.Name {
		case ActionFailed, CriticalPositionsDetected, PositionExpired:
			log.Warnw("Engine event", "event", env.Name, "payload", env.Payload)
		default:
			log.Debugw("Engine event", "event", env.Name, "payload", env.Payload)
		}
	}
}
