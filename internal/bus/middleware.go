package bus

import (
	"log/slog"
	"sync"
	"time"
)

// traceTTL bounds how long a stashed trace id waits for its outgoing
// half before it is eligible for cleanup. Turns essentially never take
// this long; the TTL only stops abandoned chats from growing the map.
const traceTTL = 10 * time.Minute

type stashedTrace struct {
	traceID string
	at      time.Time
}

// TraceMiddleware returns middleware that holds one trace id per user
// turn: when an INCOMING_MESSAGE for chat C fires, its trace id is
// stashed under C; the next OUTGOING_MESSAGE for C is rewritten to
// carry the stashed id and the stash entry is evicted. Signals without
// a chatId pass through untouched.
func TraceMiddleware() Middleware {
	var mu sync.Mutex
	traces := make(map[string]stashedTrace)
	lastCleanup := time.Now()

	return func(sig *Signal) bool {
		chatID := sig.Str("chatId")
		if chatID == "" {
			return true
		}

		mu.Lock()
		defer mu.Unlock()

		switch sig.Type {
		case TypeIncomingMessage:
			traces[chatID] = stashedTrace{traceID: sig.TraceID, at: time.Now()}
		case TypeOutgoingMessage:
			if st, ok := traces[chatID]; ok {
				sig.TraceID = st.traceID
				delete(traces, chatID)
			}
		}

		if time.Since(lastCleanup) > traceTTL {
			cutoff := time.Now().Add(-traceTTL)
			for c, st := range traces {
				if st.at.Before(cutoff) {
					delete(traces, c)
				}
			}
			lastCleanup = time.Now()
		}

		return true
	}
}

// LoggingMiddleware returns middleware that writes one structured log
// line per signal. Types in quiet are skipped; pass the chatty ones,
// such as TypeThinkingStart, to keep the log readable.
func LoggingMiddleware(logger *slog.Logger, quiet ...Type) Middleware {
	quietSet := make(map[Type]struct{}, len(quiet))
	for _, t := range quiet {
		quietSet[t] = struct{}{}
	}

	return func(sig *Signal) bool {
		if _, ok := quietSet[sig.Type]; ok {
			return true
		}
		logger.Info("signal",
			"type", sig.Type,
			"source", sig.Source,
			"trace_id", sig.TraceID)
		return true
	}
}

// DeadSignalMiddleware returns middleware that warns when a signal is
// about to be dispatched with zero subscribers for its type. The signal
// still proceeds; the warning exists to surface wiring mistakes.
func DeadSignalMiddleware(b *Bus, logger *slog.Logger) Middleware {
	return func(sig *Signal) bool {
		if b.SubscriberCount(sig.Type) == 0 {
			logger.Warn("signal has no subscribers",
				"type", sig.Type,
				"source", sig.Source)
		}
		return true
	}
}
