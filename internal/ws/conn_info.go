package ws

import (
	"time"

	"go.uber.org/zap"
)

// ConnInfo describes one UI socket for logs.
type ConnInfo struct {
	ConnID      string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) fields() []zap.Field {
	return []zap.Field{
		zap.String("conn_id", i.ConnID),
		zap.String("ip", i.IP),
		zap.String("request_id", i.RequestID),
		zap.String("trace_id", i.TraceID),
	}
}
