package tcpserver

import (
	"time"

	"github.com/cyberinferno/character-server/logger"
)

// Stats is a point-in-time snapshot of the session manager.
type Stats struct {
	ActiveConnections int64
	TotalSessions     uint64
	Rejected          uint64
	QueuedTasks       int
	RunningTasks      int
	TaskPanics        uint64
}

// Stats returns the current counters.
func (s *TCPServer) Stats() Stats {
	return Stats{
		ActiveConnections: s.active.Load(),
		TotalSessions:     s.ids.Last(),
		Rejected:          s.rejected.Load(),
		QueuedTasks:       s.pool.Queued(),
		RunningTasks:      s.pool.Running(),
		TaskPanics:        s.pool.Panics(),
	}
}

func (s *TCPServer) statsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			st := s.Stats()
			s.metrics.SetQueueDepth(st.QueuedTasks)
			s.log.Info("server stats",
				logger.Field{Key: "active_connections", Value: st.ActiveConnections},
				logger.Field{Key: "sessions_total", Value: st.TotalSessions},
				logger.Field{Key: "rejected_total", Value: st.Rejected},
				logger.Field{Key: "queued_tasks", Value: st.QueuedTasks},
				logger.Field{Key: "running_tasks", Value: st.RunningTasks},
			)
			if s.statsHook != nil {
				s.statsHook(st)
			}
		}
	}
}
