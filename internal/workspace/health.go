package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/starford/scriptorium/internal/localstore"
)

// StoreStatus reports whether a storage tier survives a restart.
type StoreStatus struct {
	Available bool `json:"available"`
}

// Health is the storage diagnostic snapshot.
type Health struct {
	LocalStore    StoreStatus `json:"localStore"`
	MetasCount    int         `json:"metasCount"`
	ContentStore  StoreStatus `json:"contentStore"`
	DocumentCount int         `json:"documentCount"`
	LastSyncTime  *int64      `json:"lastSyncTime"`
	Timestamp     int64       `json:"timestamp"`
	Leader        bool        `json:"leader"`
	SyncEnabled   bool        `json:"syncEnabled"`
	Conflicts     int         `json:"conflicts"`
}

// Health probes both storage tiers.
func (s *Session) Health(ctx context.Context) Health {
	h := Health{
		LocalStore:   StoreStatus{Available: localstore.Available(s.kv)},
		MetasCount:   len(s.meta.Load()),
		ContentStore: StoreStatus{Available: s.content.Available()},
		Timestamp:    time.Now().UnixMilli(),
		Leader:       s.IsLeader(),
		SyncEnabled:  s.SyncEnabled(),
		Conflicts:    len(s.resolver.List()),
	}
	if n, err := s.content.Count(ctx); err != nil {
		s.logger.Warn("document count failed", slog.String("error", err.Error()))
		h.ContentStore.Available = false
	} else {
		h.DocumentCount = n
	}
	if ts, ok := s.sched.LastSync(); ok {
		h.LastSyncTime = &ts
	}
	return h
}
