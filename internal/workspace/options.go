package workspace

import (
	"log/slog"

	"github.com/starford/scriptorium/internal/broadcast"
	"github.com/starford/scriptorium/internal/contentstore"
	"github.com/starford/scriptorium/internal/leader"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/remote"
)

// Option replaces a collaborator that Open would otherwise build from Config.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithLocalStore uses kv instead of the file store under the data directory.
func WithLocalStore(kv localstore.KV) Option {
	return func(s *Session) { s.kv = kv }
}

// WithContentStore uses store instead of the SQLite database under the data
// directory. The session closes it on Teardown.
func WithContentStore(store contentstore.Store) Option {
	return func(s *Session) { s.content = store }
}

// WithRemote uses client instead of an HTTP client for Config.Sync.RemoteURL.
func WithRemote(client remote.Client) Option {
	return func(s *Session) { s.client = client }
}

// WithLocker uses locker for leader election.
func WithLocker(locker leader.Locker) Option {
	return func(s *Session) { s.locker = locker }
}

// WithBroadcast uses bc for leadership announcements. The caller keeps
// ownership of bc.
func WithBroadcast(bc broadcast.Channel) Option {
	return func(s *Session) {
		s.bc = bc
		s.ownBC = false
	}
}

// WithLeaderOptions passes options to the election coordinator.
func WithLeaderOptions(opts ...leader.Option) Option {
	return func(s *Session) { s.leaderOpts = append(s.leaderOpts, opts...) }
}
