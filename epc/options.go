package epc

import "log/slog"

// Option customizes a Session or Server at construction.
type Option func(*settings)

type settings struct {
	cfg          Config
	log          *slog.Logger
	onConnect    func(*Session)
	onDisconnect func(*Session)
}

func newSettings(opts []Option) settings {
	s := settings{cfg: Config{}.withDefaults(), log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// WithConfig replaces the whole configuration. Zero fields fall back to
// their defaults.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger for session lifecycle and dispatch events.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxFrameSize overrides the per-frame body limit.
func WithMaxFrameSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.cfg.MaxFrameSize = n
			s.cfg = s.cfg.withDefaults()
		}
	}
}

// WithHandlerConcurrency overrides how many handlers may run at once.
func WithHandlerConcurrency(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.cfg.HandlerConcurrency = n
		}
	}
}

// WithSessionHooks installs callbacks a Server invokes when a session
// attaches and when it terminates. Connect ignores them.
func WithSessionHooks(onConnect, onDisconnect func(*Session)) Option {
	return func(s *settings) {
		s.onConnect = onConnect
		s.onDisconnect = onDisconnect
	}
}
