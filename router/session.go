package router

// Session is the per-request scratch state tracking which endpoints one
// logical call chain has tried. It is created fresh per request and must not
// be shared across concurrently outstanding requests.
type Session struct {
	stage          StageConfig
	tried          map[string]bool
	quotaProviders map[string]bool
	cursor         int
	distinctTried  int
	last           Endpoint
	hasLast        bool
}

func newSession(stage StageConfig) *Session {
	return &Session{
		stage:          stage,
		tried:          make(map[string]bool),
		quotaProviders: make(map[string]bool),
	}
}

// Stage returns the stage name the session was created for.
func (s *Session) Stage() string { return s.stage.Name }

// TriedCount returns how many distinct endpoints have been handed out.
func (s *Session) TriedCount() int { return s.distinctTried }

func (s *Session) markTried(e Endpoint) {
	s.tried[e.Key()] = true
	s.distinctTried++
	s.last = e
	s.hasLast = true
}

// markProviderQuotaExhausted rules out every model of a provider for the rest
// of the session. Quota is an account-level resource shared across a
// provider's models.
func (s *Session) markProviderQuotaExhausted(provider string) {
	if provider == "" {
		return
	}
	s.quotaProviders[provider] = true
}

func (s *Session) skipped(e Endpoint) bool {
	return s.tried[e.Key()] || s.quotaProviders[e.Provider]
}
