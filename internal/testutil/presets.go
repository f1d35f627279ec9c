package testutil

import (
	"time"

	"teleclaude/internal/domain"
)

// WithStandardFleet adds the standard session dataset: an orchestrator and a
// worker on the primary computer, a paused worker, a closed session, and a
// worker on a second computer.
func (b *Builder) WithStandardFleet() *Builder {
	yesterday := Now.Add(-24 * time.Hour)
	lastWeek := Now.Add(-7 * 24 * time.Hour)

	return b.
		WithSession("a1b2c3d4e5f60718293a4b5c6d7e8f01",
			Titled("orchestrator"), AsSystemRole(domain.SystemRoleOrchestrator),
			AsHumanRole(domain.HumanRoleAdmin), CreatedAt(lastWeek)).
		WithSession("b2c3d4e5f60718293a4b5c6d7e8f01a2",
			Titled("fix login bug"), CreatedAt(yesterday)).
		WithSession("c3d4e5f60718293a4b5c6d7e8f01a2b3",
			Titled("paused refactor"), InState(domain.SessionStatePaused),
			CreatedAt(lastWeek)).
		WithSession("d4e5f60718293a4b5c6d7e8f01a2b3c4",
			Titled("finished migration"), InState(domain.SessionStateClosed),
			CreatedAt(lastWeek)).
		WithSession("e5f60718293a4b5c6d7e8f01a2b3c4d5",
			Titled("laptop worker"), OnComputer("laptop"), CreatedAt(Now))
}
