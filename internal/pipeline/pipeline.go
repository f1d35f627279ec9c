// Package pipeline runs every published envelope through an ordered sequence
// of cartridges before it fans out: dedup first, then the notification
// projector, then the domain cartridges. A cartridge returning a nil envelope
// drops it; a cartridge error is logged and the envelope continues, except
// out of dedup, whose verdict is final.
package pipeline

import (
	"context"
	"time"

	"teleclaude/internal/clock"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// slowCartridge is the processing time past which a cartridge is called out.
const slowCartridge = 2 * time.Second

// Cartridge is one pipeline stage. Process returns the envelope to pass on,
// or nil to drop it. Cartridges must not mutate the envelope; the pipeline
// hands the same pointer down the chain.
type Cartridge interface {
	Name() string
	Process(ctx context.Context, env *domain.EventEnvelope) (*domain.EventEnvelope, error)
}

// Pipeline holds the cartridge sequence. Construction fixes the order; there
// is no runtime registration.
type Pipeline struct {
	cartridges []Cartridge
	clk        clock.Clock
}

// New builds a pipeline over the given cartridges, invoked in argument order.
func New(clk clock.Clock, cartridges ...Cartridge) *Pipeline {
	return &Pipeline{cartridges: cartridges, clk: clk}
}

// Run passes the envelope through every cartridge in order. The first nil
// return stops the chain and drops the envelope. A cartridge error never
// kills the publish: the envelope continues to the next stage, because a
// broken reaction must not cost the event its delivery.
func (p *Pipeline) Run(ctx context.Context, env *domain.EventEnvelope) *domain.EventEnvelope {
	current := env
	for _, c := range p.cartridges {
		started := p.clk.Now()
		next, err := c.Process(ctx, current)
		if elapsed := p.clk.Now().Sub(started); elapsed > slowCartridge {
			log.Warn(log.CatPipeline, "slow cartridge",
				"cartridge", c.Name(),
				"envelopeID", current.EnvelopeID,
				"elapsed", elapsed.String())
		}
		if err != nil {
			log.ErrorErr(log.CatPipeline, "cartridge failed", err,
				"cartridge", c.Name(),
				"envelopeID", current.EnvelopeID,
				"type", current.Type)
			continue
		}
		if next == nil {
			log.Debug(log.CatPipeline, "envelope dropped",
				"cartridge", c.Name(),
				"envelopeID", current.EnvelopeID,
				"type", current.Type)
			return nil
		}
		current = next
	}
	return current
}

// Names returns the cartridge names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.cartridges))
	for i, c := range p.cartridges {
		names[i] = c.Name()
	}
	return names
}
