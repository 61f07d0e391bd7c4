package pipeline

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/swarmops/pkg/models"
)

// Route hands env to the stage named by its payload variant.
func (p *Pipeline) Route(ctx context.Context, env models.Envelope) error {
	switch payload := env.Payload.(type) {
	case models.InterpretPayload:
		_, err := p.Interpret(ctx, payload.Observation)
		return err
	case models.EscalatePayload:
		_, err := p.Escalate(ctx, payload.Events)
		return err
	case models.AllocatePayload:
		_, err := p.Allocate(ctx, payload.Tasks)
		return err
	default:
		return &ValidationError{
			Stage:   "route",
			Subject: "envelope",
			Err:     fmt.Errorf("%w: %T", models.ErrUnknownTaskType, env.Payload),
		}
	}
}
