package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/swarmops/internal/events"
	"github.com/ShayCichocki/swarmops/internal/mirror"
	"github.com/ShayCichocki/swarmops/internal/oracle"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

// profile describes how one observation kind is presented to the oracle.
type profile struct {
	// imageFields are payload keys that may hold a base64 image, in lookup order.
	imageFields []string
	// refFields are payload keys that may hold an image reference instead.
	refFields []string
}

func (p profile) wantsImage() bool { return len(p.imageFields) > 0 }

var profiles = map[models.ObservationKind]profile{
	models.KindImage: {
		imageFields: []string{"image_base64", "image", "data"},
		refFields:   []string{"image_url", "image_ref"},
	},
	models.KindThermalImage: {
		imageFields: []string{"thermal_image_base64", "image_base64", "image", "data"},
		refFields:   []string{"image_url", "image_ref"},
	},
	models.KindHumanReport:   {},
	models.KindGasSensor:     {},
	models.KindSensorReading: {},
}

const defaultImageMediaType = "image/jpeg"

// interpretContext is the location context sent with every observation.
type interpretContext struct {
	Lat        float64          `json:"lat"`
	Lon        float64          `json:"lon"`
	CapturedAt models.Timestamp `json:"captured_at"`
	SourceID   string           `json:"source_id"`
}

type interpretRequest struct {
	Kind        models.ObservationKind `json:"observation_kind"`
	Observation map[string]any         `json:"observation"`
	Context     interpretContext       `json:"context"`
	Weather     json.RawMessage        `json:"weather,omitempty"`
}

// Interpret turns an observation into a stored, indexed event and enqueues
// an escalation carrying every event within the neighbor radius.
//
// On failure before the event write, the store is unchanged apart from the
// weather cache. A failure after it (neighbor search, escalate enqueue) leaves
// the event in place and is returned as a *PartialError.
func (p *Pipeline) Interpret(ctx context.Context, obs models.Observation) (models.Event, error) {
	if err := obs.Validate(); err != nil {
		return models.Event{}, &ValidationError{Stage: StageInterpret, Subject: "observation", Err: err}
	}
	prof, ok := profiles[obs.Kind]
	if !ok {
		return models.Event{}, &ValidationError{
			Stage:   StageInterpret,
			Subject: "observation",
			Err:     fmt.Errorf("unknown observation_kind %q", obs.Kind),
		}
	}

	pos := *obs.Coordinates
	now := p.now().UTC()
	capturedAt := models.NewTimestamp(obs.CapturedTime(now))
	log := p.logger.With(
		zap.String("stage", StageInterpret),
		zap.String("observation_kind", string(obs.Kind)),
		zap.String("source_id", obs.SourceID))

	body, attachments, err := splitAttachments(prof, obs.Payload)
	if err != nil {
		return models.Event{}, &ValidationError{Stage: StageInterpret, Subject: "observation payload", Err: err}
	}

	payload := interpretRequest{
		Kind:        obs.Kind,
		Observation: body,
		Context: interpretContext{
			Lat:        pos.Lat,
			Lon:        pos.Lon,
			CapturedAt: capturedAt,
			SourceID:   obs.SourceID,
		},
	}
	if p.weather != nil {
		if w, err := p.weather.Current(ctx, pos); err != nil {
			log.Warn("weather unavailable, continuing without", zap.Error(err))
		} else {
			payload.Weather = w
		}
	}

	text, err := p.template(StageInterpret, string(obs.Kind), payload)
	if err != nil {
		return models.Event{}, err
	}

	_, result, err := p.ask(ctx, StageInterpret, oracle.Request{Text: text, Attachments: attachments})
	if err != nil {
		return models.Event{}, err
	}

	ev := models.Event{
		ID:          events.NewID(obs.Kind, now),
		SourceID:    obs.SourceID,
		Kind:        obs.Kind,
		Coordinates: pos,
		CapturedAt:  capturedAt,
		Result:      result,
		CreatedAt:   now,
	}
	if err := p.events.Put(ctx, ev); err != nil {
		return models.Event{}, &StoreError{Op: "write event " + ev.ID, Err: err}
	}
	log = log.With(zap.String("event_id", ev.ID))
	log.Info("event stored")
	p.push(ctx, mirror.PathEvents, ev)

	written := "writing " + ev.ID
	neighbors, err := p.events.Nearby(ctx, ev.Coordinates, p.radiusKm)
	if err != nil {
		return ev, &PartialError{Stage: StageInterpret, Done: written, Err: &StoreError{Op: "neighbor search", Err: err}}
	}
	if !containsEvent(neighbors, ev.ID) {
		neighbors = append([]models.Event{ev}, neighbors...)
	}

	jobID, err := p.queue.Enqueue(ctx, models.NewEnvelope(models.EscalatePayload{Events: neighbors}))
	if err != nil {
		return ev, &PartialError{Stage: StageInterpret, Done: written, Err: &StoreError{Op: "enqueue escalate", Err: err}}
	}
	log.Info("escalation enqueued",
		zap.String("job_id", jobID),
		zap.Int("neighbors", len(neighbors)))
	return ev, nil
}

func containsEvent(evs []models.Event, id string) bool {
	for _, e := range evs {
		if e.ID == id {
			return true
		}
	}
	return false
}

// splitAttachments moves an image out of the payload into an oracle attachment.
// Kinds without an image profile get the payload back unchanged.
func splitAttachments(prof profile, payload map[string]any) (map[string]any, []oracle.Attachment, error) {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	if !prof.wantsImage() {
		return body, nil, nil
	}

	mediaType := defaultImageMediaType
	if mt, ok := body["media_type"].(string); ok && strings.HasPrefix(mt, "image/") {
		mediaType = mt
	}
	delete(body, "media_type")

	for _, field := range prof.imageFields {
		encoded, ok := body[field].(string)
		if !ok || encoded == "" {
			continue
		}
		data, err := decodeImage(encoded)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", field, err)
		}
		delete(body, field)
		return body, []oracle.Attachment{{MediaType: mediaType, Data: data}}, nil
	}
	for _, field := range prof.refFields {
		if ref, ok := body[field].(string); ok && ref != "" {
			return body, nil, nil
		}
	}
	return nil, nil, errors.New("no image data or image reference")
}

// decodeImage accepts plain base64 and data URLs.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}
