package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
)

const (
	// GenerationTopic is the queue topic carrying generation jobs.
	GenerationTopic = "generation"
	// GenerationSchema tags the payload version on the wire.
	GenerationSchema = "generation/v1"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// GenerationPayload is the message a worker needs to materialize a task.
type GenerationPayload struct {
	TaskID         string        `json:"taskId" validate:"required"`
	UserID         string        `json:"userId" validate:"required"`
	UploadID       string        `json:"uploadId" validate:"required"`
	Plan           domain.Plan   `json:"plan" validate:"required,oneof=free start pro"`
	Gender         domain.Gender `json:"gender" validate:"required,oneof=male female"`
	ObjectKey      string        `json:"objectKey" validate:"required"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty" validate:"max=128"`
}

// EncodeGeneration validates p and wraps it in a tagged envelope.
func EncodeGeneration(p GenerationPayload) ([]byte, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid generation payload: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Schema: GenerationSchema, Data: data})
}

// DecodeGeneration parses and validates a generation message. Every failure is
// permanent so a malformed message is dead-lettered on first delivery.
func DecodeGeneration(raw []byte) (GenerationPayload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return GenerationPayload{}, queue.Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	if env.Schema != GenerationSchema {
		return GenerationPayload{}, queue.Permanent(fmt.Errorf("unsupported schema %q", env.Schema))
	}
	if len(env.Data) == 0 {
		return GenerationPayload{}, queue.Permanent(errors.New("empty payload data"))
	}
	var p GenerationPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return GenerationPayload{}, queue.Permanent(fmt.Errorf("decode generation payload: %w", err))
	}
	if err := validate.Struct(p); err != nil {
		return GenerationPayload{}, queue.Permanent(fmt.Errorf("invalid generation payload: %w", err))
	}
	return p, nil
}
