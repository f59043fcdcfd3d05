package documentupdated

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/observability"
	"publish-dispatch/internal/common/validation"
	"publish-dispatch/internal/workers/publishing"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "document-updated"

var schema = validation.MustCompile(TaskType, inputSchema)

type Handler struct {
	config *Config
	guard  publishing.Admitter
	runner *publishing.Runner
	logger logger.Logger
}

func NewHandler(config *Config, guard publishing.Admitter, obs *observability.Observability, log logger.Logger) *Handler {
	runner := publishing.NewRunner(TaskType, config.Timeout, obs, log)
	return &Handler{
		config: config,
		guard:  guard,
		runner: runner,
		logger: runner.Logger,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.runner.Run(client, job, h.Execute)
}

// Execute offers an edit to the guard. Whether it turns into a push
// re-notification is the guard's call.
func (h *Handler) Execute(ctx context.Context, raw []byte) (*publishing.Output, error) {
	if err := schema.Validate(raw); err != nil {
		return nil, err
	}

	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, apperrors.NewInvalidEventError(fmt.Sprintf("parse input: %v", err))
	}

	adm, err := h.guard.Admit(ctx, input.Change())
	if err != nil {
		return nil, err
	}

	h.logger.Debug("update event handled", map[string]interface{}{
		"documentId": input.DocumentID,
		"admitted":   adm.Admitted,
		"reason":     adm.Reason,
	})
	return publishing.NewOutput(adm), nil
}
