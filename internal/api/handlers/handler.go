package handlers

import (
	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/pipeline"
	"github.com/domiro-org/domiro/internal/storage/postgres"
)

type Handler struct {
	pipe   *pipeline.Pipeline
	store  *postgres.Store // nil when no archive database is configured
	logger *zap.Logger
}

func NewHandler(pipe *pipeline.Pipeline, store *postgres.Store, logger *zap.Logger) *Handler {
	return &Handler{
		pipe:   pipe,
		store:  store,
		logger: logger,
	}
}
