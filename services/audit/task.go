package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"keyserver/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var chainBroken = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "keyserver_audit_chain_broken_total",
	Help: "Audit chain verifications that found a broken link.",
}, []string{"application_id"})

func init() {
	prometheus.MustRegister(chainBroken)
}

type ChainPayload struct {
	ApplicationID string `json:"application_id"`
}

func newChainTask(typ, applicationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ChainPayload{ApplicationID: applicationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, payload, asynq.Queue(taskname.QueueLow)), nil
}

func NewVerifyChainTask(applicationID string) (*asynq.Task, error) {
	return newChainTask(taskname.AuditVerifyChain, applicationID)
}

func NewArchiveTask(applicationID string) (*asynq.Task, error) {
	return newChainTask(taskname.AuditArchive, applicationID)
}

type TaskHandler struct {
	svc      *Service
	archiver *Archiver
}

type TaskHandlerParams struct {
	fx.In
	Service  *Service
	Archiver *Archiver `optional:"true"`
}

func NewTaskHandler(p TaskHandlerParams) *TaskHandler {
	return &TaskHandler{svc: p.Service, archiver: p.Archiver}
}

func decodeChainPayload(t *asynq.Task) (ChainPayload, error) {
	var payload ChainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if payload.ApplicationID == "" {
		return payload, fmt.Errorf("%s payload without application_id: %w", t.Type(), asynq.SkipRetry)
	}
	return payload, nil
}

// HandleVerifyChain fails without retry when the chain is broken; retrying
// cannot repair it.
func (h *TaskHandler) HandleVerifyChain(ctx context.Context, t *asynq.Task) error {
	payload, err := decodeChainPayload(t)
	if err != nil {
		zap.L().Error("invalid verify payload", zap.Error(err))
		return err
	}

	v, err := h.svc.VerifyChain(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}

	if !v.Valid {
		chainBroken.WithLabelValues(payload.ApplicationID).Inc()
		zap.L().Error("audit chain broken",
			zap.String("application_id", v.ApplicationID),
			zap.Int64("broken_at", v.BrokenAt),
			zap.String("reason", v.Reason),
		)
		return fmt.Errorf("audit chain of %s broken at %d: %w", v.ApplicationID, v.BrokenAt, asynq.SkipRetry)
	}

	zap.L().Info("audit chain verified", zap.String("application_id", v.ApplicationID), zap.Int64("entries", v.Entries))
	return nil
}

func (h *TaskHandler) HandleArchive(ctx context.Context, t *asynq.Task) error {
	if h.archiver == nil {
		return fmt.Errorf("audit archive not configured: %w", asynq.SkipRetry)
	}

	payload, err := decodeChainPayload(t)
	if err != nil {
		zap.L().Error("invalid archive payload", zap.Error(err))
		return err
	}

	_, err = h.archiver.Archive(ctx, payload.ApplicationID)
	return err
}

func RegisterTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(taskname.AuditVerifyChain, h.HandleVerifyChain)
	mux.HandleFunc(taskname.AuditArchive, h.HandleArchive)
}
