package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blueprinthq/valueflow/types"
)

// DefinitionRow persists one workflow definition. The DAG body is stored as
// a JSON document; only the columns needed for lookup are first class.
type DefinitionRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:200"`
	Active    bool   `gorm:"default:true;index"`
	Document  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DefinitionRow) TableName() string { return "workflow_definitions" }

// ExecutionRow persists one workflow execution. Context and breaker state
// travel as JSON documents so the row survives schema-free evolution of the
// execution context.
type ExecutionRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	DefinitionID string `gorm:"size:64;index"`
	Status       string `gorm:"size:32;index"`
	CurrentStage string `gorm:"size:128"`
	Context      string `gorm:"type:text"`
	BreakerState string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (ExecutionRow) TableName() string { return "workflow_executions" }

// LogRow persists one stage attempt. Rows are appended and updated in
// place, never deleted.
type LogRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ExecutionID      string `gorm:"size:64;index"`
	StageID          string `gorm:"size:128"`
	Lifecycle        string `gorm:"size:32"`
	Attempt          int
	AgentID          string `gorm:"size:64"`
	Status           string `gorm:"size:32"`
	InputData        string `gorm:"type:text"`
	OutputData       string `gorm:"type:text"`
	ArtifactsCreated string `gorm:"type:text"`
	ErrorMessage     string `gorm:"type:text"`
	DurationMs       int64
	StartedAt        time.Time
	CompletedAt      *time.Time
	Seq              int64 `gorm:"autoIncrement;index"`
}

func (LogRow) TableName() string { return "execution_logs" }

// EventRow persists one append-only execution event.
type EventRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	ExecutionID string `gorm:"size:64;index"`
	Type        string `gorm:"size:48"`
	StageID     string `gorm:"size:128"`
	Payload     string `gorm:"type:text"`
	CreatedAt   time.Time
	Seq         int64 `gorm:"autoIncrement;index"`
}

func (EventRow) TableName() string { return "execution_events" }

// AuditRow persists one audit record.
type AuditRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	ExecutionID string `gorm:"size:64;index"`
	Action      string `gorm:"size:64"`
	Detail      string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (AuditRow) TableName() string { return "execution_audits" }

// ArtifactRow tracks artifacts created by stages so compensation can delete
// them.
type ArtifactRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time
}

func (ArtifactRow) TableName() string { return "execution_artifacts" }

// GormStore is the database-backed store.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates the store and migrates its tables.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(
		&DefinitionRow{},
		&ExecutionRow{},
		&LogRow{},
		&EventRow{},
		&AuditRow{},
		&ArtifactRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate store tables: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// SaveDefinition stores or replaces a workflow definition.
func (s *GormStore) SaveDefinition(ctx context.Context, dag *types.WorkflowDAG) error {
	if err := dag.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(dag)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	row := DefinitionRow{
		ID:       dag.ID,
		Name:     dag.Name,
		Active:   true,
		Document: string(doc),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// ActiveDefinition implements workflow.DefinitionStore.
func (s *GormStore) ActiveDefinition(ctx context.Context, id string) (*types.WorkflowDAG, error) {
	var row DefinitionRow
	err := s.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrDefinitionNotFound,
			fmt.Sprintf("workflow definition %q not found", id))
	}
	if err != nil {
		return nil, err
	}
	var dag types.WorkflowDAG
	if err := json.Unmarshal([]byte(row.Document), &dag); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", id, err)
	}
	return &dag, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	row, err := executionToRow(exec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	var row ExecutionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrExecutionNotFound,
			fmt.Sprintf("execution %q not found", id))
	}
	if err != nil {
		return nil, err
	}
	return executionFromRow(&row)
}

func (s *GormStore) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	row, err := executionToRow(exec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&ExecutionRow{}).Where("id = ?", exec.ID).Updates(map[string]any{
		"status":        row.Status,
		"current_stage": row.CurrentStage,
		"context":       row.Context,
		"breaker_state": row.BreakerState,
		"error_message": row.ErrorMessage,
		"updated_at":    row.UpdatedAt,
		"completed_at":  row.CompletedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrExecutionNotFound,
			fmt.Sprintf("execution %q not found", exec.ID))
	}
	return nil
}

func (s *GormStore) AppendLog(ctx context.Context, log *types.ExecutionLog) error {
	row, err := logToRow(log)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormStore) UpdateLog(ctx context.Context, log *types.ExecutionLog) error {
	row, err := logToRow(log)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&LogRow{}).Where("id = ?", log.ID).Updates(map[string]any{
		"status":            row.Status,
		"output_data":       row.OutputData,
		"artifacts_created": row.ArtifactsCreated,
		"error_message":     row.ErrorMessage,
		"duration_ms":       row.DurationMs,
		"completed_at":      row.CompletedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrExecutionNotFound,
			fmt.Sprintf("execution log %q not found", log.ID))
	}
	return nil
}

func (s *GormStore) Logs(ctx context.Context, executionID string) ([]*types.ExecutionLog, error) {
	var rows []LogRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.ExecutionLog, 0, len(rows))
	for i := range rows {
		log, err := logFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) error {
	payload, err := marshalMap(event.Payload)
	if err != nil {
		return err
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return s.db.WithContext(ctx).Create(&EventRow{
		ID:          event.ID,
		ExecutionID: event.ExecutionID,
		Type:        string(event.Type),
		StageID:     event.StageID,
		Payload:     payload,
		CreatedAt:   created,
	}).Error
}

func (s *GormStore) Events(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	var rows []EventRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.ExecutionEvent, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		payload, err := unmarshalMap(row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.ExecutionEvent{
			ID:          row.ID,
			ExecutionID: row.ExecutionID,
			Type:        types.EventType(row.Type),
			StageID:     row.StageID,
			Payload:     payload,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, record *types.AuditRecord) error {
	detail, err := marshalMap(record.Detail)
	if err != nil {
		return err
	}
	created := record.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return s.db.WithContext(ctx).Create(&AuditRow{
		ID:          record.ID,
		ExecutionID: record.ExecutionID,
		Action:      record.Action,
		Detail:      detail,
		CreatedAt:   created,
	}).Error
}

// RecordArtifact registers an artifact created by a stage.
func (s *GormStore) RecordArtifact(ctx context.Context, artifactID string) error {
	return s.db.WithContext(ctx).
		Where("id = ?", artifactID).
		FirstOrCreate(&ArtifactRow{ID: artifactID}).Error
}

// DeleteArtifact implements workflow.ArtifactDeleter. A missing artifact is
// treated as already deleted.
func (s *GormStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	return s.db.WithContext(ctx).Delete(&ArtifactRow{}, "id = ?", artifactID).Error
}

func executionToRow(exec *types.WorkflowExecution) (*ExecutionRow, error) {
	cctx, err := json.Marshal(exec.Context)
	if err != nil {
		return nil, fmt.Errorf("encode execution context: %w", err)
	}
	breakers := ""
	if len(exec.BreakerState) > 0 {
		raw, err := json.Marshal(exec.BreakerState)
		if err != nil {
			return nil, fmt.Errorf("encode breaker state: %w", err)
		}
		breakers = string(raw)
	}
	return &ExecutionRow{
		ID:           exec.ID,
		DefinitionID: exec.DefinitionID,
		Status:       string(exec.Status),
		CurrentStage: exec.CurrentStage,
		Context:      string(cctx),
		BreakerState: breakers,
		ErrorMessage: exec.ErrorMessage,
		StartedAt:    exec.StartedAt,
		UpdatedAt:    exec.UpdatedAt,
		CompletedAt:  exec.CompletedAt,
	}, nil
}

func executionFromRow(row *ExecutionRow) (*types.WorkflowExecution, error) {
	exec := &types.WorkflowExecution{
		ID:           row.ID,
		DefinitionID: row.DefinitionID,
		Status:       types.ExecutionStatus(row.Status),
		CurrentStage: row.CurrentStage,
		ErrorMessage: row.ErrorMessage,
		StartedAt:    row.StartedAt,
		UpdatedAt:    row.UpdatedAt,
		CompletedAt:  row.CompletedAt,
	}
	if row.Context != "" {
		var cctx types.ExecutionContext
		if err := json.Unmarshal([]byte(row.Context), &cctx); err != nil {
			return nil, fmt.Errorf("decode execution context: %w", err)
		}
		exec.Context = &cctx
	}
	if row.BreakerState != "" {
		if err := json.Unmarshal([]byte(row.BreakerState), &exec.BreakerState); err != nil {
			return nil, fmt.Errorf("decode breaker state: %w", err)
		}
	}
	return exec, nil
}

func logToRow(log *types.ExecutionLog) (*LogRow, error) {
	input, err := marshalMap(log.InputData)
	if err != nil {
		return nil, err
	}
	output, err := marshalMap(log.OutputData)
	if err != nil {
		return nil, err
	}
	artifacts := ""
	if len(log.ArtifactsCreated) > 0 {
		raw, err := json.Marshal(log.ArtifactsCreated)
		if err != nil {
			return nil, fmt.Errorf("encode artifacts: %w", err)
		}
		artifacts = string(raw)
	}
	return &LogRow{
		ID:               log.ID,
		ExecutionID:      log.ExecutionID,
		StageID:          log.StageID,
		Lifecycle:        string(log.Lifecycle),
		Attempt:          log.Attempt,
		AgentID:          log.AgentID,
		Status:           string(log.Status),
		InputData:        input,
		OutputData:       output,
		ArtifactsCreated: artifacts,
		ErrorMessage:     log.ErrorMessage,
		DurationMs:       log.DurationMs,
		StartedAt:        log.StartedAt,
		CompletedAt:      log.CompletedAt,
	}, nil
}

func logFromRow(row *LogRow) (*types.ExecutionLog, error) {
	input, err := unmarshalMap(row.InputData)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalMap(row.OutputData)
	if err != nil {
		return nil, err
	}
	var artifacts []string
	if row.ArtifactsCreated != "" {
		if err := json.Unmarshal([]byte(row.ArtifactsCreated), &artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return &types.ExecutionLog{
		ID:               row.ID,
		ExecutionID:      row.ExecutionID,
		StageID:          row.StageID,
		Lifecycle:        types.LifecycleStage(row.Lifecycle),
		Attempt:          row.Attempt,
		AgentID:          row.AgentID,
		Status:           types.LogStatus(row.Status),
		InputData:        input,
		OutputData:       output,
		ArtifactsCreated: artifacts,
		ErrorMessage:     row.ErrorMessage,
		DurationMs:       row.DurationMs,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
	}, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json document: %w", err)
	}
	return string(raw), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode json document: %w", err)
	}
	return m, nil
}
