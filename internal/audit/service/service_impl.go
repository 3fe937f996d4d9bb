package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/audit/masking"
	"github.com/smallbiznis/carebill/internal/auditcontext"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
	"github.com/smallbiznis/carebill/pkg/telemetry/correlation"
)

// Metadata keys holding addresses; their values are masked before storage.
var maskedKeys = []string{"recipient", "email"}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

// AuditLog appends one entry. Empty org, actor and target values are taken
// from ctx; an unattributed call is recorded as the system actor.
func (s *Service) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      orgOrContext(ctx, orgID),
		Action:     action,
		TargetType: firstNonEmpty(targetType, "unknown"),
		TargetID:   trimmedOrNil(targetID),
		Metadata:   datatypes.JSONMap(contextMetadata(ctx, metadata)),
		CreatedAt:  s.clock.Now().UTC(),
	}
	entry.ActorType, entry.ActorID = actorOrContext(ctx, actorType, actorID)

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidOrganization
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}
	filter := auditdomain.ListFilter{
		OrgID:      orgID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Limit:      req.Limit(),
	}
	if cursor != nil {
		filter.BeforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil || filter.BeforeID == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	logs, pageInfo, err := pagination.BuildCursorPage(items, filter.Limit, func(item auditdomain.AuditLog) string {
		return item.ID.String()
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

// contextMetadata masks addresses and stamps request and correlation IDs.
func contextMetadata(ctx context.Context, metadata map[string]any) map[string]any {
	payload := masking.MaskFields(metadata, maskedKeys...)
	if payload == nil {
		payload = map[string]any{}
	}
	if requestID := auditcontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		payload["correlation_id"] = cid
	}
	return payload
}

func orgOrContext(ctx context.Context, orgID *snowflake.ID) *snowflake.ID {
	if orgID != nil && *orgID != 0 {
		return orgID
	}
	if resolved, ok := orgcontext.OrgIDFromContext(ctx); ok {
		return &resolved
	}
	return nil
}

func actorOrContext(ctx context.Context, actorType string, actorID *string) (string, *string) {
	actorType = strings.TrimSpace(actorType)
	if actorType == "" {
		ctxType, ctxID := auditcontext.ActorFromContext(ctx)
		actorType = ctxType
		if trimmedOrNil(actorID) == nil && ctxID != "" {
			actorID = &ctxID
		}
	}
	return firstNonEmpty(actorType, string(auditdomain.ActorTypeSystem)), trimmedOrNil(actorID)
}

func firstNonEmpty(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
