package workspace

import (
	"context"
	"time"

	"questline-settlement/pkg/db/option"
	"questline-settlement/pkg/db/pagination"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Workspace]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[Workspace](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, params CreateWorkspaceParams) (*Workspace, error) {
	if params.Name == "" {
		return nil, errutil.ValidationFailed("name is required", nil)
	}

	slugName := params.Slug
	if slugName == "" {
		slugName = slug.Make(params.Name)
	}

	exist, err := s.repo.FindOne(ctx, &Workspace{Slug: slugName})
	if err != nil {
		return nil, errutil.Internal("failed to check existing workspace", err)
	}

	if exist != nil {
		return nil, errutil.Conflict("workspace slug already exists", nil)
	}

	now := time.Now()
	ws := &Workspace{
		ID:        s.node.Generate().String(),
		Name:      params.Name,
		Slug:      slugName,
		Status:    Active,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, ws); err != nil {
		zap.L().Error("failed to create workspace", zap.Error(err))
		return nil, errutil.Internal("failed to create workspace", err)
	}

	return ws, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Workspace, error) {
	ws, err := s.repo.FindOne(ctx, &Workspace{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to get workspace", err)
	}

	if ws == nil {
		return nil, errutil.NotFound("workspace not found", nil)
	}

	return ws, nil
}

func (s *Service) List(ctx context.Context, p pagination.Pagination) ([]*Workspace, error) {
	return s.repo.Find(ctx, &Workspace{}, option.ApplyPagination(p))
}
