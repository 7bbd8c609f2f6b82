package chat

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

type BlockRepo interface {
	Create(dbc dbctx.Context, rows []*types.MessageBlock) ([]*types.MessageBlock, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.MessageBlock, error)
	ListByMessage(dbc dbctx.Context, messageID uuid.UUID) ([]*types.MessageBlock, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByMessage(dbc dbctx.Context, messageID uuid.UUID) error
	DeleteByTopic(dbc dbctx.Context, topicID uuid.UUID) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type blockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlockRepo(db *gorm.DB, log *logger.Logger) BlockRepo {
	return &blockRepo{db: db, log: log.With("repo", "BlockRepo")}
}

func (r *blockRepo) Create(dbc dbctx.Context, rows []*types.MessageBlock) ([]*types.MessageBlock, error) {
	if len(rows) == 0 {
		return []*types.MessageBlock{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *blockRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.MessageBlock, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing block_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.MessageBlock
	if err := txx.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *blockRepo) ListByMessage(dbc dbctx.Context, messageID uuid.UUID) ([]*types.MessageBlock, error) {
	if messageID == uuid.Nil {
		return nil, fmt.Errorf("missing message_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.MessageBlock
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.MessageBlock{}).
		Where("message_id = ?", messageID).
		Order("ordinal ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *blockRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing block_id")
	}
	if len(updates) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.MessageBlock{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *blockRepo) DeleteByMessage(dbc dbctx.Context, messageID uuid.UUID) error {
	if messageID == uuid.Nil {
		return fmt.Errorf("missing message_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("message_id = ?", messageID).
		Delete(&types.MessageBlock{}).Error
}

func (r *blockRepo) DeleteByTopic(dbc dbctx.Context, topicID uuid.UUID) error {
	if topicID == uuid.Nil {
		return fmt.Errorf("missing topic_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("topic_id = ?", topicID).
		Delete(&types.MessageBlock{}).Error
}

func (r *blockRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing block_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Delete(&types.MessageBlock{}, "id = ?", id).Error
}
