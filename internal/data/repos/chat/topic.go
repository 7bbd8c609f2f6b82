package chat

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

type TopicRepo interface {
	Create(dbc dbctx.Context, row *types.Topic) (*types.Topic, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Topic, error)
	List(dbc dbctx.Context, limit int) ([]*types.Topic, error)
	// NextSeq atomically reserves and returns the next message sequence
	// number for the topic.
	NextSeq(dbc dbctx.Context, id uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type topicRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTopicRepo(db *gorm.DB, log *logger.Logger) TopicRepo {
	return &topicRepo{db: db, log: log.With("repo", "TopicRepo")}
}

func (r *topicRepo) Create(dbc dbctx.Context, row *types.Topic) (*types.Topic, error) {
	if row == nil {
		return nil, fmt.Errorf("missing topic")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.NextSeq <= 0 {
		row.NextSeq = 1
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *topicRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Topic, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing topic_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Topic
	if err := txx.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *topicRepo) List(dbc dbctx.Context, limit int) ([]*types.Topic, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Topic
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.Topic{}).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *topicRepo) NextSeq(dbc dbctx.Context, id uuid.UUID) (int64, error) {
	if id == uuid.Nil {
		return 0, fmt.Errorf("missing topic_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var next int64
	err := txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Topic{}).
			Where("id = ?", id).
			Update("next_seq", gorm.Expr("next_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&types.Topic{}).
			Select("next_seq").
			Where("id = ?", id).
			Scan(&next).Error
	})
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

func (r *topicRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing topic_id")
	}
	if len(updates) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.Topic{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *topicRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing topic_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Delete(&types.Topic{}, "id = ?", id).Error
}
