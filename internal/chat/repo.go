package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat removes the chat and cascades to its messages and stream
// records in one transaction.
func (r *Repo) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&StreamRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Chat{}, "id = ?", id).Error
	})
}

func (r *Repo) SaveMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&msgs).Error
}

// ListMessagesByChat returns the full chat history in ASC creation order.
func (r *Repo) ListMessagesByChat(ctx context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LastMessage returns the most recent message of the chat, or nil when the
// chat has none.
func (r *Repo) LastMessage(ctx context.Context, chatID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// CountUserMessagesSince counts user-role messages across all chats owned by
// the user since the cutoff; backs the generation rate limit.
func (r *Repo) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Joins("JOIN chats ON chats.id = chat_messages.chat_id").
		Where("chats.user_id = ? AND chat_messages.role = ? AND chat_messages.created_at >= ?",
			userID, "user", since).
		Count(&n).Error
	return n, err
}

// ListChatsByUser returns up to limit chats owned by the user, newest first.
// startingAfter/endingBefore are chat-id cursors paging by creation time; the
// second return reports whether more chats remain beyond the page. A cursor
// naming a missing chat surfaces gorm.ErrRecordNotFound.
func (r *Repo) ListChatsByUser(ctx context.Context, userID string, limit int, startingAfter, endingBefore string) ([]Chat, bool, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)

	if cursorID := startingAfter; cursorID != "" {
		cur, err := r.GetChat(ctx, cursorID)
		if err != nil {
			return nil, false, err
		}
		q = q.Where("created_at > ?", cur.CreatedAt)
	} else if cursorID := endingBefore; cursorID != "" {
		cur, err := r.GetChat(ctx, cursorID)
		if err != nil {
			return nil, false, err
		}
		q = q.Where("created_at < ?", cur.CreatedAt)
	}

	var chats []Chat
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&chats).Error; err != nil {
		return nil, false, err
	}
	hasMore := len(chats) > limit
	if hasMore {
		chats = chats[:limit]
	}
	return chats, hasMore, nil
}

func (r *Repo) CreateStreamRecord(ctx context.Context, rec *StreamRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListStreamIDs returns every stream id opened for the chat in creation
// order; the last entry is the resumption candidate.
func (r *Repo) ListStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&StreamRecord{}).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID string, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
