package storage

import (
	"chatsink/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrDuplicate is returned when a message with the same (external id, channel) already exists.
	ErrDuplicate = errors.New("message already exists")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Storage is the durable store used by the ingestion pipeline:
// the message table, its derived PII rows, and the ingest audit log.
type Storage interface {
	FindMessage(ctx context.Context, externalID, channelID string) (*models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	LinkOrphanReplies(ctx context.Context, root *models.Message) (int64, error)
	UpdateMessageText(ctx context.Context, externalID, channelID, text string) ([]models.Message, error)
	DeleteMessages(ctx context.Context, externalID, channelID string) (DeleteResult, error)
	ReplacePIIFindings(ctx context.Context, messageID string, findings []models.PIIFinding) error

	CreateIngestEvent(ctx context.Context, ev *models.IngestEvent) error
	MarkIngestAttempt(ctx context.Context, id string) error
	CompleteIngestEvent(ctx context.Context, id string, status models.IngestStatus, errMsg string, messageID *string) error
	GetIngestEvent(ctx context.Context, id string) (*models.IngestEvent, error)
	ListRetryableIngestEvents(ctx context.Context, maxAttempts, limit int) ([]models.IngestEvent, error)
}

// DeleteResult reports how many message rows a deletion removed.
type DeleteResult struct {
	Deleted              int      `json:"deleted"`
	RootsDeleted         int      `json:"roots_deleted"`
	ThreadRepliesDeleted int      `json:"thread_replies_deleted"`
	PIIFindingsDeleted   int      `json:"pii_findings_deleted"`
	MessageIDs           []string `json:"message_ids"`
}

type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// Open opens a gorm connection with error translation enabled, so unique
// violations surface as gorm.ErrDuplicatedKey regardless of the driver.
func Open(dialector gorm.Dialector, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
}

// OpenPostgres connects to Postgres and brings the schema up to date.
func OpenPostgres(dsn string, debug bool) (*gorm.DB, error) {
	db, err := Open(postgres.Open(dsn), debug)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the tables owned by this service.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Message{},
		&models.PIIFinding{},
		&models.IngestEvent{},
	)
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindMessage returns the message stored for (externalID, channelID), or nil when there is none.
func (s *Service) FindMessage(ctx context.Context, externalID, channelID string) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).
		Where("external_id = ? AND channel_id = ?", externalID, channelID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s/%s: %w", channelID, externalID, err)
	}
	return &msg, nil
}

// CreateMessage inserts msg. The unique index decides races between
// concurrent deliveries; the loser gets ErrDuplicate.
func (s *Service) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := s.DB.WithContext(ctx).Create(msg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create message %s/%s: %w", msg.ChannelID, msg.ExternalID, err)
	}
	return nil
}

// LinkOrphanReplies points replies that arrived before their root at it.
func (s *Service) LinkOrphanReplies(ctx context.Context, root *models.Message) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.Message{}).
		Where("channel_id = ? AND thread_root_external_id = ? AND external_id <> ? AND parent_message_id IS NULL",
			root.ChannelID, root.ExternalID, root.ExternalID).
		Update("parent_message_id", root.ID)
	if res.Error != nil {
		return 0, fmt.Errorf("link replies of %s/%s: %w", root.ChannelID, root.ExternalID, res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateMessageText rewrites text and mentions of every row matching
// (externalID, channelID) and returns the updated rows.
func (s *Service) UpdateMessageText(ctx context.Context, externalID, channelID, text string) ([]models.Message, error) {
	var updated []models.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("external_id = ? AND channel_id = ?", externalID, channelID).
			Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}

		now := time.Now().UTC()
		mentions := models.ExtractMentions(text)
		if err := tx.Model(&models.Message{}).
			Where("external_id = ? AND channel_id = ?", externalID, channelID).
			Updates(map[string]interface{}{
				"text":       text,
				"mentions":   mentions,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		for i := range updated {
			updated[i].Text = text
			updated[i].Mentions = mentions
			updated[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update message %s/%s: %w", channelID, externalID, err)
	}
	return updated, nil
}

// DeleteMessages removes the rows matching (externalID, channelID). When a
// removed row anchors a thread, its replies in the same channel go with it.
// PII findings of every removed row are deleted in the same transaction.
func (s *Service) DeleteMessages(ctx context.Context, externalID, channelID string) (DeleteResult, error) {
	var res DeleteResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var matched []models.Message
		if err := tx.Where("external_id = ? AND channel_id = ?", externalID, channelID).
			Find(&matched).Error; err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}

		victims := make(map[string]models.Message, len(matched))
		for _, m := range matched {
			victims[m.ID] = m
			if m.IsThreadReply {
				continue
			}
			var replies []models.Message
			if err := tx.Where("channel_id = ? AND thread_root_external_id = ? AND external_id <> ?",
				channelID, m.ExternalID, m.ExternalID).
				Find(&replies).Error; err != nil {
				return err
			}
			for _, r := range replies {
				victims[r.ID] = r
			}
		}

		ids := make([]string, 0, len(victims))
		for id, m := range victims {
			ids = append(ids, id)
			if m.IsThreadReply {
				res.ThreadRepliesDeleted++
			} else {
				res.RootsDeleted++
			}
		}

		pii := tx.Where("message_id IN ?", ids).Delete(&models.PIIFinding{})
		if pii.Error != nil {
			return pii.Error
		}
		res.PIIFindingsDeleted = int(pii.RowsAffected)

		del := tx.Where("id IN ?", ids).Delete(&models.Message{})
		if del.Error != nil {
			return del.Error
		}
		res.Deleted = int(del.RowsAffected)
		res.MessageIDs = ids
		return nil
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete message %s/%s: %w", channelID, externalID, err)
	}
	return res, nil
}

// ReplacePIIFindings swaps the stored findings of a message for a new set.
func (s *Service) ReplacePIIFindings(ctx context.Context, messageID string, findings []models.PIIFinding) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&models.PIIFinding{}).Error; err != nil {
			return err
		}
		if len(findings) == 0 {
			return nil
		}
		for i := range findings {
			findings[i].MessageID = messageID
		}
		return tx.Create(&findings).Error
	})
}

// CountMessages returns the number of stored messages in a channel.
func (s *Service) CountMessages(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Message{}).Where("channel_id = ?", channelID).Count(&n).Error
	return n, err
}

// CreateIngestEvent writes a new audit row. It must happen before any side effect.
func (s *Service) CreateIngestEvent(ctx context.Context, ev *models.IngestEvent) error {
	if err := s.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("create ingest event: %w", err)
	}
	return nil
}

// MarkIngestAttempt moves an audit row to PROCESSING and counts the attempt.
func (s *Service) MarkIngestAttempt(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.DB.WithContext(ctx).Model(&models.IngestEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.IngestProcessing,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark ingest attempt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteIngestEvent records the terminal outcome of an attempt.
func (s *Service) CompleteIngestEvent(ctx context.Context, id string, status models.IngestStatus, errMsg string, messageID *string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	}
	if messageID != nil {
		updates["resulting_message_id"] = *messageID
	}
	res := s.DB.WithContext(ctx).Model(&models.IngestEvent{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("complete ingest event %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIngestEvent loads one audit row.
func (s *Service) GetIngestEvent(ctx context.Context, id string) (*models.IngestEvent, error) {
	var ev models.IngestEvent
	err := s.DB.WithContext(ctx).First(&ev, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListRetryableIngestEvents returns FAILED rows below maxAttempts, oldest first.
func (s *Service) ListRetryableIngestEvents(ctx context.Context, maxAttempts, limit int) ([]models.IngestEvent, error) {
	var events []models.IngestEvent
	err := s.DB.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.IngestFailed, maxAttempts).
		Order("created_at asc").Order("id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list retryable ingest events: %w", err)
	}
	return events, nil
}

// ListIngestEvents returns the most recent audit rows, optionally filtered by status.
func (s *Service) ListIngestEvents(ctx context.Context, status models.IngestStatus, limit int) ([]models.IngestEvent, error) {
	q := s.DB.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var events []models.IngestEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
