package models_test

import (
	"chatsink/backend/internal/models"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

// TestMessageBeforeCreate_GeneratesUUID verifies that the BeforeCreate hook generates a valid UUID.
func TestMessageBeforeCreate_GeneratesUUID(t *testing.T) {
	msg := &models.Message{ExternalID: "1700000000.000100", ChannelID: "C1", Text: "hi"}

	assert.Empty(t, msg.ID, "Message ID should be empty before BeforeCreate")

	err := msg.BeforeCreate(nil)

	assert.NoError(t, err)
	parsed, parseErr := uuid.Parse(msg.ID)
	assert.NoError(t, parseErr, "Message ID must be a valid UUID string")
	assert.NotEqual(t, uuid.Nil, parsed)
}

// TestMessageBeforeCreate_PreservesExistingID verifies that the hook doesn't overwrite an existing ID.
func TestMessageBeforeCreate_PreservesExistingID(t *testing.T) {
	existingID := uuid.New().String()
	msg := &models.Message{ID: existingID}

	assert.NoError(t, msg.BeforeCreate(nil))
	assert.Equal(t, existingID, msg.ID)
}

// TestMessageStructTags guards the composite unique index that backs deduplication.
func TestMessageStructTags(t *testing.T) {
	msgType := reflect.TypeOf(models.Message{})

	extField, found := msgType.FieldByName("ExternalID")
	assert.True(t, found)
	assert.Contains(t, extField.Tag.Get("gorm"), "uniqueIndex:ux_messages_external_channel,priority:1")

	chField, found := msgType.FieldByName("ChannelID")
	assert.True(t, found)
	assert.Contains(t, chField.Tag.Get("gorm"), "uniqueIndex:ux_messages_external_channel,priority:2")

	idField, found := msgType.FieldByName("ID")
	assert.True(t, found)
	assert.Contains(t, idField.Tag.Get("gorm"), "primaryKey")
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want pq.StringArray
	}{
		{name: "no mentions", text: "hello there", want: nil},
		{name: "single", text: "ping <@U123>", want: pq.StringArray{"U123"}},
		{name: "with label", text: "<@U9|bob> and <@U10>", want: pq.StringArray{"U9", "U10"}},
		{name: "deduplicated", text: "<@U1> <@U1> <@U2>", want: pq.StringArray{"U1", "U2"}},
		{name: "lowercase ignored", text: "<@u1>", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.ExtractMentions(tt.text))
		})
	}
}

func TestIngestEventBeforeCreate_AssignsULIDAndPending(t *testing.T) {
	ev := &models.IngestEvent{EventType: "message_created"}

	assert.NoError(t, ev.BeforeCreate(nil))

	_, err := ulid.Parse(ev.ID)
	assert.NoError(t, err, "IngestEvent ID must be a ULID")
	assert.Equal(t, models.IngestPending, ev.Status)
}

func TestIngestEventBeforeCreate_KeepsExplicitStatus(t *testing.T) {
	ev := &models.IngestEvent{Status: models.IngestProcessing}

	assert.NoError(t, ev.BeforeCreate(nil))
	assert.Equal(t, models.IngestProcessing, ev.Status)
}

func TestBackfillStatusPredicates(t *testing.T) {
	assert.True(t, models.BackfillQueued.IsActive())
	assert.True(t, models.BackfillRunning.IsActive())
	assert.False(t, models.BackfillCancelled.IsActive())

	for _, s := range []models.BackfillStatus{models.BackfillCompleted, models.BackfillFailed, models.BackfillCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, models.BackfillRunning.IsTerminal())
}

func TestBackfillOperationClone_IsDeep(t *testing.T) {
	done := time.Now()
	op := &models.BackfillOperation{ID: "op1", CompletedAt: &done, Stats: models.BackfillStats{NewMessages: 3}}

	cp := op.Clone()
	cp.Stats.NewMessages = 10
	*cp.CompletedAt = done.Add(time.Hour)

	assert.Equal(t, 3, op.Stats.NewMessages)
	assert.Equal(t, done, *op.CompletedAt)
	assert.Nil(t, (*models.BackfillOperation)(nil).Clone())
}

func TestUserProfileName(t *testing.T) {
	assert.Equal(t, "", (*models.UserProfile)(nil).Name())
	assert.Equal(t, "bob", (&models.UserProfile{DisplayName: "bob", RealName: "Robert"}).Name())
	assert.Equal(t, "Robert", (&models.UserProfile{RealName: "Robert"}).Name())
}
