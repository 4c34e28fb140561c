package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ChatSession{}, &ChatMessage{}, &FullAnalysisResult{}, &SessionState{}))

	return NewStore(db)
}

func seedConversation(t *testing.T, store *Store, messageCount int) (*ChatSession, []ChatMessage) {
	t.Helper()
	ctx := context.Background()

	personaID := uint64(3)
	session, err := store.CreateSession(ctx, NewSessionInput{
		UserID:    1,
		CardID:    2,
		PersonaID: &personaID,
		Title:     "Forest Tavern",
	})
	require.NoError(t, err)

	messages := make([]ChatMessage, 0, messageCount)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < messageCount; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msg, err := store.AppendMessage(ctx, session.ID, role, "line", nil)
		require.NoError(t, err)

		// Spread timestamps so prefix selection by time is unambiguous.
		stamped := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.db.Model(&ChatMessage{}).
			Where("id = ?", msg.ID).
			Update("created_at", stamped).Error)
		msg.CreatedAt = stamped
		messages = append(messages, *msg)
	}
	return session, messages
}

func seedSnapshot(t *testing.T, store *Store, messageID, sessionID uint64) AnalysisPayload {
	t.Helper()

	payload := AnalysisPayload{
		CachedFacts:   datatypes.JSON(`["knows the innkeeper"]`),
		Relationships: datatypes.JSON(`{"innkeeper":"friendly"}`),
		ActiveEvents:  datatypes.JSON(`["harvest festival"]`),
	}
	_, err := store.SaveAnalysisSnapshot(context.Background(), messageID, sessionID, payload)
	require.NoError(t, err)
	return payload
}

func TestCreateBranchCopiesPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, messages := seedConversation(t, store, 6)
	branchPoint := messages[3]
	seedSnapshot(t, store, branchPoint.ID, session.ID)

	branch, err := store.CreateBranch(ctx, branchPoint.ID)
	require.NoError(t, err)
	require.NotEqual(t, session.ID, branch.ID)

	assert.Equal(t, session.CardID, branch.CardID)
	assert.Equal(t, session.PersonaID, branch.PersonaID)
	assert.Equal(t, "Forest Tavern (branch)", branch.Title)

	copied, err := store.ListMessages(ctx, branch.ID, 0)
	require.NoError(t, err)
	require.Len(t, copied, 4)
	for i, msg := range copied {
		assert.Equal(t, messages[i].Seq, msg.Seq)
		assert.Equal(t, messages[i].Role, msg.Role)
		assert.Equal(t, messages[i].Content, msg.Content)
	}

	// The original session log is untouched.
	original, err := store.ListMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, original, 6)
}

func TestCreateBranchRehydratesState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, messages := seedConversation(t, store, 3)
	branchPoint := messages[2]
	payload := seedSnapshot(t, store, branchPoint.ID, session.ID)

	branch, err := store.CreateBranch(ctx, branchPoint.ID)
	require.NoError(t, err)

	state, err := store.GetState(ctx, branch.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload.CachedFacts), string(state.CachedFacts))
	assert.JSONEq(t, string(payload.Relationships), string(state.Relationships))
	assert.JSONEq(t, string(payload.ActiveEvents), string(state.ActiveEvents))
}

func TestCreateBranchMissingMessage(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateBranch(context.Background(), 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCreateBranchWithoutSnapshotLeavesNoPartialSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, messages := seedConversation(t, store, 4)

	var before int64
	require.NoError(t, store.db.Model(&ChatSession{}).Count(&before).Error)

	_, err := store.CreateBranch(ctx, messages[1].ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var after int64
	require.NoError(t, store.db.Model(&ChatSession{}).Count(&after).Error)
	assert.Equal(t, before, after)

	var orphans int64
	require.NoError(t, store.db.Model(&ChatMessage{}).
		Where("session_id NOT IN (?)", store.db.Model(&ChatSession{}).Select("id")).
		Count(&orphans).Error)
	assert.Zero(t, orphans)
}

func TestCreateBranchMissingOwningSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, messages := seedConversation(t, store, 2)
	seedSnapshot(t, store, messages[1].ID, session.ID)

	require.NoError(t, store.db.Delete(&ChatSession{}, "id = ?", session.ID).Error)

	_, err := store.CreateBranch(ctx, messages[1].ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionIntegrity)
}

func TestAppendMessageAssignsSequentialSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, NewSessionInput{UserID: 1, CardID: 2})
	require.NoError(t, err)

	first, err := store.AppendMessage(ctx, session.ID, "user", "hello", nil)
	require.NoError(t, err)
	second, err := store.AppendMessage(ctx, session.ID, "assistant", "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)
}

func TestSaveAnalysisSnapshotIsImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, messages := seedConversation(t, store, 1)

	first, err := store.SaveAnalysisSnapshot(ctx, messages[0].ID, session.ID, AnalysisPayload{
		CachedFacts: datatypes.JSON(`["original"]`),
	})
	require.NoError(t, err)

	second, err := store.SaveAnalysisSnapshot(ctx, messages[0].ID, session.ID, AnalysisPayload{
		CachedFacts: datatypes.JSON(`["rewrite attempt"]`),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))
}
