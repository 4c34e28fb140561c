package variants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fabula_back/sessions"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&sessions.ChatSession{}, &sessions.ChatMessage{},
		&sessions.FullAnalysisResult{}, &sessions.SessionState{},
		&TempMessageVariant{}, &TempVariantMemory{}, &TempVariantAnalysis{},
	))

	return NewLedger(db, sessions.NewStore(db), nil)
}

func seedVariant(t *testing.T, ledger *Ledger) *TempMessageVariant {
	t.Helper()
	ctx := context.Background()

	session, err := ledger.sessions.CreateSession(ctx, sessions.NewSessionInput{UserID: 1, CardID: 2})
	require.NoError(t, err)
	message, err := ledger.sessions.AppendMessage(ctx, session.ID, "user", "tell me about the tavern", nil)
	require.NoError(t, err)

	variant, err := ledger.CreateVariant(ctx, session.ID, message.ID, "The tavern smells of pine and woodsmoke.")
	require.NoError(t, err)
	return variant
}

func TestDiscardCascades(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	_, err := ledger.AttachMemory(ctx, variant.ID, variant.SessionID, "ref-1", "the innkeeper's name is Brona", nil)
	require.NoError(t, err)
	_, err = ledger.AttachMemory(ctx, variant.ID, variant.SessionID, "ref-2", "the tavern sits at a crossroads", nil)
	require.NoError(t, err)
	_, err = ledger.AttachAnalysis(ctx, variant.ID, variant.SessionID, datatypes.JSON(`{"mood":"calm"}`), "tell me", "The tavern...", nil)
	require.NoError(t, err)

	require.NoError(t, ledger.Discard(ctx, variant.ID))

	var memories, analyses, variants int64
	require.NoError(t, ledger.db.Model(&TempVariantMemory{}).Where("variant_id = ?", variant.ID).Count(&memories).Error)
	require.NoError(t, ledger.db.Model(&TempVariantAnalysis{}).Where("variant_id = ?", variant.ID).Count(&analyses).Error)
	require.NoError(t, ledger.db.Model(&TempMessageVariant{}).Where("id = ?", variant.ID).Count(&variants).Error)
	assert.Zero(t, memories)
	assert.Zero(t, analyses)
	assert.Zero(t, variants)
}

func TestDiscardMissingVariantIsNoOp(t *testing.T) {
	ledger := newTestLedger(t)

	require.NoError(t, ledger.Discard(context.Background(), 999))
	require.NoError(t, ledger.Discard(context.Background(), 999))
}

func TestAttachToMissingVariant(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AttachMemory(ctx, 999, 1, "ref", "content", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = ledger.AttachAnalysis(ctx, 999, 1, datatypes.JSON(`{}`), "", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAttachAnalysisReplacesPrevious(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	_, err := ledger.AttachAnalysis(ctx, variant.ID, variant.SessionID, datatypes.JSON(`{"take":1}`), "", "", nil)
	require.NoError(t, err)
	second, err := ledger.AttachAnalysis(ctx, variant.ID, variant.SessionID, datatypes.JSON(`{"take":2}`), "", "", nil)
	require.NoError(t, err)

	var count int64
	require.NoError(t, ledger.db.Model(&TempVariantAnalysis{}).Where("variant_id = ?", variant.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.JSONEq(t, `{"take":2}`, string(second.Payload))
}

func TestCommitPromotesVariantAndCleansUp(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)
	_, err := ledger.AttachMemory(ctx, variant.ID, variant.SessionID, "ref-1", "grounding", nil)
	require.NoError(t, err)

	message, err := ledger.Commit(ctx, variant.ID)
	require.NoError(t, err)
	assert.Equal(t, "assistant", message.Role)
	assert.Equal(t, variant.Content, message.Content)
	assert.Equal(t, variant.SessionID, message.SessionID)

	var remaining int64
	require.NoError(t, ledger.db.Model(&TempMessageVariant{}).Where("id = ?", variant.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)

	var memories int64
	require.NoError(t, ledger.db.Model(&TempVariantMemory{}).Where("variant_id = ?", variant.ID).Count(&memories).Error)
	assert.Zero(t, memories)
}
