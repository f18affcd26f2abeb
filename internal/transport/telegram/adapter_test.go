package telegram

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yee94/takopi/internal/ratelimit"
	"github.com/yee94/takopi/internal/transport"
)

// mockBotClient records calls and returns scripted results.
type mockBotClient struct {
	sendParams   []*bot.SendMessageParams
	sendErr      error
	sendErrOnce  bool
	editParams   []*bot.EditMessageTextParams
	editErr      error
	deleteParams []*bot.DeleteMessageParams
	nextID       int
}

func (m *mockBotClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	// Record a snapshot: the adapter reuses the params struct when it
	// retries, so storing the pointer would alias later mutations.
	recorded := *params
	m.sendParams = append(m.sendParams, &recorded)
	if m.sendErr != nil {
		err := m.sendErr
		if m.sendErrOnce {
			m.sendErr = nil
		}
		return nil, err
	}
	m.nextID++
	return &models.Message{ID: m.nextID}, nil
}

func (m *mockBotClient) EditMessageText(_ context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	recorded := *params
	m.editParams = append(m.editParams, &recorded)
	if m.editErr != nil {
		return nil, m.editErr
	}
	return &models.Message{ID: params.MessageID}, nil
}

func (m *mockBotClient) DeleteMessage(_ context.Context, params *bot.DeleteMessageParams) (bool, error) {
	m.deleteParams = append(m.deleteParams, params)
	return true, nil
}

func testAdapter(t *testing.T) (*Adapter, *mockBotClient) {
	t.Helper()
	a, err := NewAdapter(Config{
		Token:     "123:abc",
		RateLimit: ratelimit.Config{Enabled: false},
	})
	require.NoError(t, err)
	mock := &mockBotClient{}
	a.client = mock
	return a, mock
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate(), "token is required")

	cfg = Config{Token: "123:abc"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.UpdateBuffer)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestSendBuildsParams(t *testing.T) {
	a, mock := testAdapter(t)

	ref, err := a.Send(context.Background(), "42",
		transport.RenderedMessage{Text: "hello", Extra: map[string]any{"parse_mode": "Markdown"}},
		&transport.SendOptions{
			ReplyTo:  &transport.MessageRef{Channel: "42", ID: "7"},
			Notify:   false,
			ThreadID: "9",
		})
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "42", ref.Channel)
	assert.Equal(t, "1", ref.ID)

	require.Len(t, mock.sendParams, 1)
	params := mock.sendParams[0]
	assert.Equal(t, int64(42), params.ChatID)
	assert.Equal(t, "hello", params.Text)
	assert.Equal(t, models.ParseMode("Markdown"), params.ParseMode)
	assert.True(t, params.DisableNotification)
	require.NotNil(t, params.ReplyParameters)
	assert.Equal(t, 7, params.ReplyParameters.MessageID)
	assert.Equal(t, 9, params.MessageThreadID)
}

func TestSendRetriesPlainOnParseFailure(t *testing.T) {
	a, mock := testAdapter(t)
	mock.sendErr = errors.New("Bad Request: can't parse entities")
	mock.sendErrOnce = true

	ref, err := a.Send(context.Background(), "42",
		transport.RenderedMessage{Text: "_broken", Extra: map[string]any{"parse_mode": "Markdown"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, ref)

	require.Len(t, mock.sendParams, 2)
	assert.Equal(t, models.ParseMode("Markdown"), mock.sendParams[0].ParseMode)
	assert.Equal(t, models.ParseMode(""), mock.sendParams[1].ParseMode)
}

func TestSendRejectsBadChannel(t *testing.T) {
	a, _ := testAdapter(t)
	_, err := a.Send(context.Background(), "not-a-chat", transport.RenderedMessage{Text: "x"}, nil)
	assert.Error(t, err)
}

func TestEditAndDelete(t *testing.T) {
	a, mock := testAdapter(t)
	ref := transport.MessageRef{Channel: "42", ID: "5"}

	got, err := a.Edit(context.Background(), ref, transport.RenderedMessage{Text: "updated"}, true)
	require.NoError(t, err)
	assert.Equal(t, ref, *got)
	require.Len(t, mock.editParams, 1)
	assert.Equal(t, 5, mock.editParams[0].MessageID)

	ok, err := a.Delete(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, mock.deleteParams, 1)
	assert.Equal(t, int64(42), mock.deleteParams[0].ChatID)
}

func TestFireAndForgetEdit(t *testing.T) {
	a, mock := testAdapter(t)
	ref := transport.MessageRef{Channel: "42", ID: "5"}

	got, err := a.Edit(context.Background(), ref, transport.RenderedMessage{Text: "later"}, false)
	require.NoError(t, err)
	assert.Equal(t, ref, *got)

	a.wg.Wait()
	assert.Len(t, mock.editParams, 1)
}

func TestHandleUpdateConversion(t *testing.T) {
	a, _ := testAdapter(t)

	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   10,
			Text: "/codex hello",
			Chat: models.Chat{ID: 42},
			From: &models.User{ID: 1, Username: "alice"},
			ReplyToMessage: &models.Message{
				ID:   9,
				Text: "previous answer\n`codex resume T1`",
			},
			IsTopicMessage:  true,
			MessageThreadID: 3,
		},
	})

	select {
	case got := <-a.Updates():
		assert.Equal(t, "42", got.Channel)
		assert.Equal(t, "10", got.MessageID)
		assert.Equal(t, "/codex hello", got.Text)
		assert.Equal(t, "9", got.ReplyToID)
		assert.Contains(t, got.ReplyText, "codex resume T1")
		assert.Equal(t, "3", got.ThreadID)
		assert.Equal(t, "alice", got.Sender)
	default:
		t.Fatal("expected an update")
	}
}

func TestHandleUpdateFiltersSenders(t *testing.T) {
	a, err := NewAdapter(Config{
		Token:        "123:abc",
		AllowedUsers: []string{"alice", "777"},
		RateLimit:    ratelimit.Config{Enabled: false},
	})
	require.NoError(t, err)

	send := func(user *models.User) {
		a.handleUpdate(context.Background(), nil, &models.Update{
			Message: &models.Message{ID: 1, Text: "hi", Chat: models.Chat{ID: 42}, From: user},
		})
	}

	send(&models.User{ID: 2, Username: "mallory"})
	assert.Empty(t, a.updates)

	send(&models.User{ID: 1, Username: "alice"})
	assert.Len(t, a.updates, 1)

	// Numeric id allowlisting.
	send(&models.User{ID: 777})
	assert.Len(t, a.updates, 2)
}

func TestIncomingRefRoundTrip(t *testing.T) {
	incoming := transport.Incoming{Channel: "42", MessageID: strconv.Itoa(10)}
	assert.Equal(t, transport.MessageRef{Channel: "42", ID: "10"}, incoming.Ref())
}
