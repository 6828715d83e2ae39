package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
)

func TestMessageStoreAppendAssignsSequence(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: "hi"})
	require.NoError(t, err)
	second, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "bob", Text: "hey"})
	require.NoError(t, err)

	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, int64(2), second.Seq)
	require.Equal(t, models.MessageKindText, first.Kind)
	require.NotEqual(t, first.ID, second.ID)
	require.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestMessageStoreAppendValidation(t *testing.T) {
	f := newChatFixture(t, "alice")
	ctx := context.Background()
	other := f.createGroup(t, "alice", "Elsewhere")
	target, err := f.store.Append(ctx, AppendInput{RoomID: other.ID, SenderID: "alice", Text: "over here"})
	require.NoError(t, err)

	cases := map[string]AppendInput{
		"empty":           {RoomID: models.GeneralRoomID, SenderID: "alice", Text: "   "},
		"markup only":     {RoomID: models.GeneralRoomID, SenderID: "alice", Text: "<script>alert(1)</script>"},
		"too long":        {RoomID: models.GeneralRoomID, SenderID: "alice", Text: strings.Repeat("x", 201)},
		"image no media":  {RoomID: models.GeneralRoomID, SenderID: "alice", Kind: models.MessageKindImage, Text: "caption"},
		"unknown kind":    {RoomID: models.GeneralRoomID, SenderID: "alice", Kind: "sticker", Text: "hi"},
		"bad media url":   {RoomID: models.GeneralRoomID, SenderID: "alice", Media: &dto.MediaRef{URL: "not a url"}},
		"foreign replyTo": {RoomID: models.GeneralRoomID, SenderID: "alice", Text: "re", ReplyToID: target.ID},
	}
	for name, input := range cases {
		_, err := f.store.Append(ctx, input)
		require.ErrorIs(t, err, ErrValidation, name)
	}

	_, err = f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: "re", ReplyToID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.Append(ctx, AppendInput{RoomID: "no-such-room", SenderID: "alice", Text: "hello"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageStoreAppendSanitizesAndInfersKind(t *testing.T) {
	f := newChatFixture(t, "alice")
	ctx := context.Background()

	message, err := f.store.Append(ctx, AppendInput{
		RoomID:   models.GeneralRoomID,
		SenderID: "alice",
		Text:     `<b>bold</b><script>alert(1)</script>`,
	})
	require.NoError(t, err)
	require.Equal(t, "<b>bold</b>", message.Text)

	video, err := f.store.Append(ctx, AppendInput{
		RoomID:   models.GeneralRoomID,
		SenderID: "alice",
		Media:    &dto.MediaRef{URL: "https://cdn.example.com/clip.mp4", Category: models.MessageKindVideo},
	})
	require.NoError(t, err)
	require.Equal(t, models.MessageKindVideo, video.Kind)

	doc, err := f.store.Append(ctx, AppendInput{
		RoomID:    models.GeneralRoomID,
		SenderID:  "alice",
		Media:     &dto.MediaRef{URL: "https://cdn.example.com/notes.pdf"},
		ReplyToID: message.ID,
	})
	require.NoError(t, err)
	require.Equal(t, models.MessageKindFile, doc.Kind)
	require.Equal(t, models.MessageKindFile, doc.MediaCategory)
	require.NotNil(t, doc.ReplyToID)
	require.Equal(t, message.ID, *doc.ReplyToID)
}

func TestMessageStoreKeepsPlainTextVerbatim(t *testing.T) {
	f := newChatFixture(t, "alice")
	ctx := context.Background()

	quoted := strings.Repeat("'", 200)
	message, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: quoted})
	require.NoError(t, err)
	require.Equal(t, quoted, message.Text)

	_, err = f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: quoted + "'"})
	require.ErrorIs(t, err, ErrValidation)

	text := `Tom & Jerry's "show" 2 < 3`
	message, err = f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: text})
	require.NoError(t, err)
	require.Equal(t, text, message.Text)

	stored, err := f.store.Get(ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, text, stored.Text)

	edited, err := f.store.Edit(ctx, message.ID, "alice", "Fish & chips")
	require.NoError(t, err)
	require.Equal(t, "Fish & chips", edited.Text)
}

func TestMessageStoreListPages(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	newest, err := f.store.List(ctx, models.GeneralRoomID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(5), newest.Total)
	require.Len(t, newest.Messages, 2)
	require.Equal(t, "m4", newest.Messages[0].Text)
	require.Equal(t, "m5", newest.Messages[1].Text)
	require.NotNil(t, newest.Messages[0].Sender)
	require.Equal(t, "Alice", newest.Messages[0].Sender.DisplayName)

	oldest, err := f.store.List(ctx, models.GeneralRoomID, 3, 2)
	require.NoError(t, err)
	require.Len(t, oldest.Messages, 1)
	require.Equal(t, "m1", oldest.Messages[0].Text)

	_, err = f.store.MarkRead(ctx, newest.Messages[1].ID, "bob")
	require.NoError(t, err)
	defaults, err := f.store.List(ctx, models.GeneralRoomID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, defaults.Page)
	require.Equal(t, 20, defaults.PageSize)
	require.Len(t, defaults.Messages, 5)
	require.Contains(t, defaults.Messages[4].ReadBy, "bob")
}

func TestMessageStoreReceiptsAreMonotonic(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	ctx := context.Background()
	message, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: "ping"})
	require.NoError(t, err)

	status, err := f.store.Status(ctx, message.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, dto.MessageStatusSent, status)

	changed, err := f.store.MarkRead(ctx, message.ID, "bob")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.store.MarkDelivered(ctx, message.ID, "bob")
	require.NoError(t, err)
	require.False(t, changed)

	status, err = f.store.Status(ctx, message.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, dto.MessageStatusRead, status)

	changed, err = f.store.MarkRead(ctx, message.ID, "alice")
	require.NoError(t, err)
	require.False(t, changed)

	readBy, err := f.store.ReadBy(ctx, message.ID)
	require.NoError(t, err)
	require.Len(t, readBy, 1)
	require.Contains(t, readBy, "bob")

	_, err = f.store.Status(ctx, "missing", "bob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageStoreEditAndSoftDelete(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	ctx := context.Background()
	message, err := f.store.Append(ctx, AppendInput{
		RoomID:   models.GeneralRoomID,
		SenderID: "alice",
		Text:     "look",
		Media:    &dto.MediaRef{URL: "https://cdn.example.com/a.png", Category: models.MessageKindImage},
	})
	require.NoError(t, err)

	_, err = f.store.Edit(ctx, message.ID, "alice", strings.Repeat("y", 201))
	require.ErrorIs(t, err, ErrValidation)

	edited, err := f.store.Edit(ctx, message.ID, "alice", "")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)
	require.Empty(t, edited.Text)

	_, err = f.store.SoftDelete(ctx, message.ID, "bob")
	require.ErrorIs(t, err, ErrForbidden)

	deleted, err := f.store.SoftDelete(ctx, message.ID, "alice")
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Empty(t, deleted.MediaURL)

	_, err = f.store.Edit(ctx, message.ID, "alice", "undo")
	require.ErrorIs(t, err, ErrNotFound)

	history, err := f.store.List(ctx, models.GeneralRoomID, 1, 10)
	require.NoError(t, err)
	require.Empty(t, history.Messages)

	next, err := f.store.Append(ctx, AppendInput{RoomID: models.GeneralRoomID, SenderID: "alice", Text: "again"})
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Seq)
}
