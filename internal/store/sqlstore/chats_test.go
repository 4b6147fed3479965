package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCreateChat(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner")
	member := createUser(t, s, "member")

	// Given a chat with two members
	chat := createChat(t, s, "General", owner.ID, member.ID)
	req.NotZero(chat.ID)

	// When it is fetched
	got, err := s.GetChat(ctx, chat.ID)

	// Then both members are listed in id order
	req.NoError(err)
	req.Equal("General", got.Name)
	req.Len(got.Members, 2)
	req.Equal(owner.ID, got.Members[0].ID)
	req.Equal(member.ID, got.Members[1].ID)

	exists, err := s.ChatExists(ctx, chat.ID)
	req.NoError(err)
	req.True(exists)

	exists, err = s.ChatExists(ctx, chat.ID+100)
	req.NoError(err)
	req.False(exists)

	_, err = s.GetChat(ctx, chat.ID+100)
	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestCreateChat_UnknownMemberRollsBack(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner")

	chat := &models.Chat{Name: "broken", ChatType: models.ChatGroup, CreatorID: owner.ID}
	err := s.CreateChat(ctx, chat, []int{owner.ID, 4242})
	req.Error(err)

	chats, err := s.GetUserChats(ctx, owner.ID)
	req.NoError(err)
	req.Empty(chats)
}

func TestParticipants(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner")
	other := createUser(t, s, "other")
	chat := createChat(t, s, "Chat 1", owner.ID)

	ok, err := s.IsParticipant(ctx, chat.ID, other.ID)
	req.NoError(err)
	req.False(ok)

	req.NoError(s.AddParticipants(ctx, chat.ID, []int{other.ID}))
	ok, err = s.IsParticipant(ctx, chat.ID, other.ID)
	req.NoError(err)
	req.True(ok)

	// Adding the same member twice conflicts
	req.ErrorIs(s.AddParticipants(ctx, chat.ID, []int{other.ID}), apperr.ErrConflict)

	req.NoError(s.RemoveParticipants(ctx, chat.ID, []int{other.ID}))
	ok, err = s.IsParticipant(ctx, chat.ID, other.ID)
	req.NoError(err)
	req.False(ok)

	members, err := s.GetChatParticipants(ctx, chat.ID)
	req.NoError(err)
	req.Len(members, 1)
	req.Equal("ow***@example.com", members[0].Email)
}

func TestRenameChat(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner")
	chat := createChat(t, s, "Old", owner.ID)

	req.NoError(s.RenameChat(ctx, chat.ID, "New"))
	got, err := s.GetChat(ctx, chat.ID)
	req.NoError(err)
	req.Equal("New", got.Name)
	req.True(got.UpdatedAt.After(got.CreatedAt))

	req.ErrorIs(s.RenameChat(ctx, 999, "x"), apperr.ErrNotFound)
}

func TestGetUserChats(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")

	first := createChat(t, s, "a+b", alice.ID, bob.ID)
	createChat(t, s, "bob only", bob.ID)
	third := createChat(t, s, "alice only", alice.ID)

	chats, err := s.GetUserChats(ctx, alice.ID)
	req.NoError(err)
	req.Len(chats, 2)
	req.Equal(first.ID, chats[0].ID)
	req.Equal(third.ID, chats[1].ID)
}
