package realtime

import (
	"context"
	"slices"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
	"github.com/samber/lo"
)

// Receipt carries the full, sorted reader set of a message.
type Receipt struct {
	Message *models.Message
	Readers []int
}

type Tracker struct {
	members  MembershipChecker
	messages MessageStore
	receipts ReceiptStore
}

func NewTracker(members MembershipChecker, messages MessageStore, receipts ReceiptStore) *Tracker {
	return &Tracker{members: members, messages: messages, receipts: receipts}
}

// MarkRead records that userID read messageID. Marking twice is harmless.
func (t *Tracker) MarkRead(ctx context.Context, messageID, userID int) (Receipt, error) {
	return t.mark(ctx, 0, messageID, userID)
}

// MarkReadInChat is MarkRead for a message that must belong to chatID.
func (t *Tracker) MarkReadInChat(ctx context.Context, chatID, messageID, userID int) (Receipt, error) {
	return t.mark(ctx, chatID, messageID, userID)
}

func (t *Tracker) mark(ctx context.Context, chatID, messageID, userID int) (Receipt, error) {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if err != nil {
		return Receipt{}, err
	}
	if chatID != 0 && msg.ChatID != chatID {
		return Receipt{}, apperr.NotFound("message %d in chat %d", messageID, chatID)
	}
	ok, err := t.members.IsParticipant(ctx, msg.ChatID, userID)
	if err != nil {
		return Receipt{}, err
	}
	if !ok {
		return Receipt{}, apperr.Forbidden("user %d is not a member of chat %d", userID, msg.ChatID)
	}

	if err := t.receipts.RecordRead(ctx, messageID, userID); err != nil {
		return Receipt{}, err
	}
	readers, err := t.receipts.ReadersOf(ctx, messageID)
	if err != nil {
		return Receipt{}, err
	}
	readers = lo.Uniq(readers)
	slices.Sort(readers)
	return Receipt{Message: msg, Readers: readers}, nil
}
