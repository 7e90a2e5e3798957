package ledger

import (
	"fmt"
	"strings"
)

var keySegmentEscaper = strings.NewReplacer("%", "%25", keySegmentSeparator, "%5F")

// Idempotency key construction.
//
// Every retryable operation derives its key from the operation's natural key, so the same
// request always yields the same key and concurrent duplicates collapse into one charge:
//
//	tip_{fromUserId}_{toUserId}_{requestId}       one tip per client request
//	gift_{fromUserId}_{toUserId}_{requestId}      one gift per client request
//	stream_ticket_{userId}_{streamId}             one ticket per user and stream
//	content_unlock_{userId}_{contentId}           one unlock per user and content item
//	subscription_{userId}_{creatorId}_{period}    one charge per user, creator and period
//	goal_tip_{userId}_{goalId}_{requestId}        one goal tip per client request
//	session_hold_{sessionId}                      one reservation per session
//	payout_hold_{payoutId}                        one reservation per payout
//	hold_settle_{holdId}                          one settlement per hold
//	payout_complete_{payoutId}                    one payout debit per payout
//	payout_refund_{payoutId}                      one compensating credit per payout
//	{purchase|bonus|admin_refund}_{reference}     one grant per upstream reference
//
// The credit side of a transfer uses the debit key with the ":credit" suffix.
// Segments must not be blank and must not contain the ":" delimiter. A "_" or "%" inside a
// segment is percent-encoded, so every key splits back into exactly one list of segments.

// TipKey keys a tip.
func TipKey(from UserID, to UserID, requestID string) (IdempotencyKey, error) {
	return buildKey("tip", from.String(), to.String(), requestID)
}

// GiftKey keys a gift.
func GiftKey(from UserID, to UserID, requestID string) (IdempotencyKey, error) {
	return buildKey("gift", from.String(), to.String(), requestID)
}

// StreamTicketKey keys a ticket purchase for a stream.
func StreamTicketKey(userID UserID, streamID string) (IdempotencyKey, error) {
	return buildKey("stream_ticket", userID.String(), streamID)
}

// ContentUnlockKey keys a content unlock.
func ContentUnlockKey(userID UserID, contentID string) (IdempotencyKey, error) {
	return buildKey("content_unlock", userID.String(), contentID)
}

// SubscriptionKey keys a subscription charge for one billing period.
func SubscriptionKey(userID UserID, creatorID UserID, period string) (IdempotencyKey, error) {
	return buildKey("subscription", userID.String(), creatorID.String(), period)
}

// GoalTipKey keys a tip toward a goal.
func GoalTipKey(userID UserID, goalID string, requestID string) (IdempotencyKey, error) {
	return buildKey("goal_tip", userID.String(), goalID, requestID)
}

// SessionHoldKey keys the reservation of a metered session.
func SessionHoldKey(sessionID string) (IdempotencyKey, error) {
	return buildKey("session_hold", sessionID)
}

// PayoutHoldKey keys the reservation of a payout request.
func PayoutHoldKey(payoutID string) (IdempotencyKey, error) {
	return buildKey("payout_hold", payoutID)
}

// HoldSettleKey keys the entries written when a hold settles.
func HoldSettleKey(holdID HoldID) (IdempotencyKey, error) {
	return buildKey("hold_settle", holdID.String())
}

// PayoutCompleteKey keys the payout debit.
func PayoutCompleteKey(payoutID string) (IdempotencyKey, error) {
	return buildKey("payout_complete", payoutID)
}

// PayoutRefundKey keys the compensating credit of a reversed payout.
func PayoutRefundKey(payoutID string) (IdempotencyKey, error) {
	return buildKey("payout_refund", payoutID)
}

// GrantKey keys a single-sided credit issued from outside the ledger, such as a coin purchase.
func GrantKey(entryType EntryType, reference string) (IdempotencyKey, error) {
	return buildKey(entryType.String(), reference)
}

// CreditKey derives the key of the credit side of a transfer.
func CreditKey(debitKey IdempotencyKey) (IdempotencyKey, error) {
	return deriveIdempotencyKey(debitKey, idempotencySuffixCredit)
}

func buildKey(prefix string, segments ...string) (IdempotencyKey, error) {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, prefix)
	for _, segment := range segments {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" || strings.Contains(trimmed, idempotencyKeyDelimiter) {
			return IdempotencyKey{}, fmt.Errorf("%w: %s segment %q", ErrInvalidKeySegment, prefix, segment)
		}
		parts = append(parts, keySegmentEscaper.Replace(trimmed))
	}
	return NewIdempotencyKey(strings.Join(parts, keySegmentSeparator))
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	if baseKey.IsZero() {
		return IdempotencyKey{}, nil
	}
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
