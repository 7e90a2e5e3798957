package ledger

const (
	operationTransfer    = "transfer"
	operationCredit      = "credit"
	operationDebit       = "debit"
	operationCreateHold  = "create_hold"
	operationSettleHold  = "settle_hold"
	operationReleaseHold = "release_hold"
	operationReconcile   = "reconcile"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixCredit = "credit"
	keySegmentSeparator     = "_"

	defaultListLimit   = 50
	maximumListLimit   = 500
	reconcilePageLimit = 200
)
