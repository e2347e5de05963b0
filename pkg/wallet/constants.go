package wallet

import "time"

const (
	operationCreate         = "create"
	operationUpdate         = "update"
	operationSuspend        = "suspend"
	operationActivate       = "activate"
	operationClose          = "close"
	operationDeduct         = "deduct"
	operationRefund         = "refund"
	operationReserve        = "reserve"
	operationSettle         = "settle"
	operationRelease        = "release"
	operationTopUp          = "top_up"
	operationReset          = "reset"
	operationReleaseExpired = "release_expired"
	operationChargeback     = "chargeback"
	operationVerify         = "verify"

	operationStatusOK     = "ok"
	operationStatusDenied = "denied"
	operationStatusError  = "error"

	subjectWallet      = "wallet"
	subjectTransaction = "transaction"
	subjectReservation = "reservation"
	subjectHierarchy   = "hierarchy"
	subjectReport      = "report"

	codeInvalid        = "invalid"
	codeNotFound       = "not_found"
	codeNotActive      = "not_active"
	codeClosed         = "closed"
	codeHardLimit      = "hard_limit"
	codeHierarchyLimit = "hierarchy_limit"
	codeCycle          = "cycle"
	codeConflict       = "idempotency_conflict"

	maxHierarchyDepth             = 16
	defaultReservationTTL         = 15 * time.Minute
	defaultExpiredReservationPage = 100
)
