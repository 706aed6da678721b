package credits

const (
	operationTopUp   = "topup"
	operationPreauth = "preauth"
	operationRelease = "release"
	operationSettle  = "settle"
	operationReclaim = "reclaim"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonTopUp          = "topup"
	reasonPreauth        = "preauth"
	reasonRelease        = "release"
	reasonCaptureReverse = "capture"
	reasonExpire         = "expire"
	reasonSettlement     = "settlement"

	defaultCurrency = "USD"

	// Holds reclaimed per sweep iteration.
	reclaimBatchSize = 100
)
