package domain

import "errors"

// 错误按来源分组：validation / state / economic / liquidity / transfer。
// 所有错误都是同步、立即、不可重试的；调用方用 errors.Is 区分原因分支。

// validation errors
var (
	ErrInvalidResolver    = errors.New("invalid resolver address")
	ErrInvalidReceiver    = errors.New("invalid receiver address")
	ErrInvalidCloseTime   = errors.New("close time must be strictly in the future")
	ErrZeroAmount         = errors.New("zero amount")
	ErrCollateralTooSmall = errors.New("collateral below one-share minimum")
	ErrWrongCollateral    = errors.New("wrong collateral type for market")
	ErrBadDecimals        = errors.New("collateral decimals probe failed or out of range")
)

// state errors
var (
	ErrMarketNotFound  = errors.New("market not found")
	ErrMarketExists    = errors.New("market already exists")
	ErrMarketClosed    = errors.New("market closed or resolved")
	ErrMarketNotClosed = errors.New("market not yet closed")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrNotResolved     = errors.New("market not resolved")
	ErrNotResolver     = errors.New("caller is not the market resolver")
	ErrFeeTooHigh      = errors.New("resolver fee exceeds system cap")
	ErrNotClosable     = errors.New("market was not created closable")
	ErrFinalized       = errors.New("market already finalized")
)

// economic errors
var (
	ErrSlippage          = errors.New("insufficient output amount")
	ErrExcessiveInput    = errors.New("excessive input amount")
	ErrPriceImpact       = errors.New("price impact beyond guard")
	ErrHalted            = errors.New("trading halted by fee hook")
	ErrDeadlineExpired   = errors.New("deadline expired")
	ErrCollateralCeiling = errors.New("collateral amount beyond safety ceiling")
)

// liquidity errors
var (
	ErrZeroVaultShares       = errors.New("zero vault shares")
	ErrMarketNotRegistered   = errors.New("market not registered with router")
	ErrCooldownActive        = errors.New("withdrawal cooldown not yet elapsed")
	ErrNoVaultPosition       = errors.New("caller holds no vault shares")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity across venues")
	ErrTWAPInterval          = errors.New("twap minimum update interval not elapsed")
	ErrPoolExists            = errors.New("pool already registered for market")
)

// transfer errors
var (
	ErrTransferFailed        = errors.New("collateral transfer failed")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrPermitRejected        = errors.New("permit rejected by asset")
)
