package dto

// TrackActivityRequest is the body for activity metering calls.
type TrackActivityRequest struct {
	ActivityType string `json:"activity_type"`
}

// ExecuteTradeRequest is the body for charging an executed trade.
type ExecuteTradeRequest struct {
	OrderID     string  `json:"order_id" validate:"required"`
	TradeAmount float64 `json:"trade_amount" validate:"required,gt=0"`
}

// TradeDeniedResponse is returned when a trade deduction is blocked.
type TradeDeniedResponse struct {
	Error           string `json:"error"`
	RequiredCredits int64  `json:"required_credits"`
}
