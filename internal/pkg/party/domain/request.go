package domain

// JoinRequest is a pending ask-to-join submitted to a restricted party. It
// exists only while pending: accepting or rejecting removes it.
type JoinRequest struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
