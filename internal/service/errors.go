package service

// CreditError signals a policy denial on an operation the caller has already
// committed to. Reason is safe to surface to the end user.
type CreditError struct {
	Reason          string
	RequiredCredits int64
}

func (e *CreditError) Error() string {
	return e.Reason
}
