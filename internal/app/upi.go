package app

import (
	"net/url"
	"strconv"
)

// BuildUPILink assembles a upi://pay deep link. The amount is the exact book
// price in whole rupees; payment apps refuse mismatched amounts at
// verification time, so no rounding or fees are ever applied here.
func BuildUPILink(payeeUPIID, payeeName string, amount int64, currency, note string) string {
	q := url.Values{}
	q.Set("pa", payeeUPIID)
	q.Set("pn", payeeName)
	q.Set("am", strconv.FormatInt(amount, 10))
	q.Set("cu", currency)
	if note != "" {
		q.Set("tn", note)
	}
	return "upi://pay?" + q.Encode()
}
