package gmail

import "google.golang.org/api/googleapi"

// gmailHTTPStatus extracts the HTTP status code from a googleapi.Error, or
// 0 if err is not one (e.g. a context deadline or dial error).
func gmailHTTPStatus(err error) int {
	if gerr, ok := err.(*googleapi.Error); ok {
		return gerr.Code
	}
	return 0
}
