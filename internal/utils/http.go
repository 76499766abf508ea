package utils

import (
	"net/url"
)

// HttpRes is the JSON body of every error response.
type HttpRes struct {
	Message    string `json:"message,omitempty" example:"origin not allowed"`
	StatusCode int    `json:"statusCode,omitempty" example:"403"`
}

func HttpResError(errMsg string, statusCode int) (int, HttpRes) {
	return statusCode, HttpRes{
		Message:    errMsg,
		StatusCode: statusCode,
	}
}

// ExtractOrigin reduces an Origin or Referer value to scheme://host[:port].
// Values that are not absolute URLs, such as "null" sent by sandboxed
// pages, are returned unchanged.
func ExtractOrigin(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
