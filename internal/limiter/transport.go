package limiter

import (
	"net/http"

	"github.com/apmatthews/the-events-calendar/internal/errors"
)

// Transport is an http.RoundTripper that asks the Limiter before every
// request and refuses the ones over quota with an ErrRequestLimit error.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	if t.Limiter != nil && !t.Limiter.AllowRequest(url) {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errors.New(errors.ErrRequestLimit, "request limit reached for this run").
			WithData("url", url).
			WithData("method", req.Method)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client returns an *http.Client whose requests pass through l. A nil base
// uses http.DefaultClient's settings.
func (l *Limiter) Client(base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	client.Transport = &Transport{Limiter: l, Base: client.Transport}
	return client
}
