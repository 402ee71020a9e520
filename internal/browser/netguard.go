package browser

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RequestFilter decides whether a request leaving the page may proceed.
type RequestFilter func(rawURL string) (allowed bool, reason string)

// guardPage intercepts every request of page and fails the ones the filter
// rejects, so redirects and sub-resources obey the same destination policy
// as the initial navigation.
func guardPage(page *rod.Page, filter RequestFilter, onBlocked func(rawURL, reason string)) (*rod.HijackRouter, error) {
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		u := h.Request.URL().String()
		if ok, reason := filter(u); !ok {
			if onBlocked != nil {
				onBlocked(u, reason)
			}
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		_ = router.Stop()
		return nil, err
	}
	go router.Run()
	return router, nil
}
