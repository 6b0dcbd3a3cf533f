package httpapi

import (
	"regexp"
	"strconv"

	"github.com/user/inspect-gateway/internal/apierr"
	"github.com/user/inspect-gateway/internal/queue"
)

var (
	reS = regexp.MustCompile(`S(\d+)`)
	reA = regexp.MustCompile(`A(\d+)`)
	reD = regexp.MustCompile(`D(\d+)`)
	reM = regexp.MustCompile(`M(\d+)`)

	allDigits = regexp.MustCompile(`^\d+$`)
)

// parseInspectURL extracts the S/A/D/M components from a pre-formed
// inspect link (spec.md §6 "Inspect link format").
func parseInspectURL(raw string) (queue.LinkRequest, *apierr.Error) {
	a := reA.FindStringSubmatch(raw)
	d := reD.FindStringSubmatch(raw)
	if a == nil || d == nil {
		return queue.LinkRequest{}, apierr.New(apierr.KindInvalidInspect, "inspect link missing asset id or d parameter")
	}

	link := queue.LinkRequest{AssetID: a[1], D: d[1]}
	if m := reM.FindStringSubmatch(raw); m != nil {
		link.Market = m[1]
	} else if s := reS.FindStringSubmatch(raw); s != nil {
		link.Owner = s[1]
	} else {
		return queue.LinkRequest{}, apierr.New(apierr.KindInvalidInspect, "inspect link missing owner or market id")
	}
	return link, nil
}

// resolveDiscreteLink builds a LinkRequest from the discrete s/a/d/m query
// parameters, per spec.md §6.
func resolveDiscreteLink(s, a, d, m string) (queue.LinkRequest, *apierr.Error) {
	if a == "" || d == "" || (s == "" && m == "") {
		return queue.LinkRequest{}, apierr.New(apierr.KindInvalidInspect, "missing required inspect parameters")
	}
	link := queue.LinkRequest{AssetID: a, D: d}
	if m != "" {
		link.Market = m
	} else {
		link.Owner = s
	}
	return link, nil
}

// resolvePrice implements spec.md §6 "Price submission": a price is
// accepted only when a price key is configured and matches, the price is
// all-digits, and the link is a market link. An unmet condition silently
// drops the price rather than failing the request.
func resolvePrice(link *queue.LinkRequest, priceStr, submittedKey, configuredKey string) {
	if configuredKey == "" || submittedKey != configuredKey {
		return
	}
	if !allDigits.MatchString(priceStr) {
		return
	}
	if link.Market == "" {
		return
	}
	if v, err := strconv.ParseInt(priceStr, 10, 64); err == nil {
		link.Price = &v
	}
}
