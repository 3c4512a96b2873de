package portal

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	WebBaseURL = "https://buscador.mercadopublico.cl"
	APIBaseURL = "https://api.buscador.mercadopublico.cl"

	// ListingAPIPath identifies listing API calls in captured network traffic.
	ListingAPIPath = "api.buscador.mercadopublico.cl/compra-agil"

	PageNumberParam = "page_number"
	CodeParam       = "code"

	// The listing API host also serves the detail; action selects it.
	ActionParam  = "action"
	DetailAction = "ficha"

	statusPublished = "2"
	orderRecent     = "recent"
	defaultRegion   = "all"
)

// baseParams are always sent and cannot be replaced by caller filters.
var baseParams = []string{"status", "order_by", PageNumberParam}

// ListingURL builds the listing page URL for the given page and filters.
func ListingURL(page int, filters map[string]string) string {
	values := map[string]string{
		"status":        statusPublished,
		"order_by":      orderRecent,
		PageNumberParam: strconv.Itoa(page),
	}

	var extra []string
	for k, v := range filters {
		if _, fixed := values[k]; fixed || k == "" {
			continue
		}
		values[k] = v
		extra = append(extra, k)
	}
	sort.Strings(extra)

	keys := append(append([]string{}, baseParams...), extra...)
	if _, ok := values["region"]; !ok {
		values["region"] = defaultRegion
		keys = append(keys, "region")
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(values[k]))
	}

	return WebBaseURL + "/compra-agil?" + strings.Join(parts, "&")
}

// DetailPageURL is the public detail ("ficha") page of a tender.
func DetailPageURL(code string) string {
	return fmt.Sprintf("%s/ficha?%s=%s", WebBaseURL, CodeParam, url.QueryEscape(code))
}

// DetailAPIURL is the API call the detail page issues for a tender.
func DetailAPIURL(code string) string {
	return fmt.Sprintf("%s/compra-agil?%s=%s&%s=%s", APIBaseURL, ActionParam, DetailAction, CodeParam, url.QueryEscape(code))
}
