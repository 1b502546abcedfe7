package catalog

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/content_delivery/internal/content"
)

const amzDateLayout = "20060102T150405Z"

// URLExpiry decodes the expiry of a signed URL. It understands AWS SigV4
// (X-Amz-Date + X-Amz-Expires), GCS V4 (X-Goog-Date + X-Goog-Expires),
// SigV2/CloudFront (Expires + Signature) and Azure SAS (se + sig). ok is
// false for unsigned or unparsable URLs.
func URLExpiry(raw string) (time.Time, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return time.Time{}, false
	}

	q := u.Query()

	for _, prefix := range []string{"x-amz-", "x-goog-"} {
		if t, ok := v4Expiry(q, prefix); ok {
			return t, true
		}
	}

	if expires, ok := param(q, "expires"); ok && (has(q, "signature") || has(q, "key-pair-id")) {
		secs, err := strconv.ParseInt(expires, 10, 64)
		if err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
	}

	if se, ok := param(q, "se"); ok && has(q, "sig") {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z", "2006-01-02"} {
			if t, err := time.Parse(layout, se); err == nil {
				return t.UTC(), true
			}
		}
	}

	return time.Time{}, false
}

func v4Expiry(q url.Values, prefix string) (time.Time, bool) {
	date, ok := param(q, prefix+"date")
	if !ok {
		return time.Time{}, false
	}

	expires, ok := param(q, prefix+"expires")
	if !ok {
		return time.Time{}, false
	}

	signedAt, err := time.Parse(amzDateLayout, date)
	if err != nil {
		return time.Time{}, false
	}

	secs, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, false
	}

	return signedAt.Add(time.Duration(secs) * time.Second), true
}

// ManifestExpiry returns the earliest signed-URL expiry among m's locations.
func ManifestExpiry(m *content.Manifest) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)

	for _, loc := range m.Locations() {
		t, ok := URLExpiry(loc.URL)
		if !ok {
			continue
		}

		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}

	return earliest, found
}

// param looks a query parameter up case-insensitively.
func param(q url.Values, name string) (string, bool) {
	for k, v := range q {
		if strings.EqualFold(k, name) && len(v) > 0 && v[0] != "" {
			return v[0], true
		}
	}

	return "", false
}

func has(q url.Values, name string) bool {
	_, ok := param(q, name)

	return ok
}
