package internal

import (
	"net/url"
	"strings"
	"time"

	"github.com/tanq16/riptide/utils"
)

type resolvedEntry struct {
	urls []string
	at   time.Time
}

// splitReferer splits a "url<referer" input at the first '<'. The
// prefix is the request URL, the suffix the Referer header value.
func splitReferer(raw string) (string, string) {
	if i := strings.Index(raw, "<"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// resolveURL dispatches one input URL through the handler registered
// for its scheme. Results are cached by input URL for five minutes.
// With no handler the input passes through unchanged; a handler failure
// is logged and treated as an empty list.
func (m *Manager) resolveURL(raw string) []string {
	m.mu.Lock()
	if entry, ok := m.resolveCache[raw]; ok && time.Since(entry.at) < urlResolveExpire {
		urls := entry.urls
		m.mu.Unlock()
		return urls
	}
	m.mu.Unlock()

	log := utils.GetLogger("resolve")
	urlPart, referer := splitReferer(raw)
	var resolved []string
	parsed, err := url.Parse(urlPart)
	if err != nil {
		log.Warn().Err(err).Str("url", urlPart).Msg("Unparseable URL, skipping")
	} else if handler, ok := m.cfg.ProtocolHandlers[parsed.Scheme]; ok {
		urls, err := handler(urlPart)
		if err != nil {
			log.Warn().Err(err).Str("url", urlPart).Msg("Protocol handler failed")
		} else {
			for _, u := range urls {
				if referer != "" {
					u = u + "<" + referer
				}
				resolved = append(resolved, u)
			}
		}
	} else {
		resolved = []string{raw}
	}

	m.mu.Lock()
	m.resolveCache[raw] = resolvedEntry{urls: resolved, at: time.Now()}
	m.mu.Unlock()
	return resolved
}

// resolveURLs concatenates resolveURL over all mirror inputs.
func (m *Manager) resolveURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		out = append(out, m.resolveURL(u)...)
	}
	return out
}
