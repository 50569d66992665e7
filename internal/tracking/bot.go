package tracking

import "strings"

// BotDetector filters automated open hits (link scanners, mail provider
// prefetch proxies) so they do not inflate open counts.
type BotDetector struct {
	patterns []string
}

func NewBotDetector() *BotDetector {
	return &BotDetector{
		patterns: []string{
			"bot", "crawler", "spider", "slurp", "googlebot", "bingbot",
			"yahoo", "baidu", "yandex", "preview", "proxy", "scanner",
			"googleimageproxy",
		},
	}
}

// IsBot reports whether the user agent looks automated. An empty UA counts
// as a bot: real mail clients always send one.
func (bd *BotDetector) IsBot(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, p := range bd.patterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}
