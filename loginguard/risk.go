package loginguard

import (
	"regexp"
	"strings"
)

// Risk is a heuristic assessment of a login attempt. It is advisory: the
// guard logs it but never blocks on it.
type Risk struct {
	Score   int      `json:"score"`
	Level   string   `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
}

// Risk reasons.
const (
	RiskHighIPVolume     = "high_ip_volume"
	RiskMissingUserAgent = "missing_user_agent"
	RiskAutomationAgent  = "automation_user_agent"
)

var automationAgent = regexp.MustCompile(`(?i)(bot|crawl|spider|scrapy|curl|wget|python-requests|python-urllib|go-http-client|java/|okhttp|libwww|httpclient|headless|phantomjs|selenium|puppeteer|playwright)`)

// AssessRisk scores an attempt from the recent attempt volume of its IP and
// its user agent.
func (g *Guard) AssessRisk(ipAttempts int64, userAgent string) Risk {
	var r Risk
	if ipAttempts >= g.cfg.SuspiciousIPVolume {
		r.Score += 40
		r.Reasons = append(r.Reasons, RiskHighIPVolume)
	}
	ua := strings.TrimSpace(userAgent)
	switch {
	case ua == "":
		r.Score += 30
		r.Reasons = append(r.Reasons, RiskMissingUserAgent)
	case automationAgent.MatchString(ua):
		r.Score += 30
		r.Reasons = append(r.Reasons, RiskAutomationAgent)
	}
	if ipAttempts >= g.cfg.IPMaxAttempts {
		r.Score += 30
	}
	r.Score = min(r.Score, 100)

	switch {
	case r.Score >= 70:
		r.Level = "high"
	case r.Score >= 40:
		r.Level = "medium"
	default:
		r.Level = "low"
	}
	return r
}
