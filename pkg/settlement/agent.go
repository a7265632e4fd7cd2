package settlement

import (
	"regexp"
	"strings"
)

var agentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^gpt`),
	regexp.MustCompile(`(?i)^claude`),
	regexp.MustCompile(`(?i)^anthropic`),
	regexp.MustCompile(`(?i)openai`),
	regexp.MustCompile(`(?i)langchain`),
	regexp.MustCompile(`(?i)autogpt`),
	regexp.MustCompile(`(?i)agent-protocol`),
	regexp.MustCompile(`(?i)^axios`),
	regexp.MustCompile(`(?i)^node-fetch`),
	regexp.MustCompile(`(?i)^python-requests`),
	regexp.MustCompile(`(?i)^httpx`),
	regexp.MustCompile(`(?i)^curl`),
	regexp.MustCompile(`(?i)^wget`),
	regexp.MustCompile(`(?i)^go-http-client`),
	regexp.MustCompile(`(?i)^rust-reqwest`),
	regexp.MustCompile(`(?i)bot\b`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)^groq-sdk`),
}

// DetectAgent reports whether a request comes from an automated client.
// An explicit agent id always wins; otherwise the user agent is matched against
// known client libraries, and a missing or very short user agent counts as automated.
func DetectAgent(agentID, userAgent string) bool {
	if strings.TrimSpace(agentID) != "" {
		return true
	}
	ua := strings.TrimSpace(userAgent)
	if len(ua) < 5 {
		return true
	}
	for _, p := range agentPatterns {
		if p.MatchString(ua) {
			return true
		}
	}
	return false
}
