package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectAgent(t *testing.T) {
	tests := []struct {
		name      string
		agentID   string
		userAgent string
		want      bool
	}{
		{"explicit agent id", "agent-42", "Mozilla/5.0 (Macintosh)", true},
		{"browser", "", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15", false},
		{"empty user agent", "", "", true},
		{"short user agent", "", "abc", true},
		{"curl", "", "curl/8.4.0", true},
		{"python requests", "", "python-requests/2.31", true},
		{"go client", "", "Go-http-client/1.1", true},
		{"openai anywhere", "", "Mozilla/5.0 (compatible; OpenAI-Research)", true},
		{"crawler", "", "Mozilla/5.0 SomeCrawler/1.0", true},
		{"bot word boundary", "", "Mozilla/5.0 (compatible; Googlebot/2.1)", true},
		{"robotics is not a bot", "", "Mozilla/5.0 robotics-lab-browser", false},
		{"claude prefix", "", "Claude-User/1.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectAgent(tt.agentID, tt.userAgent))
		})
	}
}
