package security

import "regexp"

// secretPatterns cover the credential shapes that show up in shell output:
// KEY=value env dumps, OpenAI-style keys, GitHub tokens, bot tokens, and
// bearer headers.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([A-Za-z0-9_]*(?:API[_-]?KEY|APIKEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|AUTH)[A-Za-z0-9_]*)=[^\s]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`\d{8,12}:[A-Za-z0-9_-]{35}`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._-]{20,}`),
}

// SanitizeOutput 在持久化和回传模型前抹除输出中的密钥
// SanitizeOutput redacts secrets from tool output before it is persisted or
// shown to the model.
func SanitizeOutput(output string) string {
	for _, pattern := range secretPatterns {
		output = pattern.ReplaceAllString(output, "[REDACTED]")
	}
	return output
}
