package masking

import "regexp"

// Pattern is one compiled redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns returns the default catalog in application order.
// Multi-line block patterns run first so the key=value patterns do not
// chew on their contents. Email addresses are deliberately not masked:
// the agent needs them to do its job.
func builtinPatterns() []*Pattern {
	return []*Pattern{
		{
			Name:        "certificate",
			Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
			Replacement: `__MASKED_CERTIFICATE__`,
		},
		{
			Name:        "ssh_key",
			Regex:       regexp.MustCompile(`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`),
			Replacement: `__MASKED_SSH_KEY__`,
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`(?i)(?:aws[_-]?access[_-]?key[_-]?id)["']?\s*[:=]\s*["']?(AKIA[A-Z0-9]{16})["']?`),
			Replacement: `"aws_access_key_id": "__MASKED_AWS_KEY__"`,
		},
		{
			Name:        "aws_secret_key",
			Regex:       regexp.MustCompile(`(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`),
			Replacement: `"aws_secret_access_key": "__MASKED_AWS_SECRET__"`,
		},
		{
			Name:        "private_key",
			Regex:       regexp.MustCompile(`(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`),
			Replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
		},
		{
			Name:        "secret_key",
			Regex:       regexp.MustCompile(`(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`),
			Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		},
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`),
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
		},
		{
			Name:        "token",
			Regex:       regexp.MustCompile(`(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`),
			Replacement: `"token": "__MASKED_TOKEN__"`,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`),
			Replacement: `"password": "__MASKED_PASSWORD__"`,
		},
		{
			Name:        "github_token",
			Regex:       regexp.MustCompile(`\bgh[ps]_[A-Za-z0-9_]{36,255}\b`),
			Replacement: `__MASKED_GITHUB_TOKEN__`,
		},
		{
			Name:        "slack_token",
			Regex:       regexp.MustCompile(`(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`),
			Replacement: `__MASKED_SLACK_TOKEN__`,
		},
	}
}
