package features

import "regexp"

// patternFamily is one class of attack signature. Hits from every
// expression in the family are summed.
type patternFamily struct {
	feature  string
	matchers []*regexp.Regexp
}

func (p patternFamily) count(message string) int {
	hits := 0
	for _, re := range p.matchers {
		hits += len(re.FindAllStringIndex(message, -1))
	}
	return hits
}

func family(feature string, exprs ...string) patternFamily {
	p := patternFamily{feature: feature}
	for _, e := range exprs {
		p.matchers = append(p.matchers, regexp.MustCompile(e))
	}
	return p
}

// defaultPatterns are evaluated independently; one family matching never
// suppresses another.
func defaultPatterns() []patternFamily {
	return []patternFamily{
		family(SQLInjection,
			`(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`,
			`(?i)\bunion\s+(all\s+)?select\b`,
			`(?i)\bselect\b[^;]{0,200}?\bfrom\b`,
			`(?i)\b(insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table)\b`,
			`(?i)\bupdate\s+\w+\s+set\b`,
			`(?i)\b(exec|execute)\s+(xp_|sp_)\w+`,
			`'\s*(--|#|/\*)`,
		),
		family(XSS,
			`(?i)<\s*script\b`,
			`(?i)javascript\s*:`,
			`(?i)\bon(error|load|click|mouseover|focus)\s*=`,
			`(?i)document\.(cookie|location)`,
			`(?i)<\s*(iframe|svg|object|embed)\b`,
		),
		family(PathTraversal,
			`\.\./|\.\.\\`,
			`(?i)%2e%2e(%2f|%5c|/|\\)`,
			`(?i)/etc/(passwd|shadow)\b`,
			`(?i)\bc:\\windows\\system32\b`,
		),
		family(CommandInjection,
			`(?i)\bcmd\.exe\b|/bin/(ba)?sh\b|\bpowershell(\.exe)?\b`,
			`(?i)(;|\|\||&&|\|)\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|rm)\b`,
			"`[^`]+`",
			`\$\([^)]+\)`,
		),
		family(CodeExecution,
			`(?i)\b(eval|exec|system|passthru|shell_exec|popen|proc_open)\s*\(`,
			`(?i)\bbase64_decode\s*\(`,
			`(?i)\bRuntime\.getRuntime\(\)`,
			`(?i)\$\{jndi:`,
		),
	}
}

var suspiciousAgentPattern = regexp.MustCompile(
	`(?i)(\bbot\b|bot/|crawler|spider|scanner|sqlmap|nikto|nmap|masscan|zgrab|nuclei|hydra|gobuster|dirbuster|wpscan|acunetix)`,
)

var automationAgentPattern = regexp.MustCompile(
	`(?i)(aws-cli|aws-sdk|boto3|botocore|azure-cli|azsdk|azure-sdk|terraform|python-requests|curl/|wget/|go-http-client|powershell|okhttp)`,
)

var browserAgentPattern = regexp.MustCompile(`(?i)(mozilla|chrome|safari|firefox|edg/|opera)`)
