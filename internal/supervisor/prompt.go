package supervisor

import (
	"regexp"
	"strings"

	"github.com/chris247474/nanoclaw/schema"
)

const promptTimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	mediaDir   = regexp.MustCompile(`.*groups/[^/]+/`)

	oauthIntent = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(set\s*up|connect|link|auth)\b.*\b(google|gmail|calendar|drive)\b`),
		regexp.MustCompile(`(?i)\b(google|gmail|calendar|drive)\b.*\b(set\s*up|connect|link|auth)\b`),
	}
	oauthServices = []struct {
		name    string
		pattern *regexp.Regexp
	}{
		{"gmail", regexp.MustCompile(`(?i)\bgmail\b`)},
		{"calendar", regexp.MustCompile(`(?i)\bcalendar\b`)},
		{"drive", regexp.MustCompile(`(?i)\bdrive\b`)},
	}

	slugRun = regexp.MustCompile(`[^a-z0-9]+`)
)

// TriggerPattern matches messages addressed to the assistant:
// "@<name>" at the start, case-insensitive, on a word boundary.
func TriggerPattern(assistant string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(assistant) + `\b`)
}

// FormatPrompt renders messages as the XML block handed to the agent.
// Media paths on the host are rewritten to the in-sandbox workspace.
func FormatPrompt(messages []schema.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(`<message sender="`)
		b.WriteString(xmlEscaper.Replace(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.UTC().Format(promptTimeLayout))
		b.WriteByte('"')
		if m.MediaType != "" {
			b.WriteString(` media_type="`)
			b.WriteString(xmlEscaper.Replace(m.MediaType))
			b.WriteByte('"')
			if m.MediaPath != "" {
				b.WriteString(` file="`)
				b.WriteString(xmlEscaper.Replace(mediaDir.ReplaceAllString(m.MediaPath, "/workspace/group/")))
				b.WriteByte('"')
			}
		}
		b.WriteByte('>')
		b.WriteString(xmlEscaper.Replace(m.Content))
		b.WriteString("</message>")
	}
	b.WriteString("\n</messages>")
	return b.String()
}

// OAuthService reports which Google service a message asks to connect, if
// it asks at all. Messages naming no single service get "all".
func OAuthService(content string) (string, bool) {
	matched := false
	for _, re := range oauthIntent {
		if re.MatchString(content) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	for _, svc := range oauthServices {
		if svc.pattern.MatchString(content) {
			return svc.name, true
		}
	}
	return "all", true
}

// Slug turns a chat name into a folder name.
func Slug(name string) string {
	return strings.Trim(slugRun.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
