package dom

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Visible text bounds for a chat bubble.
const (
	minBubbleText = 3
	maxBubbleText = 200
)

// Candidate is a raw (username, message) pair pulled from the container.
type Candidate struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bfollow(ers?|ing)\b`),
	regexp.MustCompile(`(?i)\bjoin\s+now\b`),
	regexp.MustCompile(`(?i)\bwelcome\b`),
	regexp.MustCompile(`(?i)\bexplicit\s+content\b`),
	regexp.MustCompile(`(?i)https?://|\bwww\.`),
	regexp.MustCompile(`(?i)\b[a-z0-9-]+\.(com|net|org|io|co|tv|shop|live|app)\b`),
	regexp.MustCompile(`(?i)\b(moderator|host)\b`),
	regexp.MustCompile(`(?i)\b(joined|left|shared)\s+the\s+(show|stream|chat)\b`),
	regexp.MustCompile(`(?i)\bwon\s+the\s+(auction|giveaway)\b`),
	regexp.MustCompile(`(?i)\bpinned\b`),
}

// IsNoise reports whether text looks like a system or promotional banner.
func IsNoise(text string) bool {
	for _, re := range noisePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Extract walks the container's descendants in document order and returns the
// messages found, de-duplicated within this pass. Once an element parses as a
// message its subtree is skipped.
func Extract(s *Snapshot, container *Node) []Candidate {
	if s == nil || container == nil {
		return nil
	}
	var out []Candidate
	seen := make(map[string]struct{})
	var walk func(id int)
	walk = func(id int) {
		if c, ok := parseBubble(s, s.Node(id)); ok {
			key := c.Username + "|" + c.Message
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				out = append(out, c)
			}
			return
		}
		for _, child := range s.Children(id) {
			walk(child)
		}
	}
	for _, child := range s.Children(container.ID) {
		walk(child)
	}
	return out
}

// parseBubble applies the two-tier parse: line based first, then colon or
// whitespace split for single-line bubbles.
func parseBubble(s *Snapshot, n *Node) (Candidate, bool) {
	text := strings.TrimSpace(n.Text)
	if l := utf8.RuneCountInString(text); l < minBubbleText || l > maxBubbleText {
		return Candidate{}, false
	}
	if IsNoise(text) {
		return Candidate{}, false
	}
	lines := splitLines(text)
	var user, msg string
	switch {
	case len(lines) >= 2:
		if !usernameLike(lines[0]) || isListWrapper(s, n) {
			return Candidate{}, false
		}
		user, msg = lines[0], strings.Join(lines[1:], " ")
	case len(lines) == 1:
		user, msg = splitSingleLine(lines[0])
	default:
		return Candidate{}, false
	}
	user = alnum(user)
	msg = strings.TrimSpace(msg)
	if user == "" || msg == "" || IsNoise(msg) {
		return Candidate{}, false
	}
	return Candidate{Username: user, Message: msg}, true
}

func splitSingleLine(line string) (string, string) {
	if i := strings.Index(line, ":"); i > 0 && i < len(line)-1 {
		if head := line[:i]; !strings.ContainsFunc(head, unicode.IsSpace) {
			return head, line[i+1:]
		}
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// usernameLike rejects first lines that read like sentences or "user: text".
func usernameLike(line string) bool {
	if strings.Contains(line, ":") || len(strings.Fields(line)) > 2 {
		return false
	}
	u := alnum(line)
	return u != "" && utf8.RuneCountInString(u) <= 40
}

// isListWrapper reports whether n holds two or more multi-line bubbles, in
// which case the bubbles are parsed individually.
func isListWrapper(s *Snapshot, n *Node) bool {
	bubbles := 0
	for _, c := range s.Children(n.ID) {
		if len(splitLines(s.Node(c).Text)) >= 2 {
			bubbles++
			if bubbles >= 2 {
				return true
			}
		}
	}
	return false
}

func splitLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
