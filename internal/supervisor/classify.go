package supervisor

import "regexp"

// Category is the classification assigned to one line of the child's
// merged stdout/stderr stream.
type Category string

const (
	Chat   Category = "Chat"
	Join   Category = "Join"
	Leave  Category = "Leave"
	Upload Category = "Upload"
	System Category = "System"
)

// Line is one classified line, in the order it was produced.
type Line struct {
	Category Category
	Text     string
	Who      string // set for Chat/Join/Leave
	Message  string // set for Chat
}

var (
	chatRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \[CHAT\] ([^:]+): (.+)$`)
	joinRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \[JOIN\] ([^:]+) joined the game$`)
	leaveRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \[LEAVE\] ([^:]+) left the game$`)
	uploadRe = regexp.MustCompile(`\[(SAVE-LOAD|SAVE-WRITE)\]`)
)

// Classify assigns a Category to a raw line from the child process,
// per the ordered ruleset: Chat, Join, Leave, Upload, then System for
// anything unmatched.
func Classify(text string) Line {
	if m := chatRe.FindStringSubmatch(text); m != nil {
		return Line{Category: Chat, Text: text, Who: m[1], Message: m[2]}
	}
	if m := joinRe.FindStringSubmatch(text); m != nil {
		return Line{Category: Join, Text: text, Who: m[1]}
	}
	if m := leaveRe.FindStringSubmatch(text); m != nil {
		return Line{Category: Leave, Text: text, Who: m[1]}
	}
	if uploadRe.MatchString(text) {
		return Line{Category: Upload, Text: text}
	}
	return Line{Category: System, Text: text}
}

// ReadyPattern matches lines that signal the server has finished
// starting and is accepting connections. The set is kept configurable
// because the exact banner text varies by Factorio binary version.
type ReadyPattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultReadyPatterns seeds the Starting->Running transition with the
// stock server's "Hosting game" banner. Callers may replace or extend
// this set for other binary versions.
func DefaultReadyPatterns() []ReadyPattern {
	return []ReadyPattern{
		{Name: "hosting-game", Re: regexp.MustCompile(`Hosting game`)},
	}
}

func matchesReady(patterns []ReadyPattern, text string) bool {
	for _, p := range patterns {
		if p.Re.MatchString(text) {
			return true
		}
	}
	return false
}
