package assistant

import (
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/baitchat/internal/intent"
)

// Topic is what a question is about.
type Topic string

const (
	TopicDevices    Topic = "devices"
	TopicPlans      Topic = "plans"
	TopicExplain    Topic = "explain_plan"
	TopicLastRun    Topic = "last_run"
	TopicRecentRuns Topic = "recent_runs"
	TopicRunByID    Topic = "run_by_id"
	TopicRunsRange  Topic = "runs_in_range"
	TopicQueue      Topic = "queue_status"
	TopicSearch     Topic = "search_docs"
	TopicHelp       Topic = "help"
)

// route is one entry of the routing corpus. A pattern match outweighs any
// number of synonym hits; priority breaks ties.
type route struct {
	topic    Topic
	patterns []*regexp.Regexp
	synonyms []string
	priority int
}

var (
	runIDRe     = regexp.MustCompile(`\b(?:run|scan|item|submission|request|uid|id)\s+(?:id\s+|uid\s+)?#?([a-z0-9]+(?:[-_][a-z0-9]+)+|\d+)\b`)
	lastRunRe   = regexp.MustCompile(`\b(?:last|latest|most recent|previous)\s+(?:([a-z_]+)\s+)?(?:run|scan|measurement|submission)\b`)
	recentRe    = regexp.MustCompile(`\b(?:last|latest|recent|previous)\s+(\d+)\s+(?:runs|scans|measurements|submissions)\b`)
	betweenRe   = regexp.MustCompile(`\bbetween\s+(\S+(?:\s\d{1,2}:\d{2})?)\s+and\s+(\S+(?:\s\d{1,2}:\d{2})?)`)
	sinceRe     = regexp.MustCompile(`\bsince\s+(\S+(?:\s\d{1,2}:\d{2})?)`)
	withinRe    = regexp.MustCompile(`\b(?:in|during|over)\s+the\s+(?:last|past)\s+(\d+)\s+(minute|hour|day|week)s?\b`)
	dayWordRe   = regexp.MustCompile(`\b(today|yesterday)\b`)
	searchCmdRe = regexp.MustCompile(`^(?:search(?:\s+(?:the\s+)?(?:docs|documentation|knowledge base))?(?:\s+for)?|find|look\s+up|lookup)\s+`)
)

var corpus = []route{
	{
		topic:    TopicRunByID,
		patterns: []*regexp.Regexp{runIDRe},
		priority: 90,
	},
	{
		topic:    TopicRunsRange,
		patterns: []*regexp.Regexp{betweenRe, sinceRe, withinRe, dayWordRe},
		synonyms: []string{"runs", "scans", "ran", "history"},
		priority: 80,
	},
	{
		topic:    TopicRecentRuns,
		patterns: []*regexp.Regexp{recentRe, regexp.MustCompile(`\b(?:recent|previous)\s+(?:runs|scans)\b`), regexp.MustCompile(`\b(?:run|scan)\s+history\b`)},
		synonyms: []string{"runs", "history", "recent"},
		priority: 75,
	},
	{
		topic:    TopicLastRun,
		patterns: []*regexp.Regexp{lastRunRe, regexp.MustCompile(`\bwhat\s+(?:ran|was run)\s+last\b`)},
		synonyms: []string{"last", "latest"},
		priority: 70,
	},
	{
		topic: TopicQueue,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bqueue\b`),
			regexp.MustCompile(`\bwhat(?:'s| is)\s+running\b`),
			regexp.MustCompile(`\b(?:run engine|re)\s+state\b`),
		},
		synonyms: []string{"pending", "running", "queued"},
		priority: 60,
	},
	{
		topic: TopicExplain,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:explain|describe)\b`),
			regexp.MustCompile(`\bwhat\s+(?:does|is)\s+(?:a\s+|the\s+)?[a-z_]+(?:\s+plan)?\s*(?:do|mean)?\b`),
			regexp.MustCompile(`\bhow\s+does\b`),
			regexp.MustCompile(`\btell\s+me\s+about\b`),
		},
		synonyms: []string{"parameters", "arguments", "works"},
		priority: 50,
	},
	{
		topic: TopicDevices,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:devices|motors|detectors|shutters|hardware)\b`),
			regexp.MustCompile(`\bwhich\s+(?:motor|detector|device|shutter)s?\b`),
		},
		synonyms: []string{"device", "motor", "detector", "shutter", "axes"},
		priority: 40,
	},
	{
		topic: TopicPlans,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:plans|scans)\b`),
			regexp.MustCompile(`\bwhat\s+(?:can|could)\s+i\s+(?:run|do|scan)\b`),
		},
		synonyms: []string{"available", "allowed", "permitted", "plan"},
		priority: 30,
	},
	{
		topic:    TopicSearch,
		patterns: []*regexp.Regexp{searchCmdRe, regexp.MustCompile(`\b(?:docs|documentation|manual|procedure)\b`)},
		synonyms: []string{"how", "why", "should"},
		priority: 20,
	},
}

// questionStarters open a request for information.
var questionStarters = map[string]bool{
	"what": true, "which": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "is": true, "are": true, "was": true, "were": true, "can": true,
	"could": true, "do": true, "does": true, "did": true, "tell": true, "explain": true,
	"describe": true, "help": true, "search": true, "find": true, "lookup": true,
	"look": true, "show": true, "list": true, "display": true, "give": true, "any": true,
}

// IsQuestion reports whether text asks for information rather than
// requesting a plan. "list scan ..." names the list_scan plan and is a
// command.
func IsQuestion(text string) bool {
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return true
	}
	toks := intent.Tokenize(text)
	if len(toks) == 0 {
		return false
	}
	if toks[0] == "list" && len(toks) > 1 && toks[1] == "scan" {
		return false
	}
	return questionStarters[toks[0]]
}

// Route picks the topic of a question. Questions nothing matches go to
// document search when hasDocs is set, otherwise to help.
func Route(text string, hasDocs bool) (Topic, float64) {
	norm := intent.Normalize(text)
	words := intent.Tokenize(text)

	best, bestScore, bestPriority := Topic(""), 0.0, -1
	for _, r := range corpus {
		score := 0.0
		if slices.ContainsFunc(r.patterns, func(re *regexp.Regexp) bool { return re.MatchString(norm) }) {
			score += 50
		}
		for _, syn := range r.synonyms {
			if slices.Contains(words, syn) {
				score += 10
			}
		}
		if score == 0 {
			continue
		}
		score += float64(r.priority) / 10
		if score > bestScore || (score == bestScore && r.priority > bestPriority) {
			best, bestScore, bestPriority = r.topic, score, r.priority
		}
	}

	switch {
	case best != "" && bestScore >= 50:
		return best, confidence(bestScore)
	case hasDocs:
		return TopicSearch, 0.4
	case best != "":
		return best, confidence(bestScore)
	}
	return TopicHelp, 0
}

func confidence(score float64) float64 {
	c := score / 70
	if c > 1 {
		c = 1
	}
	return float64(int(c*100+0.5)) / 100
}
