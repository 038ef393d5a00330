package moderation

import (
	"fmt"
	"regexp"
)

// Category names a class of denied topics
type Category string

const (
	CategoryGamification Category = "gamification"
	CategoryBusiness     Category = "business"
	CategoryDataAccess   Category = "data_access"
	CategorySecurity     Category = "security"
	CategoryConfidential Category = "confidential"
)

// Rule denies messages matching Pattern. Rules are evaluated in order and the first
// match wins.
type Rule struct {
	Category Category
	Pattern  *regexp.Regexp
}

// CompileRule builds a rule from a category name and a regular expression
func CompileRule(category, pattern string) (Rule, error) {
	if category == "" {
		return Rule{}, fmt.Errorf("rule category is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern for %s rule: %w", category, err)
	}
	return Rule{Category: Category(category), Pattern: re}, nil
}

// DefaultRules returns the built-in denial list
func DefaultRules() []Rule {
	return []Rule{
		// gamification exploitation
		{CategoryGamification, regexp.MustCompile(`(?i)\b(formula|algorithm|exploit|hack|cheat)s?\b.*\b(xp|experience points?|badges?|leaderboards?|streaks?|achievements?)\b`)},
		{CategoryGamification, regexp.MustCompile(`(?i)\b(xp|experience points?|badges?|leaderboards?|streaks?|achievements?)\b.*\b(formula|algorithm|calculat\w*|exploit\w*|hack\w*|cheat\w*|farm\w*|tricks?|glitch\w*)`)},
		{CategoryGamification, regexp.MustCompile(`(?i)\b(free|unlimited|infinite)\s+(xp|points|badges|coins)\b`)},

		// business and internal strategy
		{CategoryBusiness, regexp.MustCompile(`(?i)\b(business|revenue|pricing|monetization|marketing|growth)\s+(strategy|plans?|model|roadmap|numbers|metrics)\b`)},
		{CategoryBusiness, regexp.MustCompile(`(?i)\b(internal|company|investor|competitive)\s+(roadmap|strategy|plans?|metrics|analysis)\b`)},
		{CategoryBusiness, regexp.MustCompile(`(?i)\bhow much (money|revenue) does\b`)},

		// data exfiltration and admin access
		{CategoryDataAccess, regexp.MustCompile(`(?i)\b(other|all|another|every)\s+(users?|players?|members?)('s?)?\s+(data|personal info\w*|emails?|phone numbers?|address\w*|messages?|passwords?)`)},
		{CategoryDataAccess, regexp.MustCompile(`(?i)\badmin\w*\s+(access|panel|password|credentials|account|rights|privileges)\b`)},
		{CategoryDataAccess, regexp.MustCompile(`(?i)\b(dump|export|download|list)\s+(the\s+)?(whole\s+|entire\s+)?(database|user table|users table|all users)\b`)},

		// security probing
		{CategorySecurity, regexp.MustCompile(`(?i)\b(sql injection|xss|cross[- ]site scripting|csrf|remote code execution|privilege escalation)\b`)},
		{CategorySecurity, regexp.MustCompile(`(?i)\b(bypass|disable|get around|circumvent)\s+(the\s+)?(auth\w*|security|moderation|filters?|rate limits?|login)\b`)},
		{CategorySecurity, regexp.MustCompile(`(?i)\b(vulnerabilit(y|ies)|exploits?|backdoors?)\b.*\b(app|system|server|api|platform)\b`)},
		{CategorySecurity, regexp.MustCompile(`(?i)\b(jailbreak|ignore (all |your )?(previous|prior) instructions|system prompt|developer mode)\b`)},

		// confidential information
		{CategoryConfidential, regexp.MustCompile(`(?i)\b(api|secret|private|encryption)\s+keys?\b|\b(access|auth|bearer|refresh)\s+tokens?\b`)},
		{CategoryConfidential, regexp.MustCompile(`(?i)\bsource\s+code\b|\bconfidential\b|\bproprietary\b|\binternal\s+(documents?|docs|information|data|tools?)\b`)},
		{CategoryConfidential, regexp.MustCompile(`(?i)\b(database|db|server)\s+(password|credentials|connection string)\b`)},
	}
}

// Refusals is the pool friendly denial messages are drawn from
var Refusals = []string{
	"I'm here to help with your pickleball game! Let's talk about technique, strategy, or finding your next match.",
	"That's outside what I can help with, but I'd love to help you improve your dinks, drives, or drops.",
	"I can't go into that one. Want some tips for your next session instead?",
	"Let's keep it on the court! Ask me about drills, rules, or players near you.",
	"I'm not able to help with that, but I can suggest a practice plan or help you find a game.",
}

func match(rules []Rule, message string) (Rule, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(message) {
			return r, true
		}
	}
	return Rule{}, false
}
