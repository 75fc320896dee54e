package policy

import (
	"regexp"
	"strings"
)

// MasterPasswordPolicyOptions is the organization policy applied to master
// passwords. Zero value means "no requirement".
type MasterPasswordPolicyOptions struct {
	MinComplexity  int  `json:"minComplexity"`
	MinLength      int  `json:"minLength"`
	RequireUpper   bool `json:"requireUpper"`
	RequireLower   bool `json:"requireLower"`
	RequireNumbers bool `json:"requireNumbers"`
	RequireSpecial bool `json:"requireSpecial"`
	EnforceOnLogin bool `json:"enforceOnLogin"`
}

// IsZero reports whether the policy imposes no requirements at all.
func (p MasterPasswordPolicyOptions) IsZero() bool {
	return p == MasterPasswordPolicyOptions{}
}

// Combine merges two optional policies, taking the strictest value of each
// field. Either argument may be nil.
func Combine(a, b *MasterPasswordPolicyOptions) *MasterPasswordPolicyOptions {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := &MasterPasswordPolicyOptions{
		MinComplexity:  max(a.MinComplexity, b.MinComplexity),
		MinLength:      max(a.MinLength, b.MinLength),
		RequireUpper:   a.RequireUpper || b.RequireUpper,
		RequireLower:   a.RequireLower || b.RequireLower,
		RequireNumbers: a.RequireNumbers || b.RequireNumbers,
		RequireSpecial: a.RequireSpecial || b.RequireSpecial,
		EnforceOnLogin: a.EnforceOnLogin || b.EnforceOnLogin,
	}
	return out
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	numberRe  = regexp.MustCompile(`[0-9]`)
	specialRe = regexp.MustCompile(`[!@#$%\^&*]`)
)

// EvaluatePassword checks a password and its strength score against a
// policy. A nil or zero policy always passes.
func EvaluatePassword(strengthScore int, password string, opts *MasterPasswordPolicyOptions) bool {
	if opts == nil || opts.IsZero() {
		return true
	}
	if opts.MinComplexity > 0 && strengthScore < opts.MinComplexity {
		return false
	}
	if opts.MinLength > 0 && len(password) < opts.MinLength {
		return false
	}
	if opts.RequireUpper && !upperRe.MatchString(password) {
		return false
	}
	if opts.RequireLower && !lowerRe.MatchString(password) {
		return false
	}
	if opts.RequireNumbers && !numberRe.MatchString(password) {
		return false
	}
	if opts.RequireSpecial && !specialRe.MatchString(password) {
		return false
	}
	return true
}

// StrengthScorer scores a password from 0 (trivially guessable) to 4.
// Only the score is consumed here; richer scoring can be plugged in.
type StrengthScorer interface {
	Score(password string, email string) int
}

// DefaultScorer is a character-class heuristic scorer.
type DefaultScorer struct{}

func NewDefaultScorer() *DefaultScorer {
	return &DefaultScorer{}
}

func (DefaultScorer) Score(password, email string) int {
	if password == "" {
		return 0
	}
	local, _, _ := strings.Cut(email, "@")
	if local != "" && strings.Contains(strings.ToLower(password), strings.ToLower(local)) {
		return 1
	}

	classes := 0
	for _, re := range []*regexp.Regexp{upperRe, lowerRe, numberRe, specialRe} {
		if re.MatchString(password) {
			classes++
		}
	}

	score := 0
	switch {
	case len(password) >= 16:
		score = 2
	case len(password) >= 12:
		score = 1
	case len(password) >= 8:
		score = 0
	default:
		return 0
	}
	if classes >= 3 {
		score += 2
	} else if classes == 2 {
		score++
	}
	if score > 4 {
		score = 4
	}
	return score
}
