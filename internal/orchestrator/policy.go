package orchestrator

import "strings"

// RetryPolicy guards resumed sessions against degenerating into filler
// replies. When a substantive prompt gets an acknowledgement-only
// answer, the session retries once with the correction prompt.
type RetryPolicy interface {
	IsLowValue(prompt, reply string) bool
	CorrectionPrompt() string
}

// PhraseListPolicy flags replies that, stripped of punctuation, match a
// known filler phrase. Thresholds are tunable so locales can vary.
type PhraseListPolicy struct {
	// Replies longer than MaxReplyLen are never low-value.
	MaxReplyLen int
	// Prompts shorter than MinPromptLen never trigger a retry.
	MinPromptLen int
	Phrases      []string
	Correction   string
}

func DefaultRetryPolicy() *PhraseListPolicy {
	return &PhraseListPolicy{
		MaxReplyLen:  40,
		MinPromptLen: 20,
		Phrases: []string{
			"ok", "okay", "sure", "yes", "done", "got it", "noted",
			"understood", "will do", "sounds good", "no problem",
			"alright", "thanks", "thank you", "great",
		},
		Correction: "Your previous reply was an acknowledgement without substance. Answer the question completely this time.",
	}
}

func (p *PhraseListPolicy) IsLowValue(prompt, reply string) bool {
	if len(strings.TrimSpace(prompt)) < p.MinPromptLen {
		return false
	}

	r := strings.ToLower(strings.TrimSpace(reply))
	r = strings.Trim(r, ".,!? ")
	if r == "" {
		return true
	}
	if len(r) > p.MaxReplyLen {
		return false
	}

	for _, phrase := range p.Phrases {
		if r == phrase {
			return true
		}
	}
	return false
}

func (p *PhraseListPolicy) CorrectionPrompt() string {
	return p.Correction
}
