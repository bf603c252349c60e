package dispatch

import "strings"

// SignalClassifier inspects captured agent runtime output.
type SignalClassifier interface {
	// RateLimited returns the matched signal when output indicates a rate limit.
	RateLimited(output string) (string, bool)
}

// PhraseClassifier matches an ordered phrase list case-insensitively.
type PhraseClassifier struct {
	phrases []string
}

func NewPhraseClassifier(phrases []string) *PhraseClassifier {
	p := &PhraseClassifier{}
	for _, ph := range phrases {
		ph = strings.ToLower(strings.TrimSpace(ph))
		if ph != "" {
			p.phrases = append(p.phrases, ph)
		}
	}
	return p
}

func (p *PhraseClassifier) RateLimited(output string) (string, bool) {
	low := strings.ToLower(output)
	for _, ph := range p.phrases {
		if strings.Contains(low, ph) {
			return ph, true
		}
	}
	return "", false
}
