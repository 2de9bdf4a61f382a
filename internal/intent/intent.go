// Package intent performs lightweight lexical classification of incoming
// questions ahead of any model call.
package intent

import "regexp"

// Classifier decides which retrieval paths a question should exercise.
type Classifier interface {
	// PolicyIntent reports whether the question is asking about company
	// security policy rather than individual records.
	PolicyIntent(question string) bool
	// RefersToDocument reports whether the question references previously
	// uploaded document content.
	RefersToDocument(question string) bool
}

// KeywordClassifier matches questions against fixed keyword patterns.
type KeywordClassifier struct {
	policy   *regexp.Regexp
	document *regexp.Regexp
}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier returns a Classifier with the default keyword sets.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		policy: regexp.MustCompile(
			`(?i)\b(policy|policies|complian\w*|guideline\w*|procedure\w*|regulation\w*|standard\w*|rule\w*|mandate\w*|requirement\w*|password\w*|access control)\b`),
		document: regexp.MustCompile(
			`(?i)\b(document\w*|file\w*|upload\w*|attach\w*|pdf\w*|report\w*)\b`),
	}
}

func (c *KeywordClassifier) PolicyIntent(question string) bool {
	return c.policy.MatchString(question)
}

func (c *KeywordClassifier) RefersToDocument(question string) bool {
	return c.document.MatchString(question)
}
