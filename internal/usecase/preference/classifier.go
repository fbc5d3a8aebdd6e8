package preference

import (
	"fmt"

	"paper-digest-bot/internal/domain"
)

// Classifier переводит эмодзи реакции в метку предпочтения.
type Classifier struct {
	mapping map[string]domain.PreferenceLabel
}

// NewClassifier строит классификатор из словарей эмодзи по меткам.
// Один эмодзи не может принадлежать двум меткам.
func NewClassifier(like, dislike, neutral []string) (*Classifier, error) {
	mapping := make(map[string]domain.PreferenceLabel)
	add := func(list []string, label domain.PreferenceLabel) error {
		for _, e := range list {
			if prev, ok := mapping[e]; ok && prev != label {
				return fmt.Errorf("emoji %q mapped to both %s and %s", e, prev, label)
			}
			mapping[e] = label
		}
		return nil
	}
	if err := add(like, domain.PreferenceLike); err != nil {
		return nil, err
	}
	if err := add(dislike, domain.PreferenceDislike); err != nil {
		return nil, err
	}
	if err := add(neutral, domain.PreferenceNeutral); err != nil {
		return nil, err
	}
	return &Classifier{mapping: mapping}, nil
}

// Classify возвращает метку эмодзи; для незнакомого эмодзи — PreferenceUnknown.
func (c *Classifier) Classify(emoji string) domain.PreferenceLabel {
	if label, ok := c.mapping[emoji]; ok {
		return label
	}
	return domain.PreferenceUnknown
}
