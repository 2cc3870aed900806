package fingerprint

import "fmt"

// SplitMethod is the provider's text segmentation mode.
type SplitMethod string

const (
	SplitNone           SplitMethod = "cut0"
	SplitFourSentences  SplitMethod = "cut1"
	SplitFiftyChars     SplitMethod = "cut2"
	SplitChinesePeriod  SplitMethod = "cut3"
	SplitEnglishPeriod  SplitMethod = "cut4"
	SplitAllPunctuation SplitMethod = "cut5"
)

var splitAliases = map[string]SplitMethod{
	"cut0":            SplitNone,
	"no_split":        SplitNone,
	"cut1":            SplitFourSentences,
	"four_sentences":  SplitFourSentences,
	"cut2":            SplitFiftyChars,
	"fifty_chars":     SplitFiftyChars,
	"cut3":            SplitChinesePeriod,
	"chinese_period":  SplitChinesePeriod,
	"cut4":            SplitEnglishPeriod,
	"english_period":  SplitEnglishPeriod,
	"cut5":            SplitAllPunctuation,
	"all_punctuation": SplitAllPunctuation,
}

// ParseSplitMethod accepts either the API value or its descriptive alias.
func ParseSplitMethod(value string) (SplitMethod, error) {
	if m, ok := splitAliases[value]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown text split method %q", value)
}

// Description returns a human readable label.
func (m SplitMethod) Description() string {
	switch m {
	case SplitNone:
		return "no split"
	case SplitFourSentences:
		return "every four sentences"
	case SplitFiftyChars:
		return "every fifty characters"
	case SplitChinesePeriod:
		return "on chinese full stop"
	case SplitEnglishPeriod:
		return "on english period"
	case SplitAllPunctuation:
		return "on all punctuation"
	default:
		return "unknown"
	}
}
