package validate

import "fmt"

// Hidden characters can smuggle instructions into text an LLM reads while
// staying invisible to a human reviewer. Tool descriptions are checked at
// registration so a poisoned description never reaches a client.

type Category string

const (
	CategoryTag       Category = "unicode-tag"
	CategoryBidi      Category = "bidi-control"
	CategoryInvisible Category = "invisible-format"
	CategoryNonChar   Category = "non-character"
)

// Finding is one suspicious rune found in a string.
type Finding struct {
	Rune     rune     `json:"rune"`
	Hex      string   `json:"hex"`
	Offset   int      `json:"offset"` // byte offset
	Category Category `json:"category"`
}

func classify(r rune) (Category, bool) {
	switch {
	case r >= 0xE0000 && r <= 0xE007F:
		return CategoryTag, true
	case (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069) || r == 0x061C:
		return CategoryBidi, true
	case r == 0x200B || r == 0x200C || r == 0x200D || r == 0x2060 || r == 0xFEFF:
		return CategoryInvisible, true
	case (r >= 0xFDD0 && r <= 0xFDEF) || r&0xFFFE == 0xFFFE:
		return CategoryNonChar, true
	}
	return "", false
}

// DetectHiddenUnicode returns every suspicious rune in text, in order.
func DetectHiddenUnicode(text string) []Finding {
	var found []Finding
	for offset, r := range text {
		if cat, ok := classify(r); ok {
			found = append(found, Finding{
				Rune:     r,
				Hex:      fmt.Sprintf("U+%04X", r),
				Offset:   offset,
				Category: cat,
			})
		}
	}
	return found
}

// CheckText fails if text carries any hidden characters.
func CheckText(text string) error {
	found := DetectHiddenUnicode(text)
	if len(found) == 0 {
		return nil
	}
	return fmt.Errorf("%d hidden characters detected (first %s at byte %d, %s)",
		len(found), found[0].Hex, found[0].Offset, found[0].Category)
}
