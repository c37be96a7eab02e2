package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lexisub/lexisub/pkg/log"
)

// DictionaryQuery identifies the word to look up. Reading and part of
// speech are optional hints that disambiguate homographs.
type DictionaryQuery struct {
	Word         string `json:"text"`
	Furigana     string `json:"furigana,omitempty"`
	Romaji       string `json:"romaji,omitempty"`
	PartOfSpeech string `json:"type,omitempty"`
}

// DictionaryMeaning is one sense of a word
type DictionaryMeaning struct {
	Meaning            string `json:"meaning"`
	Example            string `json:"example,omitempty"`
	ExampleTranslation string `json:"example_translation,omitempty"`
}

// DictionaryPronunciation carries the kana reading and romanization
type DictionaryPronunciation struct {
	Furigana string `json:"furigana"`
	Romaji   string `json:"romaji"`
}

// DictionaryEntry is the full lookup result
type DictionaryEntry struct {
	Word          string                  `json:"word"`
	Pronunciation DictionaryPronunciation `json:"pronunciation"`
	PartOfSpeech  string                  `json:"part_of_speech"`
	Meanings      []DictionaryMeaning     `json:"meanings"`
	UsageNotes    string                  `json:"usage_notes,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

const dictionaryPrompt = `You are a Japanese-Chinese dictionary. Given a Japanese word as a JSON object, return a JSON object with fields: "word" (the word), "pronunciation" (object with "furigana" and "romaji"), "part_of_speech" (in Chinese), "meanings" (array of objects with "meaning" in Chinese, optional "example" in Japanese and "example_translation" in Chinese), and optional "usage_notes". Return only JSON, no prose.`

// QueryDictionary asks the model for a dictionary entry. Lookup
// failures are reported inside the entry rather than as an error, so
// the API can always render something for the word.
func (c *Client) QueryDictionary(ctx context.Context, query DictionaryQuery) *DictionaryEntry {
	fallback := &DictionaryEntry{
		Word: query.Word,
		Pronunciation: DictionaryPronunciation{
			Furigana: query.Furigana,
			Romaji:   query.Romaji,
		},
		PartOfSpeech: query.PartOfSpeech,
		Meanings:     []DictionaryMeaning{},
	}

	wordInfo, err := json.Marshal(query)
	if err != nil {
		fallback.Error = err.Error()
		return fallback
	}

	user := fmt.Sprintf("Look up this Japanese word:\n\n```json\n%s\n```", wordInfo)
	content, err := c.Complete(ctx, dictionaryPrompt, user)
	if err != nil {
		log.WithComponent("llm").Error().Err(err).Str("word", query.Word).Msg("dictionary lookup failed")
		fallback.Error = err.Error()
		return fallback
	}

	var entry DictionaryEntry
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &entry); err != nil {
		log.WithComponent("llm").Warn().Err(err).Str("word", query.Word).Msg("undecodable dictionary answer")
		fallback.Error = "undecodable dictionary answer"
		return fallback
	}
	if entry.Word == "" {
		entry.Word = query.Word
	}
	if entry.Meanings == nil {
		entry.Meanings = []DictionaryMeaning{}
	}
	return &entry
}
