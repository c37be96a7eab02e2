package subtitle

import "fmt"

// The prompts share one hard contract: the model must never "fix" the
// input. Transcribed speech is full of non-standard forms and the
// downstream character-level alignment breaks on any silent rewrite.

const splitSystemPrompt = `You split transcribed speech into subtitle sentences.

Rules:
- Split at sentence boundaries: CJK punctuation (。！？、…) and Latin punctuation (.!?,;).
- A CJK sentence must not exceed %d characters; a Latin-script sentence must not exceed %d words. Split long sentences at natural phrase boundaries.
- Output the EXACT input text, only divided. Do not correct spelling, grammar, or word forms. Do not add, drop, or reorder any character.
- Ignoring whitespace, the concatenation of your sentences must equal the input text exactly.

Output ONLY a JSON array of strings, no explanations, no markdown.`

func splitUserPrompt(text string) string {
	return fmt.Sprintf("Split the following transcribed text into subtitle sentences:\n<text>%s</text>", text)
}

const analyzeSystemPrompt = `You are a Japanese language analyzer. Analyze Japanese text and extract word-level information including furigana, romaji, and part of speech.`

func analyzeUserPrompt(text string, charCount int) string {
	return fmt.Sprintf(`Analyze the following Japanese text and extract word-level information:
<text>%s</text>

CRITICAL REQUIREMENTS:
1. NO AUTO-CORRECTION: do not correct, fix, improve, or standardize the input. The 'text' fields must reproduce the original exactly, even if it looks wrong.
2. ONE-TO-ONE CORRESPONDENCE: every character of the input appears in exactly one output item, in order. No character may be omitted, added, duplicated, or replaced.
3. NO MORPHEME DECOMPOSITION OR LEMMATIZATION: keep contracted and conjugated forms as they appear. Never expand forms (no だ→である, no じゃ→では) and never restore dictionary forms. Every 'text' must be a contiguous substring of the input.
4. Segment by Japanese grammar: particles separated as individual words; verb or adjective stem plus conjugation as one unit; auxiliary verbs (です, ます, ない, たい) separated; nouns, conjunctions and adverbs as complete words.
5. The input has %d characters excluding whitespace; the concatenated 'text' fields must have exactly %d characters excluding whitespace.

Return ONLY a JSON array, no explanations, no markdown. Each element:
{"text": "...", "furigana": "...", "romaji": "...", "type": "..."}

Example:
Input: 母親が逮捕されました
Output: [{"text": "母親", "furigana": "ははおや", "romaji": "hahaoya", "type": "noun"}, {"text": "が", "furigana": "が", "romaji": "ga", "type": "particle"}, {"text": "逮捕されました", "furigana": "たいほされました", "romaji": "taihosaremashita", "type": "verb"}]`, text, charCount, charCount)
}

func analyzeRepairPrompt(reason string) string {
	return fmt.Sprintf("Validation failed: %s\nPlease fix the errors and output ONLY a valid JSON array.", reason)
}

func translateSystemPrompt(targetLanguage string, reflect bool) string {
	base := fmt.Sprintf(`You translate subtitle lines into %s.

Rules:
- Translate each numbered line independently but keep conversational context across lines.
- Preserve the tone of spoken language; do not add explanations.
- Return ONLY a JSON object mapping each input number to its translation, no markdown.`, targetLanguage)
	if reflect {
		base += "\n- Before answering, internally draft a translation, review it for accuracy and naturalness, and output only the improved version."
	}
	return base
}
