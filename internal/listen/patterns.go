package listen

import "regexp"

// questionPatterns holds the question pattern family for each supported
// language. A text is question-like for a language when any of its patterns
// matches. Each family anchors on its own script so that a bare question mark
// is attributed to the right language.
var questionPatterns = map[string][]*regexp.Regexp{
	"ko": {
		// Sentence-final interrogative endings: 습니까, 할까, 했나요, 인가요, 그렇죠, 하니, 하냐.
		regexp.MustCompile(`(까|나요|가요|죠|니|냐|는지|을래)\s*[?？.!]*\s*$`),
		// Interrogative word closing the sentence with a copula: 언제예요, 뭐야, 누구지.
		regexp.MustCompile(`(무엇|뭐|왜|어떻게|어디|언제|누구|얼마|몇\s*\p{Hangul})\s*(이에요|예요|에요|이야|야|이지|지|죠|이죠|인데|인지)?\s*[?？]*\s*$`),
		regexp.MustCompile(`\p{Hangul}[^?？]*[?？]`),
	},
	"ja": {
		regexp.MustCompile(`(か|の|かな|かしら|でしょう|ですか|ますか)\s*[?？。]*\s*$`),
		// Interrogative word closing the sentence: これ何, いつだろう, どうして.
		regexp.MustCompile(`(何|なに|なん|どう|どこ|いつ|誰|だれ|なぜ|どうして|どれ|いくら)\s*(です|でしょう|だろう|だ)?\s*[?？。]*\s*$`),
		regexp.MustCompile(`[\p{Hiragana}\p{Katakana}\p{Han}][^?？]*[?？]`),
	},
	"en": {
		// Wh-openers followed by an auxiliary, optionally after one word
		// ("what time is it"), or a fixed interrogative phrase.
		regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|whom|whose|which)\s+(\w+\s+)?(is|are|am|was|were|do|does|did|can|could|will|would|should|shall|may|might|have|has|had|not)\b`),
		regexp.MustCompile(`(?i)^\s*(how (about|many|much|long|often|come)|what (about|if))\b`),
		regexp.MustCompile(`[A-Za-z][^?]*\?`),
	},
}

// defaultNoisePhrases are fillers, acknowledgements and greetings that carry
// no question even when a pattern matches.
var defaultNoisePhrases = []string{
	// ko
	"네", "예", "아", "음", "어", "응", "그래", "그래요", "아니요", "안녕하세요", "감사합니다", "고맙습니다",
	// ja
	"はい", "ええ", "うん", "あの", "えーと", "えっと", "こんにちは", "ありがとう", "ありがとうございます",
	// en
	"ok", "okay", "yes", "no", "uh", "um", "hmm", "hello", "hi", "thank you", "thanks", "thank you so much",
}
