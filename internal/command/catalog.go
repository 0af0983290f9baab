package command

// ModelOrder lists the supported whisper model names from worst to best
// quality. The order matters for log output and future quality comparisons;
// membership defines the model catalog.
var ModelOrder = []string{"tiny", "base", "small", "medium", "turbo", "large"}

// KnownModel reports whether name is in the model catalog.
func KnownModel(name string) bool {
	for _, m := range ModelOrder {
		if m == name {
			return true
		}
	}
	return false
}

// languageCodes is the set of language codes the engine accepts, the
// ISO 639-1 set whisper recognizes.
var languageCodes = map[string]struct{}{
	"af": {}, "am": {}, "ar": {}, "az": {}, "be": {}, "bg": {}, "bn": {},
	"bs": {}, "ca": {}, "cs": {}, "cy": {}, "da": {}, "de": {}, "el": {},
	"en": {}, "es": {}, "et": {}, "eu": {}, "fa": {}, "fi": {}, "fr": {},
	"gl": {}, "he": {}, "hi": {}, "hr": {}, "hu": {}, "hy": {}, "id": {},
	"is": {}, "it": {}, "ja": {}, "ka": {}, "kk": {}, "ko": {}, "lt": {},
	"lv": {}, "mk": {}, "mn": {}, "ms": {}, "ne": {}, "nl": {}, "no": {},
	"pl": {}, "pt": {}, "ro": {}, "ru": {}, "sk": {}, "sl": {}, "sq": {},
	"sr": {}, "sv": {}, "sw": {}, "ta": {}, "th": {}, "tr": {}, "uk": {},
	"ur": {}, "uz": {}, "vi": {}, "zh": {},
}

// KnownLanguage reports whether code is a recognized language code.
func KnownLanguage(code string) bool {
	_, ok := languageCodes[code]
	return ok
}
