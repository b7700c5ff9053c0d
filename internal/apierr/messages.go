package apierr

import "golang.org/x/text/language"

var supported = []language.Tag{
	language.English, // first entry is the fallback
	language.Spanish,
	language.Portuguese,
}

var matcher = language.NewMatcher(supported)

var catalog = map[string]map[string]string{
	"en": {
		"auth_required":     "This video requires signing in to the source site and could not be accessed.",
		"video_unavailable": "This video is unavailable. It may have been removed or blocked in the server's region.",
		"private_video":     "This video is private.",
		"rate_limited":      "The source site is limiting requests right now. Please try again in a few minutes.",
		"network_error":     "Could not reach the source site. Please try again.",
		"timeout":           "The source site took too long to respond. Please try again.",
		"unknown":           "The video could not be processed.",
	},
	"es": {
		"auth_required":     "Este video requiere iniciar sesión en el sitio de origen y no se pudo acceder.",
		"video_unavailable": "Este video no está disponible. Puede haber sido eliminado o bloqueado en la región del servidor.",
		"private_video":     "Este video es privado.",
		"rate_limited":      "El sitio de origen está limitando las solicitudes. Inténtalo de nuevo en unos minutos.",
		"network_error":     "No se pudo conectar con el sitio de origen. Inténtalo de nuevo.",
		"timeout":           "El sitio de origen tardó demasiado en responder. Inténtalo de nuevo.",
		"unknown":           "No se pudo procesar el video.",
	},
	"pt": {
		"auth_required":     "Este vídeo exige login no site de origem e não pôde ser acessado.",
		"video_unavailable": "Este vídeo não está disponível. Pode ter sido removido ou bloqueado na região do servidor.",
		"private_video":     "Este vídeo é privado.",
		"rate_limited":      "O site de origem está limitando as solicitações. Tente novamente em alguns minutos.",
		"network_error":     "Não foi possível acessar o site de origem. Tente novamente.",
		"timeout":           "O site de origem demorou demais para responder. Tente novamente.",
		"unknown":           "Não foi possível processar o vídeo.",
	},
}

// MatchLanguage picks the best supported base language for an
// Accept-Language header value.
func MatchLanguage(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return "en"
	}
	_, idx, _ := matcher.Match(tags...)
	base, _ := supported[idx].Base()
	return base.String()
}

// Localize returns the user-facing message of e in lang. Only extraction
// errors have translated messages; other classes keep their message.
func Localize(e *Error, lang string) string {
	if e.Class != ClassExtraction {
		return e.Message
	}
	return messageFor(e.Kind, lang)
}

func messageFor(kind, lang string) string {
	msgs, ok := catalog[lang]
	if !ok {
		msgs = catalog["en"]
	}
	if m, ok := msgs[kind]; ok {
		return m
	}
	return msgs["unknown"]
}
