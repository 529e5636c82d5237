// internal/chatlink/chatlink.go
package chatlink

import (
	"net/url"
	"strings"

	"lead-tracking/internal/attribution"
)

// DefaultKey 는 알 수 없는 message key 에 사용된다.
const DefaultKey = "default"

// messages 는 CTA 위치별 미리 채워진 chat 메시지.
var messages = map[string]string{
	"default":      "Olá Noble Company! Vi a apresentação sobre os Agentes de IA para advocacia e gostaria de saber mais sobre como posso captar mais clientes qualificados.",
	"hero":         "Olá Noble Company! Vi a apresentação sobre os Agentes de IA para advocacia e gostaria de saber mais sobre como posso captar mais clientes qualificados.",
	"testimonials": "Olá Noble Company! Vi os depoimentos de outros escritórios e gostaria de saber como posso ter resultados semelhantes.",
	"guarantees":   "Olá! Vi a garantia tripla e gostaria de agendar uma demonstração sem compromisso.",
	"benefits":     "Olá! Quero saber mais sobre como automatizar meu atendimento e captar mais clientes.",
	"finalCta":     "Olá! Estou pronto para começar a captar mais clientes com o Assistente Jurídico de IA.",
	"faq":          "Olá! Tenho algumas dúvidas sobre o Assistente Jurídico de IA.",
	"solution":     "Olá! Vi a demonstração da conversa e quero implementar isso no meu escritório.",
}

// Message 는 key 에 해당하는 메시지. 없으면 default.
func Message(key string) string {
	if m, ok := messages[key]; ok {
		return m
	}
	return messages[DefaultKey]
}

// Known 은 정의된 message key 인지 여부.
func Known(key string) bool {
	_, ok := messages[key]
	return ok
}

// Link 는 wa.me chat link 를 만든다.
//
//	https://wa.me/<number>?text=<message>&utm_source=...
//
// 비어 있는 utm 값은 생략한다.
func Link(number, messageKey string, params attribution.Params) string {
	var sb strings.Builder
	sb.WriteString("https://wa.me/")
	sb.WriteString(url.PathEscape(number))
	sb.WriteString("?text=")
	sb.WriteString(url.QueryEscape(Message(messageKey)))

	if q := params.Query(); q != "" {
		sb.WriteByte('&')
		sb.WriteString(q)
	}
	return sb.String()
}
