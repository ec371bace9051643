package enrich

import (
	"fmt"
	"strings"

	"github.com/xela07ax/telemetry-relay/internal/domain"
)

// Result — итог валидации. Warnings (PII) никогда не делают событие
// невалидным: это побочный сигнал, а не блокировка приема.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Подстроки-маркеры вероятного PII в именах ключей properties.
// Контроль advisory-уровня: ничего не редактируем и не блокируем.
var piiDenylist = []string{"email", "phone", "ssn", "credit_card"}

// Validate проверяет универсальные и типоспецифичные обязательные поля.
func Validate(p domain.EventPayload, et domain.EventType) Result {
	var errs []string

	// Универсальные проверки
	if p.MessageID == "" {
		errs = append(errs, "missing messageId")
	}
	if p.Timestamp == "" {
		errs = append(errs, "missing timestamp")
	}

	switch et {
	case domain.TypeTrack:
		if p.Event == "" {
			errs = append(errs, "track event requires an event name")
		}
	case domain.TypeIdentify:
		if p.UserID == "" && p.AnonymousID == "" {
			errs = append(errs, "identify event requires userId or anonymousId")
		}
	case domain.TypePage, domain.TypeScreen:
		if !hasName(p) {
			errs = append(errs, fmt.Sprintf("%s event requires a name", et))
		}
	case domain.TypeGroup:
		if p.GroupID == "" {
			errs = append(errs, "group event requires groupId")
		}
	case domain.TypeAlias:
		if p.UserID == "" {
			errs = append(errs, "alias event requires userId")
		}
		if p.PreviousID == "" {
			errs = append(errs, "alias event requires previousId")
		}
	}

	return Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: scanPII(p.Properties, ""),
	}
}

// Имя страницы/экрана допустимо и на верхнем уровне, и в properties.
func hasName(p domain.EventPayload) bool {
	if p.Name != "" {
		return true
	}
	if v, ok := p.Properties["name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return true
		}
	}
	return false
}

// scanPII рекурсивно обходит properties и ищет ключи, содержащие
// маркеры из denylist (без учета регистра).
func scanPII(props map[string]interface{}, prefix string) []string {
	var warnings []string
	for key, val := range props {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		lower := strings.ToLower(key)
		for _, marker := range piiDenylist {
			if strings.Contains(lower, marker) {
				warnings = append(warnings, fmt.Sprintf("potential PII in property %q (matched %q)", path, marker))
				break
			}
		}

		switch nested := val.(type) {
		case map[string]interface{}:
			warnings = append(warnings, scanPII(nested, path)...)
		case []interface{}:
			for i, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					warnings = append(warnings, scanPII(m, fmt.Sprintf("%s[%d]", path, i))...)
				}
			}
		}
	}
	return warnings
}
