package privacy

import (
	"strings"
	"unicode"

	"gigchat/internal/constants"
	"gigchat/internal/models"
)

// MaskPhoneNumber keeps a leading "+" and the last four digits.
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	rest, plus := strings.CutPrefix(phone, "+")
	if !plus {
		return maskString(phone, 4)
	}
	if len(rest) <= 4 {
		return "+" + strings.Repeat("*", len(rest))
	}
	return "+" + maskString(rest, 4)
}

// MaskEmail keeps the first character of the local part and the domain
// Example: "jane.doe@gmail.com" -> "j*******@gmail.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}
	local, domain := email[:at], email[at:]
	if len(local) == 1 {
		return "*" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultUserIDMaskLength)
}

// MaskMessageID keeps the temp prefix of local ids so logs still show
// whether a placeholder or a server message was involved.
// Example: "tmp-0c9e1f6a-..." -> "tmp-****...a1b2c3d4"
func MaskMessageID(messageID string) string {
	if rest, ok := strings.CutPrefix(messageID, models.TempIDPrefix); ok {
		return models.TempIDPrefix + maskString(rest, constants.DefaultMessageIDLength)
	}
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskExcerpt hides a matched contact excerpt. Emails keep their domain,
// digits are replaced and everything else keeps only a short prefix.
func MaskExcerpt(excerpt string) string {
	if excerpt == "" {
		return ""
	}
	if strings.Count(excerpt, "@") == 1 && !strings.HasPrefix(excerpt, "@") {
		return MaskEmail(excerpt)
	}
	if hasDigits(excerpt) {
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return '#'
			}
			return r
		}, excerpt)
	}

	runes := []rune(excerpt)
	keep := constants.DefaultExcerptMaskLength
	if len(runes) <= keep {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:keep]) + strings.Repeat("*", len(runes)-keep)
}

// maskString stars all but the last keepLast runes.
func maskString(s string, keepLast int) string {
	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}
	cut := len(runes) - keepLast
	return strings.Repeat("*", cut) + string(runes[cut:])
}

func hasDigits(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

var fieldMaskers = map[string]func(string) string{
	"phone":          MaskPhoneNumber,
	"phone_number":   MaskPhoneNumber,
	"email":          MaskEmail,
	"user_id":        MaskUserID,
	"sender_id":      MaskUserID,
	"message_id":     MaskMessageID,
	"correlation_id": MaskMessageID,
	"excerpt":        MaskExcerpt,
}

// MaskSensitiveFields returns a copy of fields with identifying string
// values masked. Keys are matched case-insensitively in snake or camel case.
func MaskSensitiveFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	masked := make(map[string]any, len(fields))
	for k, v := range fields {
		masked[k] = v
		if s, ok := v.(string); ok {
			if mask, found := fieldMaskers[normalizeKey(k)]; found {
				masked[k] = mask(s)
			}
		}
	}
	return masked
}

// normalizeKey maps "senderId" and "SenderID" to "sender_id".
func normalizeKey(k string) string {
	var b strings.Builder
	for i, r := range k {
		if unicode.IsUpper(r) {
			if i > 0 && !unicode.IsUpper(rune(k[i-1])) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
