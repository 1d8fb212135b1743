package capability

// Project оставляет только поля из allow-list. Отсутствующие в raw поля молча пропускаются,
// все прочее (включая вложенные секреты) не покидает шлюз.
func Project(raw map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := raw[f]; ok {
			out[f] = v
		}
	}
	return out
}
