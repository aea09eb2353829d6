package types

// Event is the serialized form of a state change emitted by the accounting
// engines. Attributes hold decimal-string amounts and hex-encoded addresses so
// downstream consumers never parse engine-internal types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute or the empty string.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
