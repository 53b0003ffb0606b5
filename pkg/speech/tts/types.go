package tts

// VoiceProfile identifies a synthesis voice and its delivery tuning. Profiles
// travel with agent handoffs: when a specialist takes over the call, its
// profile is synced into session context so reconnects keep the same voice.
type VoiceProfile struct {
	// ID is the provider-assigned voice identifier. Required by providers that
	// address voices by id (ElevenLabs); providers that address by name may
	// derive it from Name.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Name is the human-facing voice name (e.g. "en-US-AvaNeural").
	Name string `json:"name" yaml:"name"`

	// Style is an optional delivery style ("cheerful", "empathetic"). Ignored
	// by providers without style support.
	Style string `json:"style,omitempty" yaml:"style,omitempty"`

	// Rate is the speaking-rate multiplier. 1.0 (or 0) means native speed.
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// Provider names the backend this profile belongs to.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Metadata carries provider-specific attributes (accent, gender, ...).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"-"`
}

// CacheKey returns the stable identity used by the phrase cache: same key,
// same audio.
func (v VoiceProfile) CacheKey() string {
	return v.Provider + "/" + v.Name + "/" + v.Style
}
