package brain

// Turn is one entry of a call's conversation history, oldest first. An
// interrupted turn was cut short by caller barge-in; its text is what the
// assistant intended to say.
type Turn struct {
	Role        string `json:"role"` // "caller" or "assistant"
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// Request carries one recognised caller turn plus the context the assistant
// service needs to answer it.
type Request struct {
	TenantID         string            `json:"tenant_id"`
	CallControlID    string            `json:"call_control_id"`
	Transcript       string            `json:"transcript"`
	History          []Turn            `json:"history,omitempty"`
	TransferProfiles []TransferProfile `json:"transfer_profiles,omitempty"`
	AssistantContext map[string]string `json:"assistant_context,omitempty"`
}

// TransferProfile mirrors the tenant config's named destinations in the shape
// the assistant service expects.
type TransferProfile struct {
	Name             string `json:"name"`
	To               string `json:"to"`
	Responsibilities string `json:"responsibilities,omitempty"`
}

type Transfer struct {
	To          string `json:"to"`
	AudioURL    string `json:"audioUrl,omitempty"`
	TimeoutSecs int    `json:"timeoutSecs,omitempty"`
}

type VoiceDirective struct {
	Mode          string `json:"mode"` // "preset" or "cloned"
	SpeakerWavURL string `json:"speakerWavUrl,omitempty"`
}

// Reply is the assistant's structured answer. Text may be empty when the
// reply only carries a transfer or hangup directive.
type Reply struct {
	Text           string          `json:"text"`
	Transfer       *Transfer       `json:"transfer,omitempty"`
	VoiceDirective *VoiceDirective `json:"voiceDirective,omitempty"`
	Hangup         bool            `json:"hangup,omitempty"`
}
