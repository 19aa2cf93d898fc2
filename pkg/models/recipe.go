package models

// Recipe captures the inputs used to generate a variant. It is serialized as
// a JSON column so a failed generation can be retried with identical inputs,
// and its input keys participate in object reference counting.
type Recipe struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	Seed           int64          `json:"seed,omitempty"`
	InputKeys      []string       `json:"input_keys,omitempty"` // Storage keys of reference images
	Params         map[string]any `json:"params,omitempty"`
}
