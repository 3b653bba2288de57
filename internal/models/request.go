package models

// GenerateRequest is the body of both generation endpoints. InputImage is
// required for image-to-image only and accepts a URL or a data URL.
type GenerateRequest struct {
	Prompt              string   `json:"prompt" example:"a lighthouse at dusk, oil painting"`
	InputImage          *string  `json:"input_image,omitempty"`
	Seed                *int64   `json:"seed,omitempty" example:"42"`
	AspectRatio         *string  `json:"aspect_ratio,omitempty" example:"16:9"`
	OutputFormat        string   `json:"output_format,omitempty" example:"png"`
	ImagePromptStrength *float64 `json:"image_prompt_strength,omitempty" example:"0.5"`
}

// BatchRequest takes either Prompts, or Count copies of Prompt.
type BatchRequest struct {
	Prompts      []string `json:"prompts,omitempty"`
	Count        int      `json:"count,omitempty" example:"4"`
	Prompt       string   `json:"prompt,omitempty"`
	AspectRatio  *string  `json:"aspect_ratio,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

type ProcessBatchRequest struct {
	BatchID string `json:"batch_id" example:"batch:alice:1718000000000"`
	// TaskIndex is a pointer so that index 0 can be told apart from a
	// missing field.
	TaskIndex *int `json:"task_index" example:"0"`
}

type AddWordRequest struct {
	Word string `json:"word" example:"gore"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
