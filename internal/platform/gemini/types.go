package gemini

// promptData is passed to the prompt template.
type promptData struct {
	Name        string
	ContentType string
}

// ResponseSchema is the JSON object the model is asked to return.
type ResponseSchema struct {
	// Label is the category assigned to the object
	Label string `json:"label"`

	// Score is the model's confidence in Label, in [0, 1]
	Score float64 `json:"score"`
}
