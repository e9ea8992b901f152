package completion

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lkarlslund/sessionrelay/pkg/prompt"
)

// Request is an OpenAI style chat completion request. System is accepted
// for clients speaking the messages dialect.
type Request struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	System      json.RawMessage  `json:"system,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stop        StopList         `json:"stop,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	TopK        *int             `json:"top_k,omitempty"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

const (
	minTemperature = 0.1
	maxTemperature = 1.0
)

func (r *Request) sanitize() {
	if r.Temperature != nil {
		t := min(max(*r.Temperature, minTemperature), maxTemperature)
		r.Temperature = &t
	}
}

// Response is what the HTTP layer copies to the client. Body must be closed.
type Response struct {
	ContentType string
	Stream      bool
	Body        io.ReadCloser
}
