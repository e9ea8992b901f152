package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ImageSource is either inline base64 data or a remote URL.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type Block struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Source   *ImageSource `json:"source,omitempty"`
	ImageURL *imageURL    `json:"image_url,omitempty"`
}

// Image returns the image carried by an image or image_url block.
func (b Block) Image() (ImageSource, bool) {
	switch {
	case b.Type == "image" && b.Source != nil:
		return *b.Source, true
	case b.Type == "image_url" && b.ImageURL != nil && b.ImageURL.URL != "":
		return ImageSource{Type: "url", URL: b.ImageURL.URL}, true
	}
	return ImageSource{}, false
}

// Content is a plain string or an ordered list of typed blocks.
type Content struct {
	Text   string
	Blocks []Block
}

func Text(s string) Content {
	return Content{Text: s}
}

func (c Content) IsBlocks() bool {
	return c.Blocks != nil
}

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*c = Content{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case b[0] == '[':
		var blocks []Block
		if err := json.Unmarshal(b, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []Block{}
		}
		*c = Content{Blocks: blocks}
		return nil
	}
	return errors.New("content must be a string or an array of blocks")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks() {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// PlainText concatenates the text of all blocks without trimming.
func (c Content) PlainText() string {
	if !c.IsBlocks() {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Message is one chat turn. The flag fields are per-turn directives some
// frontends attach; only Discard affects assembly.
type Message struct {
	Role        Role    `json:"role"`
	Content     Content `json:"content"`
	Name        string  `json:"name,omitempty"`
	CustomName  bool    `json:"customname,omitempty"`
	Strip       bool    `json:"strip,omitempty"`
	Jailbreak   bool    `json:"jailbreak,omitempty"`
	Main        bool    `json:"main,omitempty"`
	Discard     bool    `json:"discard,omitempty"`
	Merged      bool    `json:"merged,omitempty"`
	Personality bool    `json:"personality,omitempty"`
	Scenario    bool    `json:"scenario,omitempty"`
}

// Key is a total ordering key over every field of the message.
func (m Message) Key() string {
	b, _ := json.Marshal(m)
	return string(b)
}

func (m Message) Equal(o Message) bool {
	return m.Key() == o.Key()
}
